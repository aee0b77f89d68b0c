// Package tmux wraps the tmux commands factoryd uses to run one detached
// session per pipeline run and to exchange text with the agent inside it.
package tmux

import (
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"sync/atomic"
	"time"
)

// bufSeq generates unique buffer names so concurrent SendTextAndSubmit
// calls never clobber each other's paste buffers.
var bufSeq atomic.Int64

// unsafeSessionChars matches characters tmux treats specially in target
// names (`:` and `.` resolve windows/panes), so session names are sanitized.
var unsafeSessionChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// SanitizeSessionName replaces characters that are unsafe in tmux session
// names.
func SanitizeSessionName(name string) string {
	sanitized := unsafeSessionChars.ReplaceAllString(name, "_")
	if sanitized == "" {
		sanitized = "run"
	}
	return sanitized
}

// HasSession checks whether a tmux session exists.
func HasSession(session string) bool {
	err := exec.Command("tmux", "has-session", "-t", session).Run()
	return err == nil
}

// NewSession creates a detached session with the given working directory.
func NewSession(session, workdir string) error {
	return run("new-session", "-d", "-s", session, "-c", workdir)
}

// KillSession destroys a session. Killing a session that is already gone is
// not an error for callers; they should check HasSession when it matters.
func KillSession(session string) error {
	return run("kill-session", "-t", session)
}

// PipePane mirrors everything the session writes to its terminal into
// logPath, appending. Installed before the agent command is sent so the log
// captures output from the first byte.
func PipePane(session, logPath string) error {
	return run("pipe-pane", "-o", "-t", session, fmt.Sprintf("cat >> %q", logPath))
}

// SendCommand sends a command line to the session (text + Enter).
func SendCommand(session, command string) error {
	return SendKeys(session, command, "Enter")
}

// SendKeys sends raw keystrokes to the session's active pane.
func SendKeys(session string, keys ...string) error {
	args := make([]string, 0, 3+len(keys))
	args = append(args, "send-keys", "-t", session)
	args = append(args, keys...)
	return run(args...)
}

// SendCtrlC interrupts the foreground process in the session.
func SendCtrlC(session string) error {
	return SendKeys(session, "", "C-c")
}

// SendTextAndSubmit delivers multi-line text to the session via a tmux
// paste buffer, then sends Enter to submit. Bracketed paste (-p) keeps the
// agent CLI from treating embedded newlines as submissions; -r prevents tmux
// from rewriting LF to CR; -d frees the buffer afterwards.
func SendTextAndSubmit(session, text string) error {
	bufName := fmt.Sprintf("factoryd-msg-%d", bufSeq.Add(1))

	cmd := exec.Command("tmux", "load-buffer", "-b", bufName, "-")
	cmd.Stdin = strings.NewReader(text)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("tmux load-buffer: %w: %s", err, strings.TrimSpace(string(out)))
	}

	if err := run("paste-buffer", "-pr", "-b", bufName, "-d", "-t", session); err != nil {
		return err
	}

	// Give the agent's TUI time to render the paste into its input field
	// before the submitting Enter arrives; shorter delays drop input under
	// load.
	time.Sleep(500 * time.Millisecond)

	return SendKeys(session, "Enter")
}

// CapturePane captures session output with -J, which joins wrapped lines so
// the result is stable regardless of terminal width. lastN limits capture to
// the bottom N lines (0 = entire visible pane).
func CapturePane(session string, lastN int) (string, error) {
	args := []string{"capture-pane", "-p", "-J", "-t", session}
	if lastN > 0 {
		args = append(args, "-S", fmt.Sprintf("-%d", lastN))
	}
	return output(args...)
}

// ListSessions returns the names of all tmux sessions.
func ListSessions() ([]string, error) {
	out, err := output("list-sessions", "-F", "#{session_name}")
	if err != nil {
		// No server running means no sessions.
		return nil, nil
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

func run(args ...string) error {
	cmd := exec.Command("tmux", args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("tmux %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return nil
}

func output(args ...string) (string, error) {
	cmd := exec.Command("tmux", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("tmux %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}
