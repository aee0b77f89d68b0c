package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/buildfactory/factoryd/internal/tmux"
)

var (
	// ErrSessionAlreadyRunning is returned when a session with the run's
	// name already exists.
	ErrSessionAlreadyRunning = errors.New("session already running")
	// ErrLaunch wraps failures to spawn the agent process.
	ErrLaunch = errors.New("launch failed")
	// ErrSessionGone is returned when input cannot be delivered because the
	// session no longer exists.
	ErrSessionGone = errors.New("session no longer exists")
)

// ResumeDirective tells the agent which phase to redo and why. It is
// written as JSON into the project directory, where the agent polls for it,
// keeping the coordinator free of engine-specific resume mechanics.
type ResumeDirective struct {
	PhaseIndex int    `json:"phase_index"`
	Reason     string `json:"reason"`
}

const (
	resumeFileName = ".factory-resume.json"
	stopFileName   = ".factory-stop"
)

// Launcher starts, signals, and stops the tmux sessions that host agent
// processes. It is the exclusive owner of session handles.
type Launcher struct{}

func NewLauncher() *Launcher {
	return &Launcher{}
}

// SessionName derives the tmux session name for a run.
func SessionName(project, engineName string) string {
	return tmux.SanitizeSessionName(project + "-" + engineName)
}

// Start creates the run's session with output piped to logPath from the
// first byte, then sends the engine's start command. Returns the session
// handle.
func (l *Launcher) Start(spec Spec, project, projectDir, logPath string) (string, error) {
	session := SessionName(project, spec.Name)
	if tmux.HasSession(session) {
		return "", fmt.Errorf("%w: %s", ErrSessionAlreadyRunning, session)
	}

	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return "", fmt.Errorf("%w: create log dir: %v", ErrLaunch, err)
	}
	// A leftover stop signal from a previous run would make the agent exit
	// immediately.
	_ = os.Remove(filepath.Join(projectDir, stopFileName))
	_ = os.Remove(filepath.Join(projectDir, resumeFileName))

	if err := tmux.NewSession(session, projectDir); err != nil {
		return "", fmt.Errorf("%w: %v", ErrLaunch, err)
	}
	// pipe-pane is installed before the start command so no output is lost.
	if err := tmux.PipePane(session, logPath); err != nil {
		_ = tmux.KillSession(session)
		return "", fmt.Errorf("%w: pipe output: %v", ErrLaunch, err)
	}
	if err := tmux.SendCommand(session, spec.StartCmd); err != nil {
		_ = tmux.KillSession(session)
		return "", fmt.Errorf("%w: send start command: %v", ErrLaunch, err)
	}

	return session, nil
}

// Alive reports whether the session still exists.
func (l *Launcher) Alive(session string) bool {
	return tmux.HasSession(session)
}

// DeliverInput forwards text (a clarification answer) into the running
// agent's input.
func (l *Launcher) DeliverInput(session, text string) error {
	if !tmux.HasSession(session) {
		return fmt.Errorf("%w: %s", ErrSessionGone, session)
	}
	return tmux.SendTextAndSubmit(session, text)
}

// Resume signals the agent to redo a phase. The directive file is always
// written; when the session is alive a short instruction is also delivered,
// otherwise the engine is relaunched in a fresh session appending to the
// same log (at-least-once contract).
func (l *Launcher) Resume(spec Spec, project, projectDir, logPath, session string, d ResumeDirective) (string, error) {
	payload, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("marshal resume directive: %w", err)
	}
	if err := os.WriteFile(filepath.Join(projectDir, resumeFileName), payload, 0644); err != nil {
		return "", fmt.Errorf("write resume directive: %w", err)
	}

	if tmux.HasSession(session) {
		instruction := fmt.Sprintf("Redo phase %d (%s). Read %s for details.", d.PhaseIndex, d.Reason, resumeFileName)
		if err := tmux.SendTextAndSubmit(session, instruction); err != nil {
			return "", fmt.Errorf("deliver resume instruction: %w", err)
		}
		return session, nil
	}

	// Session died between the decision and the resume; relaunch.
	if err := tmux.NewSession(session, projectDir); err != nil {
		return "", fmt.Errorf("%w: relaunch: %v", ErrLaunch, err)
	}
	if err := tmux.PipePane(session, logPath); err != nil {
		_ = tmux.KillSession(session)
		return "", fmt.Errorf("%w: pipe output: %v", ErrLaunch, err)
	}
	if err := tmux.SendCommand(session, spec.StartCmd); err != nil {
		_ = tmux.KillSession(session)
		return "", fmt.Errorf("%w: send start command: %v", ErrLaunch, err)
	}
	return session, nil
}

// Terminate stops the run's session: it touches the stop-signal file so a
// cooperative agent can exit on its own, interrupts the foreground process,
// and kills the session. Idempotent: terminating a dead session succeeds.
func (l *Launcher) Terminate(projectDir, session string) error {
	if projectDir != "" {
		stopFile := filepath.Join(projectDir, stopFileName)
		if f, err := os.Create(stopFile); err == nil {
			_ = f.Close()
		}
	}

	if !tmux.HasSession(session) {
		return nil
	}
	_ = tmux.SendCtrlC(session)
	if err := tmux.KillSession(session); err != nil {
		// The session may have exited between the check and the kill.
		if tmux.HasSession(session) {
			return fmt.Errorf("terminate session %s: %w", session, err)
		}
	}
	return nil
}
