// Package tailer implements the log stream reader: one tailer per active
// run, continuously feeding newly appended log lines to the coordinator in
// write order. The byte cursor only advances over complete lines, so a
// supervisor restart resumes from the last consumed offset instead of
// replaying the file.
package tailer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Sink consumes tailed lines in the exact order they were written. offset
// is the byte position immediately after the line's trailing newline.
type Sink interface {
	HandleLine(runID, line string, offset int64)
	// HandleSessionExit is called once when the run's session disappears
	// after the remaining log has been drained.
	HandleSessionExit(runID string)
}

// AliveFunc reports whether the run's session still exists.
type AliveFunc func(session string) bool

// Tailer follows one run's log file.
type Tailer struct {
	runID   string
	logPath string
	session string
	offset  int64
	poll    time.Duration
	alive   AliveFunc
	sink    Sink
}

// New creates a tailer starting at the given byte offset. poll bounds how
// long the tailer sleeps when no filesystem event arrives.
func New(runID, logPath, session string, offset int64, poll time.Duration, alive AliveFunc, sink Sink) *Tailer {
	if poll <= 0 {
		poll = 2 * time.Second
	}
	return &Tailer{
		runID:   runID,
		logPath: logPath,
		session: session,
		offset:  offset,
		poll:    poll,
		alive:   alive,
		sink:    sink,
	}
}

// Run blocks until the context is cancelled or the run's session exits.
// It wakes on fsnotify write events for the log file, with a poll ticker
// fallback for filesystems where watch events are unreliable.
func (t *Tailer) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: the log file may not exist until the agent's
	// first write, and directory watches survive file rotation.
	logDir := filepath.Dir(t.logPath)
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return fmt.Errorf("ensure log dir: %w", err)
	}
	if err := watcher.Add(logDir); err != nil {
		return fmt.Errorf("watch %s: %w", logDir, err)
	}

	ticker := time.NewTicker(t.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != t.logPath {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if err := t.drain(); err != nil {
					return err
				}
			}

		case <-watcher.Errors:
			// Watch errors degrade to polling; the ticker still fires.

		case <-ticker.C:
			if err := t.drain(); err != nil {
				return err
			}
			if !t.alive(t.session) {
				// Final drain: the session may have flushed output right
				// before exiting.
				if err := t.drain(); err != nil {
					return err
				}
				t.sink.HandleSessionExit(t.runID)
				return nil
			}
		}
	}
}

// Offset returns the current cursor. Only meaningful after Run returns or
// for tests driving drain directly.
func (t *Tailer) Offset() int64 { return t.offset }

// drain reads everything appended since the cursor and emits complete
// lines. A trailing partial line is left unconsumed; the cursor never
// advances past the last newline, so interrupted writes are re-read whole
// on the next wakeup.
func (t *Tailer) drain() error {
	f, err := os.Open(t.logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open log: %w", err)
	}
	defer f.Close()

	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		return fmt.Errorf("seek log: %w", err)
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read log: %w", err)
	}

	for len(data) > 0 {
		nl := bytes.IndexByte(data, '\n')
		if nl < 0 {
			break
		}
		line := string(bytes.TrimRight(data[:nl], "\r"))
		t.offset += int64(nl + 1)
		data = data[nl+1:]
		t.sink.HandleLine(t.runID, line, t.offset)
	}
	return nil
}
