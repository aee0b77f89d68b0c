package tailer

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Manager tracks the tailer goroutine of every active run so the daemon
// can stop one reader when its run terminates and wait for all of them on
// shutdown.
type Manager struct {
	mu      sync.Mutex
	nextGen uint64
	entries map[string]managedTailer
	group   errgroup.Group
}

type managedTailer struct {
	cancel context.CancelFunc
	gen    uint64
}

func NewManager() *Manager {
	return &Manager{entries: make(map[string]managedTailer)}
}

// Start launches t in its own goroutine, replacing any existing tailer for
// the same run.
func (m *Manager) Start(ctx context.Context, t *Tailer) {
	runCtx, cancel := context.WithCancel(ctx)

	m.mu.Lock()
	m.nextGen++
	gen := m.nextGen
	if prev, ok := m.entries[t.runID]; ok {
		prev.cancel()
	}
	m.entries[t.runID] = managedTailer{cancel: cancel, gen: gen}
	m.mu.Unlock()

	m.group.Go(func() error {
		defer m.remove(t.runID, gen)
		err := t.Run(runCtx)
		if err == context.Canceled || runCtx.Err() != nil {
			return nil
		}
		return err
	})
}

// Stop cancels the tailer for one run, if any.
func (m *Manager) Stop(runID string) {
	m.mu.Lock()
	entry, ok := m.entries[runID]
	if ok {
		delete(m.entries, runID)
	}
	m.mu.Unlock()
	if ok {
		entry.cancel()
	}
}

// Wait blocks until all tailer goroutines have exited and returns the first
// tailer error, if any.
func (m *Manager) Wait() error {
	return m.group.Wait()
}

// remove clears the registration made by the generation that is exiting;
// a newer tailer for the same run is left untouched.
func (m *Manager) remove(runID string, gen uint64) {
	m.mu.Lock()
	if entry, ok := m.entries[runID]; ok && entry.gen == gen {
		delete(m.entries, runID)
	}
	m.mu.Unlock()
}
