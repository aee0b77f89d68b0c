// Package store is the durable, crash-recoverable record of run state: one
// YAML file per run under <dir>/runs, fronted by an in-memory index. The
// store is the single source of truth; only the coordinator mutates it.
package store

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/buildfactory/factoryd/internal/lock"
	"github.com/buildfactory/factoryd/internal/model"
	"github.com/buildfactory/factoryd/internal/yaml"
)

var (
	// ErrNotFound is returned for an unknown run ID.
	ErrNotFound = errors.New("run not found")
	// ErrProjectLocked is returned when a project already has an active run.
	ErrProjectLocked = errors.New("project already has an active run")
)

// Store persists runs and enforces the one-active-run-per-project lock.
type Store struct {
	dir   string
	locks *lock.MutexMap

	mu     sync.RWMutex
	runs   map[string]*model.Run
	active map[string]string // project → run ID, non-terminal runs only
}

// Open loads all persisted run records from <factoryDir>/runs. Corrupt
// records are quarantined and restored from backup when possible; a record
// that cannot be recovered is skipped, never fatal.
func Open(factoryDir string) (*Store, error) {
	runsDir := filepath.Join(factoryDir, "runs")
	if err := os.MkdirAll(runsDir, 0755); err != nil {
		return nil, fmt.Errorf("create runs dir: %w", err)
	}

	s := &Store{
		dir:    runsDir,
		locks:  lock.NewMutexMap(),
		runs:   make(map[string]*model.Run),
		active: make(map[string]string),
	}

	entries, err := os.ReadDir(runsDir)
	if err != nil {
		return nil, fmt.Errorf("read runs dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}
		path := filepath.Join(runsDir, entry.Name())
		run, err := readRun(path)
		if err != nil {
			run, err = recoverRun(factoryDir, path)
			if err != nil {
				log.Printf("store: skipping unrecoverable run record %s: %v", path, err)
				continue
			}
		}
		s.runs[run.RunID] = run
		if run.Active() {
			s.active[run.Project] = run.RunID
		}
	}

	return s, nil
}

func readRun(path string) (*model.Run, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read run record: %w", err)
	}
	var run model.Run
	if err := yamlv3.Unmarshal(content, &run); err != nil {
		return nil, fmt.Errorf("parse run record: %w", err)
	}
	if run.RunID == "" {
		return nil, fmt.Errorf("run record %s has no run_id", path)
	}
	if run.SchemaVersion > model.RunSchemaVersion {
		return nil, fmt.Errorf("run record %s has unsupported schema_version %d", path, run.SchemaVersion)
	}
	return &run, nil
}

func recoverRun(factoryDir, path string) (*model.Run, error) {
	if err := yaml.Quarantine(factoryDir, path); err != nil {
		return nil, fmt.Errorf("quarantine: %w", err)
	}
	if err := yaml.RestoreFromBackup(path); err != nil {
		return nil, fmt.Errorf("restore from backup: %w", err)
	}
	return readRun(path)
}

func (s *Store) path(runID string) string {
	return filepath.Join(s.dir, runID+".yaml")
}

// Create persists a new run and takes the project lock. Fails with
// ErrProjectLocked when an active run already exists for the project.
func (s *Store) Create(run *model.Run) error {
	s.mu.Lock()
	if existing, ok := s.active[run.Project]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: project %q held by %s", ErrProjectLocked, run.Project, existing)
	}
	s.runs[run.RunID] = run
	s.active[run.Project] = run.RunID
	s.mu.Unlock()

	if err := yaml.AtomicWrite(s.path(run.RunID), run); err != nil {
		s.mu.Lock()
		delete(s.runs, run.RunID)
		delete(s.active, run.Project)
		s.mu.Unlock()
		return fmt.Errorf("persist run %s: %w", run.RunID, err)
	}
	return nil
}

// Mutate applies fn to the run under its per-run lock and persists the
// result atomically. When fn moves the run to a terminal state the project
// lock is released. fn returning an error aborts without persisting.
func (s *Store) Mutate(runID string, fn func(*model.Run) error) error {
	s.locks.Lock(runID)
	defer s.locks.Unlock(runID)

	s.mu.RLock()
	run, ok := s.runs[runID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, runID)
	}

	wasActive := run.Active()
	if err := fn(run); err != nil {
		return err
	}

	if err := yaml.AtomicWrite(s.path(runID), run); err != nil {
		return fmt.Errorf("persist run %s: %w", runID, err)
	}

	if wasActive && !run.Active() {
		s.mu.Lock()
		if s.active[run.Project] == runID {
			delete(s.active, run.Project)
		}
		s.mu.Unlock()
	}
	return nil
}

// Snapshot returns the externally visible view of one run.
func (s *Store) Snapshot(runID string) (model.Snapshot, error) {
	s.locks.Lock(runID)
	defer s.locks.Unlock(runID)

	s.mu.RLock()
	run, ok := s.runs[runID]
	s.mu.RUnlock()
	if !ok {
		return model.Snapshot{}, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	return run.Snapshot(), nil
}

// List returns snapshots of all runs, newest first. An empty stateFilter
// matches everything.
func (s *Store) List(stateFilter model.RunState) []model.Snapshot {
	s.mu.RLock()
	ids := make([]string, 0, len(s.runs))
	for id := range s.runs {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	snaps := make([]model.Snapshot, 0, len(ids))
	for _, id := range ids {
		snap, err := s.Snapshot(id)
		if err != nil {
			continue
		}
		if stateFilter != "" && snap.State != stateFilter {
			continue
		}
		snaps = append(snaps, snap)
	}
	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].StartedAt.After(snaps[j].StartedAt)
	})
	return snaps
}

// ActiveRunIDs returns the IDs of all non-terminal runs. Used by daemon
// startup recovery to reattach log readers.
func (s *Store) ActiveRunIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.active))
	for _, id := range s.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ActiveRunForProject returns the run ID holding the project lock, if any.
func (s *Store) ActiveRunForProject(project string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.active[project]
	return id, ok
}
