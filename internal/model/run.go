// Package model defines the data structures for factoryd's configuration,
// run records, and pipeline phases.
package model

import "time"

// PhaseNames is the fixed pipeline, in execution order. Phase indices in the
// marker protocol refer to positions in this list.
var PhaseNames = []string{
	"requirements",
	"architecture",
	"implementation",
	"review",
	"test-fix",
	"release",
}

// PhaseCount is the fixed pipeline length.
func PhaseCount() int { return len(PhaseNames) }

// Run is one end-to-end execution of the pipeline for one project.
// The coordinator is the only writer; everything else reads snapshots
// through the store.
type Run struct {
	SchemaVersion int    `yaml:"schema_version"`
	RunID         string `yaml:"run_id"`
	Project       string `yaml:"project"`
	Engine        string `yaml:"engine"`
	ProjectDir    string `yaml:"project_dir"`

	State      RunState   `yaml:"state"`
	FailReason FailReason `yaml:"fail_reason,omitempty"`

	CurrentPhase int     `yaml:"current_phase"`
	Phases       []Phase `yaml:"phases"`

	// SessionName is the opaque handle to the OS-level tmux session.
	SessionName string `yaml:"session_name,omitempty"`
	LogPath     string `yaml:"log_path,omitempty"`
	// LogCursor is the byte offset in the log file up to which marker events
	// have been applied. Persisted atomically with the rest of the record so
	// a supervisor restart resumes without replaying applied events.
	LogCursor int64 `yaml:"log_cursor"`

	// TotalCost is the running sum of the cost ledger. Monotone.
	TotalCost float64     `yaml:"total_cost"`
	Costs     []CostEntry `yaml:"costs,omitempty"`

	// Clarification bookkeeping. Only one request is pending at a time.
	Clarifications     []Clarification `yaml:"clarifications,omitempty"`
	ClarificationRound int             `yaml:"clarification_round"`

	LastError string `yaml:"last_error,omitempty"`

	StartedAt   time.Time  `yaml:"started_at"`
	EndedAt     *time.Time `yaml:"ended_at,omitempty"`
	LastEventAt time.Time  `yaml:"last_event_at"`
}

// Phase is one pipeline stage within a run.
type Phase struct {
	Index     int         `yaml:"index" json:"index"`
	Name      string      `yaml:"name" json:"name"`
	Status    PhaseStatus `yaml:"status" json:"status"`
	Attempts  int         `yaml:"attempts" json:"attempts"`
	LastScore *int        `yaml:"last_score,omitempty" json:"last_score,omitempty"`
	Errors    int         `yaml:"errors,omitempty" json:"errors,omitempty"`
	StartedAt *time.Time  `yaml:"started_at,omitempty" json:"started_at,omitempty"`
	EndedAt   *time.Time  `yaml:"ended_at,omitempty" json:"ended_at,omitempty"`
}

// Clarification is a pause point raised by the running agent. Resolved only
// by the answer control operation.
type Clarification struct {
	ID         string     `yaml:"id" json:"id"`
	PhaseIndex int        `yaml:"phase_index" json:"phase_index"`
	Question   string     `yaml:"question" json:"question"`
	Options    []string   `yaml:"options,omitempty" json:"options,omitempty"`
	RaisedAt   time.Time  `yaml:"raised_at" json:"raised_at"`
	ResolvedAt *time.Time `yaml:"resolved_at,omitempty" json:"resolved_at,omitempty"`
	Answer     string     `yaml:"answer,omitempty" json:"answer,omitempty"`
}

// CostEntry is one append-only ledger line. Entries are never mutated or
// removed.
type CostEntry struct {
	Amount     float64   `yaml:"amount"`
	Provider   string    `yaml:"provider"`
	RecordedAt time.Time `yaml:"recorded_at"`
}

// RunSchemaVersion is bumped on incompatible changes to the Run record layout.
const RunSchemaVersion = 1

// NewRun builds a pending run with the fixed phase list initialized.
func NewRun(runID, project, engine, projectDir string, now time.Time) *Run {
	phases := make([]Phase, len(PhaseNames))
	for i, name := range PhaseNames {
		phases[i] = Phase{Index: i, Name: name, Status: PhaseNotStarted}
	}
	return &Run{
		SchemaVersion: RunSchemaVersion,
		RunID:         runID,
		Project:       project,
		Engine:        engine,
		ProjectDir:    projectDir,
		State:         RunPending,
		Phases:        phases,
		StartedAt:     now,
		LastEventAt:   now,
	}
}

// PendingClarification returns the current unresolved clarification, or nil.
func (r *Run) PendingClarification() *Clarification {
	for i := len(r.Clarifications) - 1; i >= 0; i-- {
		if r.Clarifications[i].ResolvedAt == nil {
			return &r.Clarifications[i]
		}
	}
	return nil
}

// Active reports whether the run still holds its project lock.
func (r *Run) Active() bool {
	return !IsTerminal(r.State)
}

// Snapshot is the read-only view of a run surfaced by the control interface.
type Snapshot struct {
	RunID        string     `json:"run_id"`
	Project      string     `json:"project"`
	Engine       string     `json:"engine"`
	State        RunState   `json:"state"`
	FailReason   FailReason `json:"fail_reason,omitempty"`
	CurrentPhase int        `json:"current_phase"`
	Phases       []Phase    `json:"phases"`
	TotalCost    float64    `json:"total_cost"`
	Pending      *Clarification `json:"pending_clarification,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
}

// Snapshot copies the externally visible fields of a run.
func (r *Run) Snapshot() Snapshot {
	phases := make([]Phase, len(r.Phases))
	copy(phases, r.Phases)
	var pending *Clarification
	if p := r.PendingClarification(); p != nil {
		c := *p
		pending = &c
	}
	return Snapshot{
		RunID:        r.RunID,
		Project:      r.Project,
		Engine:       r.Engine,
		State:        r.State,
		FailReason:   r.FailReason,
		CurrentPhase: r.CurrentPhase,
		Phases:       phases,
		TotalCost:    r.TotalCost,
		Pending:      pending,
		StartedAt:    r.StartedAt,
		EndedAt:      r.EndedAt,
	}
}
