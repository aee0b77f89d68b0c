package model

import "fmt"

// RunState is the lifecycle state of a pipeline run.
type RunState string

const (
	RunPending               RunState = "pending"
	RunRunning               RunState = "running"
	RunAwaitingClarification RunState = "awaiting_clarification"
	RunEscalated             RunState = "escalated"
	RunCompleted             RunState = "completed"
	RunFailed                RunState = "failed"
)

// PhaseStatus is the status of one pipeline phase within a run.
type PhaseStatus string

const (
	PhaseNotStarted PhaseStatus = "not_started"
	PhaseInProgress PhaseStatus = "in_progress"
	PhasePassed     PhaseStatus = "passed"
	PhaseRetrying   PhaseStatus = "retrying"
	PhaseEscalated  PhaseStatus = "escalated"
)

// FailReason records why a run ended in a terminal or escalated state.
type FailReason string

const (
	ReasonUserStopped         FailReason = "user_stopped"
	ReasonTimeout             FailReason = "timeout"
	ReasonSessionDied         FailReason = "session_died"
	ReasonLaunchFailed        FailReason = "launch_failed"
	ReasonGateEscalation      FailReason = "gate_escalation"
	ReasonCostCeilingExceeded FailReason = "cost_ceiling_exceeded"
	ReasonClarificationLimit  FailReason = "clarification_limit"
	ReasonAbandoned           FailReason = "abandoned"
)

var terminalRunStates = map[RunState]bool{
	RunCompleted: true,
	RunFailed:    true,
}

// Run state transitions. Retries stay inside running; escalated is the only
// state a human can resume from.
var validRunTransitions = map[RunState]map[RunState]bool{
	RunPending: {
		RunRunning: true,
		RunFailed:  true, // launch failure
	},
	RunRunning: {
		RunAwaitingClarification: true,
		RunEscalated:             true,
		RunCompleted:             true,
		RunFailed:                true,
	},
	RunAwaitingClarification: {
		RunRunning:   true, // answer delivered
		RunEscalated: true, // clarification round limit
		RunFailed:    true, // stop / session death
	},
	RunEscalated: {
		RunRunning: true, // human resume
		RunFailed:  true, // human abandon / stop
	},
}

var validPhaseTransitions = map[PhaseStatus]map[PhaseStatus]bool{
	PhaseNotStarted: {
		PhaseInProgress: true,
	},
	PhaseInProgress: {
		PhasePassed:    true,
		PhaseRetrying:  true,
		PhaseEscalated: true,
	},
	PhaseRetrying: {
		PhaseInProgress: true, // next attempt starts
		PhaseEscalated:  true,
	},
	// escalated → in_progress is allowed for human resume of the phase
	PhaseEscalated: {
		PhaseInProgress: true,
	},
}

// Valid reports whether s is a known run state.
func (s RunState) Valid() bool {
	switch s {
	case RunPending, RunRunning, RunAwaitingClarification, RunEscalated, RunCompleted, RunFailed:
		return true
	}
	return false
}

// IsTerminal reports whether a run state is terminal.
func IsTerminal(s RunState) bool {
	return terminalRunStates[s]
}

// ValidateRunTransition returns an error when from → to is not a legal
// run state transition.
func ValidateRunTransition(from, to RunState) error {
	if IsTerminal(from) {
		return fmt.Errorf("cannot transition from terminal run state %q", from)
	}
	allowed, ok := validRunTransitions[from]
	if !ok {
		return fmt.Errorf("unknown run state %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid run transition: %q → %q", from, to)
	}
	return nil
}

// ValidatePhaseTransition returns an error when from → to is not a legal
// phase status transition.
func ValidatePhaseTransition(from, to PhaseStatus) error {
	if from == PhasePassed {
		return fmt.Errorf("cannot transition from terminal phase status %q", from)
	}
	allowed, ok := validPhaseTransitions[from]
	if !ok {
		return fmt.Errorf("unknown phase status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid phase transition: %q → %q", from, to)
	}
	return nil
}
