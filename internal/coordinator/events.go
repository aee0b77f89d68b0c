package coordinator

import (
	"fmt"

	"github.com/buildfactory/factoryd/internal/engine"
	"github.com/buildfactory/factoryd/internal/gate"
	"github.com/buildfactory/factoryd/internal/marker"
	"github.com/buildfactory/factoryd/internal/model"
)

// HandleLine receives one log line from a run's tailer. Non-marker lines,
// the vast majority, are dropped without touching the store; marker events
// are applied and persisted together with the byte cursor, so a restart
// replays nothing that was already applied.
func (c *Coordinator) HandleLine(runID, line string, offset int64) {
	ev, ok := marker.Parse(line)
	if !ok {
		return
	}

	var stopTailer bool
	err := c.store.Mutate(runID, func(r *model.Run) error {
		if model.IsTerminal(r.State) {
			// Late output after completion/failure is audit-only.
			return nil
		}
		stopTailer = c.apply(r, ev, offset)
		return nil
	})
	if err != nil {
		c.log.Errorf("apply event run=%s kind=%s: %v", runID, ev.Kind(), err)
	}
	if stopTailer {
		c.tailers.Stop(runID)
	}
}

// HandleSessionExit fires when a run's session disappears without a
// COMPLETE marker: the process crashed or was killed externally.
func (c *Coordinator) HandleSessionExit(runID string) {
	err := c.store.Mutate(runID, func(r *model.Run) error {
		if model.IsTerminal(r.State) || r.State == model.RunEscalated {
			// Escalated runs already had their session torn down.
			return nil
		}
		r.State = model.RunFailed
		r.FailReason = model.ReasonSessionDied
		now := c.now()
		r.EndedAt = &now
		c.log.Warnf("session_died run=%s phase=%d", runID, r.CurrentPhase)
		return nil
	})
	if err != nil {
		c.log.Errorf("session exit run=%s: %v", runID, err)
	}
}

// apply folds one marker event into the run. Returns true when the run
// reached a state that no longer needs its tailer. Caller holds the run's
// store lock.
func (c *Coordinator) apply(r *model.Run, ev marker.Event, offset int64) (stopTailer bool) {
	r.LogCursor = offset

	switch e := ev.(type) {
	case marker.Malformed:
		// The agent cannot resend a marker; log and move on so one bad
		// line never corrupts run state.
		c.log.Warnf("malformed_marker run=%s reason=%s line=%q", r.RunID, e.Reason, e.Line)
		return false
	case marker.PhaseStart:
		c.applyPhaseStart(r, e)
	case marker.PhaseEnd:
		stopTailer = c.applyPhaseEnd(r, e)
	case marker.Clarify:
		stopTailer = c.applyClarify(r, e)
	case marker.Error:
		r.LastError = e.Message
		r.Phases[r.CurrentPhase].Errors++
		c.log.Warnf("agent_error run=%s phase=%d message=%q", r.RunID, r.CurrentPhase, e.Message)
	case marker.Cost:
		stopTailer = c.applyCost(r, e)
	case marker.Complete:
		stopTailer = c.applyComplete(r, e)
	}

	r.LastEventAt = c.now()
	return stopTailer
}

func (c *Coordinator) applyPhaseStart(r *model.Run, e marker.PhaseStart) {
	// Phases complete strictly in index order: a start for any phase other
	// than the current one violates the ordering invariant and is ignored.
	if e.Index != r.CurrentPhase {
		c.log.Warnf("phase_start_out_of_order run=%s got=%d want=%d", r.RunID, e.Index, r.CurrentPhase)
		return
	}
	phase := &r.Phases[e.Index]
	if err := model.ValidatePhaseTransition(phase.Status, model.PhaseInProgress); err != nil {
		c.log.Warnf("phase_start_ignored run=%s phase=%d: %v", r.RunID, e.Index, err)
		return
	}
	phase.Status = model.PhaseInProgress
	if phase.StartedAt == nil {
		now := c.now()
		phase.StartedAt = &now
	}
	c.log.Infof("phase_started run=%s phase=%d name=%s attempt=%d", r.RunID, e.Index, phase.Name, phase.Attempts+1)
}

func (c *Coordinator) applyPhaseEnd(r *model.Run, e marker.PhaseEnd) bool {
	if e.Index != r.CurrentPhase {
		c.log.Warnf("phase_end_out_of_order run=%s got=%d want=%d", r.RunID, e.Index, r.CurrentPhase)
		return false
	}
	phase := &r.Phases[e.Index]
	if phase.Status == model.PhasePassed {
		c.log.Warnf("phase_end_after_pass run=%s phase=%d", r.RunID, e.Index)
		return false
	}

	phase.Attempts++
	score := e.Score
	phase.LastScore = &score
	now := c.now()
	phase.EndedAt = &now

	decision := c.gate.Decide(phase.LastScore, phase.Attempts)
	c.log.Infof("phase_ended run=%s phase=%d score=%d attempt=%d decision=%s",
		r.RunID, e.Index, score, phase.Attempts, decision)

	switch decision {
	case gate.Advance:
		phase.Status = model.PhasePassed
		if e.Index < len(r.Phases)-1 {
			r.CurrentPhase = e.Index + 1
		}
		// The last phase passing does not complete the run; only the
		// COMPLETE marker does.
		return false
	case gate.RetrySamePhase:
		phase.Status = model.PhaseRetrying
		c.signalRetry(r, fmt.Sprintf("score %d below threshold on attempt %d", score, phase.Attempts))
		return false
	default: // gate.Escalate
		phase.Status = model.PhaseEscalated
		return c.escalate(r, model.ReasonGateEscalation)
	}
}

func (c *Coordinator) applyClarify(r *model.Run, e marker.Clarify) bool {
	if r.State == model.RunAwaitingClarification {
		// Only one clarification may be pending per run.
		c.log.Warnf("clarify_while_pending run=%s question=%q", r.RunID, e.Question)
		return false
	}

	r.ClarificationRound++
	if r.ClarificationRound > c.cfg.Limits.MaxClarificationRounds {
		c.log.Warnf("clarification_limit run=%s rounds=%d", r.RunID, r.ClarificationRound)
		return c.escalate(r, model.ReasonClarificationLimit)
	}

	id, err := model.GenerateID(model.IDTypeClarification)
	if err != nil {
		c.log.Errorf("generate clarification id run=%s: %v", r.RunID, err)
		return false
	}
	if err := model.ValidateRunTransition(r.State, model.RunAwaitingClarification); err != nil {
		c.log.Warnf("clarify_ignored run=%s: %v", r.RunID, err)
		return false
	}
	r.Clarifications = append(r.Clarifications, model.Clarification{
		ID:         id,
		PhaseIndex: r.CurrentPhase,
		Question:   e.Question,
		Options:    e.Options,
		RaisedAt:   c.now(),
	})
	r.State = model.RunAwaitingClarification
	c.log.Infof("clarification_raised run=%s id=%s round=%d", r.RunID, id, r.ClarificationRound)
	return false
}

func (c *Coordinator) applyCost(r *model.Run, e marker.Cost) bool {
	r.Costs = append(r.Costs, model.CostEntry{
		Amount:     e.Amount,
		Provider:   e.Provider,
		RecordedAt: c.now(),
	})
	r.TotalCost += e.Amount

	// Cost circuit-breaker: checked before any gate decision could fire on
	// a later event (fail-fast on budget).
	if r.TotalCost > c.cfg.Limits.CostCeiling {
		c.log.Warnf("cost_ceiling_exceeded run=%s total=%.2f ceiling=%.2f", r.RunID, r.TotalCost, c.cfg.Limits.CostCeiling)
		return c.escalate(r, model.ReasonCostCeilingExceeded)
	}
	return false
}

func (c *Coordinator) applyComplete(r *model.Run, e marker.Complete) bool {
	if err := model.ValidateRunTransition(r.State, model.RunCompleted); err != nil {
		c.log.Warnf("complete_ignored run=%s: %v", r.RunID, err)
		return false
	}
	if err := c.launcher.Terminate(r.ProjectDir, r.SessionName); err != nil {
		c.log.Warnf("terminate completed run=%s: %v", r.RunID, err)
	}
	r.State = model.RunCompleted
	now := c.now()
	r.EndedAt = &now
	c.log.Infof("run_completed run=%s duration_min=%.1f reported_cost=%.2f", r.RunID, e.DurationMinutes, e.TotalCost)
	return true
}

// escalate parks the run for human decision and tears down its session so
// no further cost accrues. Returns true: the tailer is no longer needed.
func (c *Coordinator) escalate(r *model.Run, reason model.FailReason) bool {
	if err := model.ValidateRunTransition(r.State, model.RunEscalated); err != nil {
		c.log.Errorf("escalate run=%s: %v", r.RunID, err)
		return false
	}
	if err := c.launcher.Terminate(r.ProjectDir, r.SessionName); err != nil {
		c.log.Warnf("terminate escalated run=%s: %v", r.RunID, err)
	}
	r.State = model.RunEscalated
	r.FailReason = reason
	c.log.Warnf("run_escalated run=%s reason=%s phase=%d", r.RunID, reason, r.CurrentPhase)
	return true
}

// signalRetry hands the engine a resume directive for the current phase.
// Failures are logged, not fatal: the agent may retry on its own and the
// stale-run watchdog catches a wedged session.
func (c *Coordinator) signalRetry(r *model.Run, reason string) {
	spec, err := engine.Lookup(r.Engine)
	if err != nil {
		c.log.Errorf("retry run=%s: %v", r.RunID, err)
		return
	}
	directive := engine.ResumeDirective{PhaseIndex: r.CurrentPhase, Reason: reason}
	session, err := c.launcher.Resume(spec, r.Project, r.ProjectDir, r.LogPath, r.SessionName, directive)
	if err != nil {
		c.log.Warnf("retry signal run=%s phase=%d: %v", r.RunID, r.CurrentPhase, err)
		return
	}
	r.SessionName = session
}
