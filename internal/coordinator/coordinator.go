// Package coordinator orchestrates runs: it folds parsed marker events into
// run state, consults the quality gate, and drives the session launcher.
// It is the exclusive owner of run and phase mutation; events for one run
// are applied strictly in stream order via the store's per-run lock.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/buildfactory/factoryd/internal/engine"
	"github.com/buildfactory/factoryd/internal/gate"
	"github.com/buildfactory/factoryd/internal/logx"
	"github.com/buildfactory/factoryd/internal/model"
	"github.com/buildfactory/factoryd/internal/project"
	"github.com/buildfactory/factoryd/internal/store"
	"github.com/buildfactory/factoryd/internal/tailer"
)

var (
	// ErrNotAwaitingClarification rejects an answer for a run that has no
	// pending question.
	ErrNotAwaitingClarification = errors.New("run is not awaiting clarification")
	// ErrStaleClarification rejects an answer whose clarification ID does
	// not match the pending one.
	ErrStaleClarification = errors.New("clarification id does not match the pending request")
	// ErrNotEscalated rejects resume/abandon on a run that is not escalated.
	ErrNotEscalated = errors.New("run is not escalated")
)

// Launcher is the session lifecycle surface the coordinator drives.
// *engine.Launcher satisfies it; tests substitute fakes.
type Launcher interface {
	Start(spec engine.Spec, projectName, projectDir, logPath string) (string, error)
	Alive(session string) bool
	DeliverInput(session, text string) error
	Resume(spec engine.Spec, projectName, projectDir, logPath, session string, d engine.ResumeDirective) (string, error)
	Terminate(projectDir, session string) error
}

// Coordinator wires the store, gate engine, launcher, and tailers together.
type Coordinator struct {
	cfg      model.Config
	store    *store.Store
	launcher Launcher
	gate     *gate.Engine
	tailers  *tailer.Manager
	log      *logx.Logger

	// templatesDir holds the engine instruction templates copied into new
	// project directories. May be empty.
	templatesDir string

	ctx context.Context
	now func() time.Time
}

// New builds a coordinator. ctx bounds the lifetime of all tailers and the
// watchdog; the daemon cancels it on shutdown.
func New(ctx context.Context, cfg model.Config, st *store.Store, launcher Launcher, templatesDir string, logger *logx.Logger) *Coordinator {
	return &Coordinator{
		cfg:          cfg,
		store:        st,
		launcher:     launcher,
		gate:         gate.New(cfg.Gate),
		tailers:      tailer.NewManager(),
		log:          logger.WithComponent("coordinator"),
		templatesDir: templatesDir,
		ctx:          ctx,
		now:          time.Now,
	}
}

// StartRun scaffolds the project, persists a new run, launches the agent
// session, and attaches a log tailer. Exactly one active run may exist per
// project.
func (c *Coordinator) StartRun(projectName, engineName, requirements string) (model.Snapshot, error) {
	if engineName == "" {
		engineName = c.cfg.Factory.DefaultEngine
	}
	spec, err := engine.Lookup(engineName)
	if err != nil {
		return model.Snapshot{}, err
	}

	runID, err := model.GenerateID(model.IDTypeRun)
	if err != nil {
		return model.Snapshot{}, err
	}

	projectDir, err := project.Setup(c.cfg.Factory.Root, spec, projectName, c.templatesDir, requirements)
	if err != nil {
		return model.Snapshot{}, fmt.Errorf("set up project: %w", err)
	}

	run := model.NewRun(runID, projectName, engineName, projectDir, c.now())
	run.LogPath = project.LogPath(projectDir)
	if err := c.store.Create(run); err != nil {
		return model.Snapshot{}, err
	}
	c.log.Infof("run_created run=%s project=%s engine=%s", runID, projectName, engineName)

	session, err := c.launcher.Start(spec, projectName, projectDir, run.LogPath)
	if err != nil {
		// The launch attempt failed; release the project lock by ending
		// the run.
		_ = c.store.Mutate(runID, func(r *model.Run) error {
			r.State = model.RunFailed
			r.FailReason = model.ReasonLaunchFailed
			now := c.now()
			r.EndedAt = &now
			return nil
		})
		return model.Snapshot{}, fmt.Errorf("%w: %v", engine.ErrLaunch, err)
	}

	if err := c.store.Mutate(runID, func(r *model.Run) error {
		if err := model.ValidateRunTransition(r.State, model.RunRunning); err != nil {
			return err
		}
		r.State = model.RunRunning
		r.SessionName = session
		r.LastEventAt = c.now()
		return nil
	}); err != nil {
		return model.Snapshot{}, err
	}

	c.attachTailer(runID, run.LogPath, session, 0)
	c.log.Infof("run_started run=%s session=%s", runID, session)
	return c.store.Snapshot(runID)
}

// Status returns the snapshot for one run.
func (c *Coordinator) Status(runID string) (model.Snapshot, error) {
	return c.store.Snapshot(runID)
}

// List returns snapshots ordered by start time descending.
func (c *Coordinator) List(stateFilter model.RunState) []model.Snapshot {
	return c.store.List(stateFilter)
}

// StopRun terminates the run's session and marks it failed with reason
// user_stopped. Idempotent: stopping a terminal run is a no-op.
func (c *Coordinator) StopRun(runID string) error {
	err := c.store.Mutate(runID, func(r *model.Run) error {
		if model.IsTerminal(r.State) {
			return nil
		}
		if err := c.launcher.Terminate(r.ProjectDir, r.SessionName); err != nil {
			c.log.Warnf("terminate run=%s: %v", runID, err)
		}
		r.State = model.RunFailed
		r.FailReason = model.ReasonUserStopped
		now := c.now()
		r.EndedAt = &now
		return nil
	})
	if err != nil {
		return err
	}
	c.tailers.Stop(runID)
	c.log.Infof("run_stopped run=%s", runID)
	return nil
}

// AnswerClarification delivers the human answer into the agent session and
// returns the run to running. The answer must name the currently pending
// clarification; anything else is rejected without state change.
func (c *Coordinator) AnswerClarification(runID, clarificationID, answer string) error {
	return c.store.Mutate(runID, func(r *model.Run) error {
		if r.State != model.RunAwaitingClarification {
			return fmt.Errorf("%w: run %s is %s", ErrNotAwaitingClarification, runID, r.State)
		}
		pending := r.PendingClarification()
		if pending == nil || pending.ID != clarificationID {
			return fmt.Errorf("%w: %s", ErrStaleClarification, clarificationID)
		}

		if err := c.launcher.DeliverInput(r.SessionName, answer); err != nil {
			return fmt.Errorf("deliver answer: %w", err)
		}

		now := c.now()
		pending.Answer = answer
		pending.ResolvedAt = &now
		r.State = model.RunRunning
		r.LastEventAt = now
		c.log.Infof("clarification_answered run=%s id=%s", runID, clarificationID)
		return nil
	})
}

// ResumeRun restarts the current phase of an escalated run under human
// override. The phase's attempt budget is reset; the agent is signalled via
// a resume directive and the log tailer is reattached.
func (c *Coordinator) ResumeRun(runID string) error {
	return c.store.Mutate(runID, func(r *model.Run) error {
		if r.State != model.RunEscalated {
			return fmt.Errorf("%w: run %s is %s", ErrNotEscalated, runID, r.State)
		}
		spec, err := engine.Lookup(r.Engine)
		if err != nil {
			return err
		}

		directive := engine.ResumeDirective{PhaseIndex: r.CurrentPhase, Reason: "human resume after escalation"}
		session, err := c.launcher.Resume(spec, r.Project, r.ProjectDir, r.LogPath, r.SessionName, directive)
		if err != nil {
			return fmt.Errorf("resume session: %w", err)
		}

		if err := model.ValidateRunTransition(r.State, model.RunRunning); err != nil {
			return err
		}
		r.State = model.RunRunning
		r.FailReason = ""
		r.SessionName = session
		r.LastEventAt = c.now()
		phase := &r.Phases[r.CurrentPhase]
		phase.Attempts = 0

		c.attachTailer(runID, r.LogPath, session, r.LogCursor)
		c.log.Infof("run_resumed run=%s phase=%d", runID, r.CurrentPhase)
		return nil
	})
}

// AbandonRun moves an escalated run to failed under human decision.
func (c *Coordinator) AbandonRun(runID string) error {
	err := c.store.Mutate(runID, func(r *model.Run) error {
		if r.State != model.RunEscalated {
			return fmt.Errorf("%w: run %s is %s", ErrNotEscalated, runID, r.State)
		}
		if err := c.launcher.Terminate(r.ProjectDir, r.SessionName); err != nil {
			c.log.Warnf("terminate run=%s: %v", runID, err)
		}
		r.State = model.RunFailed
		r.FailReason = model.ReasonAbandoned
		now := c.now()
		r.EndedAt = &now
		return nil
	})
	if err != nil {
		return err
	}
	c.tailers.Stop(runID)
	c.log.Infof("run_abandoned run=%s", runID)
	return nil
}

// Recover reattaches log tailers for every run that was active when the
// supervisor last stopped, resuming from each run's persisted byte cursor
// rather than relaunching; the external process keeps running across
// supervisor restarts.
func (c *Coordinator) Recover() {
	for _, runID := range c.store.ActiveRunIDs() {
		snap, err := c.store.Snapshot(runID)
		if err != nil {
			continue
		}
		switch snap.State {
		case model.RunPending:
			// Crashed between create and launch; the session may or may not
			// exist, and we cannot tell which phase it is in. Fail it.
			_ = c.store.Mutate(runID, func(r *model.Run) error {
				_ = c.launcher.Terminate(r.ProjectDir, r.SessionName)
				r.State = model.RunFailed
				r.FailReason = model.ReasonLaunchFailed
				now := c.now()
				r.EndedAt = &now
				return nil
			})
		case model.RunRunning, model.RunAwaitingClarification:
			var logPath, session string
			var cursor int64
			_ = c.store.Mutate(runID, func(r *model.Run) error {
				logPath, session, cursor = r.LogPath, r.SessionName, r.LogCursor
				// Do not count downtime against the stale-run clock.
				r.LastEventAt = c.now()
				return nil
			})
			c.attachTailer(runID, logPath, session, cursor)
			c.log.Infof("run_reattached run=%s offset=%d", runID, cursor)
		case model.RunEscalated:
			// Stays parked for human decision; no tailer needed.
		}
	}
}

// StartWatchdog launches the stale-run monitor. A running run with no
// marker activity for the configured interval is presumed hung: it is
// failed with reason timeout and its session terminated.
func (c *Coordinator) StartWatchdog() {
	interval := c.cfg.PollInterval()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.ctx.Done():
				return
			case <-ticker.C:
				c.sweepStaleRuns()
			}
		}
	}()
}

func (c *Coordinator) sweepStaleRuns() {
	timeout := c.cfg.StaleRunTimeout()
	for _, runID := range c.store.ActiveRunIDs() {
		stale := false
		err := c.store.Mutate(runID, func(r *model.Run) error {
			if r.State != model.RunRunning {
				return nil
			}
			if c.now().Sub(r.LastEventAt) < timeout {
				return nil
			}
			stale = true
			if err := c.launcher.Terminate(r.ProjectDir, r.SessionName); err != nil {
				c.log.Warnf("terminate stale run=%s: %v", runID, err)
			}
			r.State = model.RunFailed
			r.FailReason = model.ReasonTimeout
			now := c.now()
			r.EndedAt = &now
			return nil
		})
		if err != nil {
			c.log.Errorf("stale sweep run=%s: %v", runID, err)
			continue
		}
		if stale {
			c.tailers.Stop(runID)
			c.log.Warnf("run_timed_out run=%s timeout=%s", runID, timeout)
		}
	}
}

// Wait blocks until all tailers have exited. Called by daemon shutdown
// after the coordinator context is cancelled.
func (c *Coordinator) Wait() error {
	return c.tailers.Wait()
}

func (c *Coordinator) attachTailer(runID, logPath, session string, offset int64) {
	t := tailer.New(runID, logPath, session, offset, c.cfg.PollInterval(), c.launcher.Alive, c)
	c.tailers.Start(c.ctx, t)
}

// SetClock overrides the coordinator's time source. Test hook.
func (c *Coordinator) SetClock(now func() time.Time) { c.now = now }

var _ tailer.Sink = (*Coordinator)(nil)

var _ Launcher = (*engine.Launcher)(nil)
