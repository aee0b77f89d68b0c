package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildfactory/factoryd/internal/engine"
	"github.com/buildfactory/factoryd/internal/logx"
	"github.com/buildfactory/factoryd/internal/model"
	"github.com/buildfactory/factoryd/internal/store"
)

// fakeLauncher records session operations instead of driving tmux.
type fakeLauncher struct {
	mu         sync.Mutex
	startErr   error
	deliverErr error
	resumeErr  error

	sessions   int
	delivered  []string
	resumes    []engine.ResumeDirective
	terminated []string
}

func (f *fakeLauncher) Start(spec engine.Spec, projectName, projectDir, logPath string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return "", f.startErr
	}
	f.sessions++
	return fmt.Sprintf("factory-%s-%s-%d", projectName, spec.Name, f.sessions), nil
}

func (f *fakeLauncher) Alive(session string) bool { return true }

func (f *fakeLauncher) DeliverInput(session, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deliverErr != nil {
		return f.deliverErr
	}
	f.delivered = append(f.delivered, text)
	return nil
}

func (f *fakeLauncher) Resume(spec engine.Spec, projectName, projectDir, logPath, session string, d engine.ResumeDirective) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resumeErr != nil {
		return "", f.resumeErr
	}
	f.resumes = append(f.resumes, d)
	return session, nil
}

func (f *fakeLauncher) Terminate(projectDir, session string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, session)
	return nil
}

func (f *fakeLauncher) terminateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.terminated)
}

func (f *fakeLauncher) resumeDirectives() []engine.ResumeDirective {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]engine.ResumeDirective(nil), f.resumes...)
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (fc *fakeClock) Now() time.Time {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.t
}

func (fc *fakeClock) Advance(d time.Duration) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.t = fc.t.Add(d)
}

func testConfig(dir string) model.Config {
	var cfg model.Config
	cfg.ApplyDefaults()
	cfg.Factory.Root = dir
	cfg.Watcher.PollIntervalSec = 1
	return cfg
}

func newTestCoordinator(t *testing.T) (*Coordinator, *store.Store, *fakeLauncher, *fakeClock) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(dir)
	require.NoError(t, err)

	fl := &fakeLauncher{}
	clock := &fakeClock{t: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
	logger := logx.New(log.New(io.Discard, "", 0), logx.LevelError, "test")

	ctx, cancel := context.WithCancel(context.Background())
	c := New(ctx, testConfig(dir), st, fl, "", logger)
	c.SetClock(clock.Now)
	t.Cleanup(func() {
		cancel()
		_ = c.Wait()
	})
	return c, st, fl, clock
}

func startRun(t *testing.T, c *Coordinator) model.Snapshot {
	t.Helper()
	snap, err := c.StartRun("shop-api", "claude", "build the shop API")
	require.NoError(t, err)
	require.Equal(t, model.RunRunning, snap.State)
	return snap
}

// feed applies marker lines in order, assigning increasing offsets.
func feed(c *Coordinator, runID string, startOffset int64, lines ...string) int64 {
	offset := startOffset
	for _, line := range lines {
		offset += int64(len(line)) + 1
		c.HandleLine(runID, line, offset)
	}
	return offset
}

func TestStartRun(t *testing.T) {
	c, st, _, _ := newTestCoordinator(t)

	snap := startRun(t, c)
	assert.Equal(t, "shop-api", snap.Project)
	assert.Equal(t, "claude", snap.Engine)
	assert.Equal(t, 0, snap.CurrentPhase)

	id, ok := st.ActiveRunForProject("shop-api")
	require.True(t, ok)
	assert.Equal(t, snap.RunID, id)

	// One active run per project.
	_, err := c.StartRun("shop-api", "claude", "")
	assert.ErrorIs(t, err, store.ErrProjectLocked)
}

func TestStartRun_UnknownEngine(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t)

	_, err := c.StartRun("shop-api", "copilot", "")
	assert.ErrorIs(t, err, engine.ErrUnknownEngine)
}

func TestStartRun_LaunchFailureReleasesProject(t *testing.T) {
	c, _, fl, _ := newTestCoordinator(t)
	fl.startErr = errors.New("tmux: command not found")

	_, err := c.StartRun("shop-api", "claude", "")
	require.ErrorIs(t, err, engine.ErrLaunch)

	failed := c.List(model.RunFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, model.ReasonLaunchFailed, failed[0].FailReason)

	// The project lock was released with the failed run.
	fl.startErr = nil
	_, err = c.StartRun("shop-api", "claude", "")
	assert.NoError(t, err)
}

func TestPipeline_AdvancesThroughAllPhases(t *testing.T) {
	c, _, fl, _ := newTestCoordinator(t)
	snap := startRun(t, c)

	var offset int64
	for i := 0; i < model.PhaseCount(); i++ {
		offset = feed(c, snap.RunID, offset,
			fmt.Sprintf("[FACTORY:PHASE:%d:START]", i),
			fmt.Sprintf("[FACTORY:PHASE:%d:END:98]", i),
		)

		got, err := c.Status(snap.RunID)
		require.NoError(t, err)
		assert.Equal(t, model.PhasePassed, got.Phases[i].Status, "phase %d", i)
		if i < model.PhaseCount()-1 {
			assert.Equal(t, i+1, got.CurrentPhase)
			assert.Equal(t, model.RunRunning, got.State)
		}
	}

	// The last phase passing does not complete the run.
	got, err := c.Status(snap.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.RunRunning, got.State)

	feed(c, snap.RunID, offset, `[FACTORY:COMPLETE:{"duration_minutes":42,"total_cost":3.5}]`)
	got, err = c.Status(snap.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.RunCompleted, got.State)
	assert.NotNil(t, got.EndedAt)
	assert.Equal(t, 1, fl.terminateCount())
}

func TestPipeline_BandScoreRetriesOnceThenEscalates(t *testing.T) {
	c, _, fl, _ := newTestCoordinator(t)
	snap := startRun(t, c)

	offset := feed(c, snap.RunID, 0,
		"[FACTORY:PHASE:0:START]",
		"[FACTORY:PHASE:0:END:95]",
	)
	got, err := c.Status(snap.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.PhaseRetrying, got.Phases[0].Status)
	assert.Equal(t, model.RunRunning, got.State)

	// The retry was signalled to the agent.
	directives := fl.resumeDirectives()
	require.Len(t, directives, 1)
	assert.Equal(t, 0, directives[0].PhaseIndex)

	feed(c, snap.RunID, offset,
		"[FACTORY:PHASE:0:START]",
		"[FACTORY:PHASE:0:END:94]",
	)
	got, err = c.Status(snap.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.RunEscalated, got.State)
	assert.Equal(t, model.ReasonGateEscalation, got.FailReason)
	assert.Equal(t, model.PhaseEscalated, got.Phases[0].Status)
	assert.Equal(t, 1, fl.terminateCount())
}

func TestPipeline_LowScoreBurnsAllAttempts(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t)
	snap := startRun(t, c)

	var offset int64
	for attempt := 1; attempt <= 3; attempt++ {
		offset = feed(c, snap.RunID, offset,
			"[FACTORY:PHASE:0:START]",
			"[FACTORY:PHASE:0:END:50]",
		)
	}

	got, err := c.Status(snap.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.RunEscalated, got.State)
	assert.Equal(t, 3, got.Phases[0].Attempts)
}

func TestPipeline_OutOfOrderPhaseMarkersIgnored(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t)
	snap := startRun(t, c)

	feed(c, snap.RunID, 0,
		"[FACTORY:PHASE:3:START]",  // not the current phase
		"[FACTORY:PHASE:2:END:99]", // neither is this
	)

	got, err := c.Status(snap.RunID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.CurrentPhase)
	assert.Equal(t, model.PhaseNotStarted, got.Phases[0].Status)
	assert.Equal(t, model.PhaseNotStarted, got.Phases[3].Status)
}

func TestPipeline_MalformedMarkerAdvancesCursorOnly(t *testing.T) {
	c, st, _, _ := newTestCoordinator(t)
	snap := startRun(t, c)

	c.HandleLine(snap.RunID, "[FACTORY:PHASE:0:END:999]", 120)

	got, err := c.Status(snap.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.RunRunning, got.State)
	assert.Equal(t, model.PhaseNotStarted, got.Phases[0].Status)

	// The cursor still advanced so the bad line is never replayed.
	var cursor int64
	require.NoError(t, st.Mutate(snap.RunID, func(r *model.Run) error {
		cursor = r.LogCursor
		return nil
	}))
	assert.Equal(t, int64(120), cursor)
}

func TestClarificationFlow(t *testing.T) {
	c, _, fl, _ := newTestCoordinator(t)
	snap := startRun(t, c)

	// Answering with nothing pending is rejected.
	err := c.AnswerClarification(snap.RunID, "clr_0000000000_00000000", "yes")
	assert.ErrorIs(t, err, ErrNotAwaitingClarification)

	feed(c, snap.RunID, 0, `[FACTORY:CLARIFY:{"question":"Which DB?","options":["postgres","sqlite"]}]`)

	got, err := c.Status(snap.RunID)
	require.NoError(t, err)
	require.Equal(t, model.RunAwaitingClarification, got.State)
	require.NotNil(t, got.Pending)
	assert.Equal(t, "Which DB?", got.Pending.Question)

	// A stale or mistyped clarification ID changes nothing.
	err = c.AnswerClarification(snap.RunID, "clr_0000000000_00000000", "postgres")
	assert.ErrorIs(t, err, ErrStaleClarification)
	got, _ = c.Status(snap.RunID)
	assert.Equal(t, model.RunAwaitingClarification, got.State)

	require.NoError(t, c.AnswerClarification(snap.RunID, got.Pending.ID, "postgres"))
	got, err = c.Status(snap.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.RunRunning, got.State)
	assert.Nil(t, got.Pending)
	assert.Equal(t, []string{"postgres"}, fl.delivered)
}

func TestClarificationLimitEscalates(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t)
	c.cfg.Limits.MaxClarificationRounds = 2
	snap := startRun(t, c)

	var offset int64
	for round := 1; round <= 2; round++ {
		offset = feed(c, snap.RunID, offset, `[FACTORY:CLARIFY:{"question":"again?"}]`)
		got, err := c.Status(snap.RunID)
		require.NoError(t, err)
		require.Equal(t, model.RunAwaitingClarification, got.State, "round %d", round)
		require.NoError(t, c.AnswerClarification(snap.RunID, got.Pending.ID, "ok"))
	}

	feed(c, snap.RunID, offset, `[FACTORY:CLARIFY:{"question":"one too many?"}]`)
	got, err := c.Status(snap.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.RunEscalated, got.State)
	assert.Equal(t, model.ReasonClarificationLimit, got.FailReason)
}

func TestCostLedger(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t)
	snap := startRun(t, c)

	feed(c, snap.RunID, 0,
		"[FACTORY:COST:1.25:anthropic]",
		"[FACTORY:COST:2.50:anthropic]",
	)

	got, err := c.Status(snap.RunID)
	require.NoError(t, err)
	assert.InDelta(t, 3.75, got.TotalCost, 1e-9)
	assert.Equal(t, model.RunRunning, got.State)
}

func TestCostCeilingEscalates(t *testing.T) {
	c, _, fl, _ := newTestCoordinator(t)
	c.cfg.Limits.CostCeiling = 10.0
	snap := startRun(t, c)

	feed(c, snap.RunID, 0,
		"[FACTORY:COST:6.00:anthropic]",
		"[FACTORY:COST:5.00:anthropic]", // total 11 > 10
	)

	got, err := c.Status(snap.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.RunEscalated, got.State)
	assert.Equal(t, model.ReasonCostCeilingExceeded, got.FailReason)
	assert.InDelta(t, 11.0, got.TotalCost, 1e-9)
	assert.Equal(t, 1, fl.terminateCount())
}

func TestErrorMarkerCountsAgainstPhase(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t)
	snap := startRun(t, c)

	feed(c, snap.RunID, 0,
		"[FACTORY:PHASE:0:START]",
		"[FACTORY:ERROR:compile failed]",
		"[FACTORY:ERROR:still failing]",
	)

	got, err := c.Status(snap.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.RunRunning, got.State)
	assert.Equal(t, 2, got.Phases[0].Errors)
}

func TestResumeAfterEscalation(t *testing.T) {
	c, _, fl, _ := newTestCoordinator(t)
	snap := startRun(t, c)

	// Resume before escalation is rejected.
	assert.ErrorIs(t, c.ResumeRun(snap.RunID), ErrNotEscalated)

	offset := feed(c, snap.RunID, 0,
		"[FACTORY:PHASE:0:START]",
		"[FACTORY:PHASE:0:END:95]",
		"[FACTORY:PHASE:0:START]",
		"[FACTORY:PHASE:0:END:94]",
	)
	got, _ := c.Status(snap.RunID)
	require.Equal(t, model.RunEscalated, got.State)

	require.NoError(t, c.ResumeRun(snap.RunID))
	got, err := c.Status(snap.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.RunRunning, got.State)
	assert.Empty(t, got.FailReason)
	// The attempt budget resets under human override.
	assert.Equal(t, 0, got.Phases[0].Attempts)

	// The resumed phase can pass.
	feed(c, snap.RunID, offset,
		"[FACTORY:PHASE:0:START]",
		"[FACTORY:PHASE:0:END:98]",
	)
	got, _ = c.Status(snap.RunID)
	assert.Equal(t, model.PhasePassed, got.Phases[0].Status)
	assert.Equal(t, 1, got.CurrentPhase)
	// Sessions were torn down exactly once, at escalation.
	assert.Equal(t, 1, fl.terminateCount())
}

func TestAbandonEscalatedRun(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t)
	snap := startRun(t, c)

	assert.ErrorIs(t, c.AbandonRun(snap.RunID), ErrNotEscalated)

	feed(c, snap.RunID, 0,
		"[FACTORY:PHASE:0:START]",
		"[FACTORY:PHASE:0:END:95]",
		"[FACTORY:PHASE:0:START]",
		"[FACTORY:PHASE:0:END:91]",
	)
	require.NoError(t, c.AbandonRun(snap.RunID))

	got, err := c.Status(snap.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.RunFailed, got.State)
	assert.Equal(t, model.ReasonAbandoned, got.FailReason)
}

func TestStopRun_Idempotent(t *testing.T) {
	c, _, fl, _ := newTestCoordinator(t)
	snap := startRun(t, c)

	require.NoError(t, c.StopRun(snap.RunID))
	got, err := c.Status(snap.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.RunFailed, got.State)
	assert.Equal(t, model.ReasonUserStopped, got.FailReason)
	assert.Equal(t, 1, fl.terminateCount())

	// Stopping again is a no-op.
	require.NoError(t, c.StopRun(snap.RunID))
	assert.Equal(t, 1, fl.terminateCount())
}

func TestSessionExit(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t)
	snap := startRun(t, c)

	c.HandleSessionExit(snap.RunID)
	got, err := c.Status(snap.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.RunFailed, got.State)
	assert.Equal(t, model.ReasonSessionDied, got.FailReason)
}

func TestSessionExit_EscalatedRunUnaffected(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t)
	snap := startRun(t, c)

	feed(c, snap.RunID, 0,
		"[FACTORY:PHASE:0:START]",
		"[FACTORY:PHASE:0:END:95]",
		"[FACTORY:PHASE:0:START]",
		"[FACTORY:PHASE:0:END:91]",
	)
	// escalate already tore the session down; its exit is expected.
	c.HandleSessionExit(snap.RunID)

	got, err := c.Status(snap.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.RunEscalated, got.State)
}

func TestMarkersAfterTerminalStateDropped(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t)
	snap := startRun(t, c)

	require.NoError(t, c.StopRun(snap.RunID))
	feed(c, snap.RunID, 500, "[FACTORY:PHASE:0:START]")

	got, err := c.Status(snap.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.RunFailed, got.State)
	assert.Equal(t, model.PhaseNotStarted, got.Phases[0].Status)
}

func TestStaleRunSweep(t *testing.T) {
	c, _, fl, clock := newTestCoordinator(t)
	snap := startRun(t, c)

	// Activity within the window keeps the run alive.
	clock.Advance(29 * time.Minute)
	c.sweepStaleRuns()
	got, _ := c.Status(snap.RunID)
	require.Equal(t, model.RunRunning, got.State)

	clock.Advance(2 * time.Minute) // 31 minutes past the last event
	c.sweepStaleRuns()

	got, err := c.Status(snap.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.RunFailed, got.State)
	assert.Equal(t, model.ReasonTimeout, got.FailReason)
	assert.Equal(t, 1, fl.terminateCount())

	// A second sweep leaves the terminal run alone.
	clock.Advance(time.Hour)
	c.sweepStaleRuns()
	assert.Equal(t, 1, fl.terminateCount())
}

func TestMarkerActivityResetsStaleClock(t *testing.T) {
	c, _, _, clock := newTestCoordinator(t)
	snap := startRun(t, c)

	clock.Advance(25 * time.Minute)
	feed(c, snap.RunID, 0, "[FACTORY:PHASE:0:START]")

	clock.Advance(20 * time.Minute) // 45 past start, 20 past the marker
	c.sweepStaleRuns()

	got, err := c.Status(snap.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.RunRunning, got.State)
}

func TestRecover(t *testing.T) {
	dir := t.TempDir()
	st, err := store.Open(dir)
	require.NoError(t, err)
	logger := logx.New(log.New(io.Discard, "", 0), logx.LevelError, "test")
	fl := &fakeLauncher{}
	clock := &fakeClock{t: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}

	mkRun := func(project string, state model.RunState, cursor int64) string {
		id, err := model.GenerateID(model.IDTypeRun)
		require.NoError(t, err)
		run := model.NewRun(id, project, "claude", dir, clock.Now())
		run.State = state
		run.LogCursor = cursor
		run.LogPath = dir + "/" + project + ".log"
		require.NoError(t, st.Create(run))
		return id
	}

	pendingID := mkRun("a", model.RunPending, 0)
	runningID := mkRun("b", model.RunRunning, 2048)
	escalatedID := mkRun("c", model.RunEscalated, 512)

	ctx, cancel := context.WithCancel(context.Background())
	c := New(ctx, testConfig(dir), st, fl, "", logger)
	c.SetClock(clock.Now)
	t.Cleanup(func() {
		cancel()
		_ = c.Wait()
	})

	c.Recover()

	// A run that crashed before launch cannot be trusted; it is failed.
	got, err := c.Status(pendingID)
	require.NoError(t, err)
	assert.Equal(t, model.RunFailed, got.State)
	assert.Equal(t, model.ReasonLaunchFailed, got.FailReason)

	// Running work is reattached, not restarted.
	got, err = c.Status(runningID)
	require.NoError(t, err)
	assert.Equal(t, model.RunRunning, got.State)

	// Escalated runs stay parked for the human.
	got, err = c.Status(escalatedID)
	require.NoError(t, err)
	assert.Equal(t, model.RunEscalated, got.State)
}

func TestCursorSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	st, err := store.Open(dir)
	require.NoError(t, err)
	logger := logx.New(log.New(io.Discard, "", 0), logx.LevelError, "test")
	fl := &fakeLauncher{}

	ctx, cancel := context.WithCancel(context.Background())
	c := New(ctx, testConfig(dir), st, fl, "", logger)
	snap, err := c.StartRun("shop-api", "claude", "")
	require.NoError(t, err)

	line := "[FACTORY:PHASE:0:START]"
	c.HandleLine(snap.RunID, line, int64(len(line)+1))
	cancel()
	require.NoError(t, c.Wait())

	// A fresh store sees the persisted cursor and phase progress.
	reopened, err := store.Open(dir)
	require.NoError(t, err)
	var cursor int64
	require.NoError(t, reopened.Mutate(snap.RunID, func(r *model.Run) error {
		cursor = r.LogCursor
		return nil
	}))
	assert.Equal(t, int64(len(line)+1), cursor)

	got, err := reopened.Snapshot(snap.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.PhaseInProgress, got.Phases[0].Status)
}
