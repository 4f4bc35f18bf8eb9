package watchdog

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/answerability-auditor/internal/audit"
	"github.com/JakeFAU/answerability-auditor/internal/clock/manual"
	"github.com/JakeFAU/answerability-auditor/internal/progress"
	"github.com/JakeFAU/answerability-auditor/internal/storage/memory"
)

var epoch = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) stages() []progress.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]progress.Stage, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Stage)
	}
	return out
}

type racingStore struct {
	*memory.Store
}

func (racingStore) ResetForRetry(context.Context, audit.RetryReset) (bool, error) {
	return false, nil
}

func newWatchdog(t *testing.T, store audit.AuditStore, clk *manual.Clock, em progress.Emitter) *Watchdog {
	t.Helper()
	w, err := New(Deps{Store: store, Clock: clk, Emitter: em}, DefaultConfig())
	require.NoError(t, err)
	return w
}

func seed(t *testing.T, s *memory.Store, id string, phase audit.Phase, started time.Time, heartbeat *time.Time) {
	t.Helper()
	require.NoError(t, s.CreateAudit(context.Background(), audit.Audit{
		ID:               id,
		Domain:           "example.com",
		Status:           audit.StatusRunning,
		Phase:            phase,
		PhaseStartedAt:   started,
		PhaseHeartbeatAt: heartbeat,
		MaxPages:         10,
		CreatedAt:        epoch,
		UpdatedAt:        epoch,
	}))
}

// walkTo moves a running audit forward from init without touching attempts.
func walkTo(t *testing.T, s *memory.Store, id string, target audit.Phase, now time.Time) {
	t.Helper()
	ctx := context.Background()
	a, err := s.GetAudit(ctx, id)
	require.NoError(t, err)
	for a.Phase != target {
		next, ok := a.Phase.Next()
		require.True(t, ok)
		applied, err := s.TransitionPhase(ctx, audit.Transition{
			AuditID: id, From: a.Phase, To: next, ExpectAttempts: a.PhaseAttempts, State: a.PhaseState, Now: now,
		})
		require.NoError(t, err)
		require.True(t, applied)
		a, err = s.GetAudit(ctx, id)
		require.NoError(t, err)
	}
}

func TestSweepStaleCrawlResetsThreeTimesThenFails(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	clk := manual.New(epoch)
	em := &recordingEmitter{}
	w := newWatchdog(t, store, clk, em)
	ctx := context.Background()

	hb := epoch
	seed(t, store, "a1", audit.PhaseCrawl, epoch, &hb)

	for attempt := 1; attempt <= 3; attempt++ {
		now := clk.Advance(4 * time.Minute)
		rep, err := w.Sweep(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, rep.Stuck)
		require.Len(t, rep.Resets, 1)
		require.True(t, rep.Resets[0].Applied)
		require.Len(t, rep.Alerts, 1)
		require.Equal(t, AlertHeartbeatLost, rep.Alerts[0].Kind)

		a, err := store.GetAudit(ctx, "a1")
		require.NoError(t, err)
		require.Equal(t, audit.PhaseInit, a.Phase)
		require.Equal(t, attempt, a.PhaseAttempts)
		require.Equal(t, audit.PhaseCrawl, a.PhaseState.RetryPhase)
		require.Equal(t, audit.StatusRunning, a.Status)

		walkTo(t, store, "a1", audit.PhaseCrawl, now)
	}

	clk.Advance(4 * time.Minute)
	rep, err := w.Sweep(ctx)
	require.NoError(t, err)
	require.Empty(t, rep.Resets)
	require.Len(t, rep.Failures, 1)

	a, err := store.GetAudit(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, audit.StatusFailed, a.Status)
	require.Equal(t, "WATCHDOG_MAX_ATTEMPTS_CRAWL", a.FailureCode)
	require.Contains(t, a.FailureDetail, "after 3 attempts")
	require.NotNil(t, a.FinishedAt)

	stages := em.stages()
	require.Contains(t, stages, progress.StageWatchdogReset)
	require.Equal(t, progress.StageWatchdogFail, stages[len(stages)-1])

	// A failed audit is never touched again.
	clk.Advance(10 * time.Minute)
	rep, err = w.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, rep.Scanned)
}

func TestSweepLeavesHealthyAuditsAlone(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	clk := manual.New(epoch.Add(4 * time.Minute))
	w := newWatchdog(t, store, clk, nil)

	crawlBeat := clk.Now().Add(-60 * time.Second)
	seed(t, store, "crawling", audit.PhaseCrawl, epoch, &crawlBeat)
	synthBeat := clk.Now().Add(-30 * time.Second)
	seed(t, store, "synth", audit.PhaseSynth, epoch, &synthBeat)

	rep, err := w.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, rep.Scanned)
	require.Zero(t, rep.Stuck)
	require.Empty(t, rep.Alerts)
}

func TestSweepGeneralTimeoutWithoutCriticalAlert(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	clk := manual.New(epoch.Add(6 * time.Minute))
	em := &recordingEmitter{}
	w := newWatchdog(t, store, clk, em)

	beat := clk.Now().Add(-10 * time.Second)
	seed(t, store, "a1", audit.PhaseCitations, epoch, &beat)

	rep, err := w.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, rep.Stuck)
	require.Len(t, rep.Resets, 1)
	require.Empty(t, rep.Alerts)
	require.Equal(t, []progress.Stage{progress.StageWatchdogReset}, em.stages())
}

func TestSweepMissingHeartbeatIsCritical(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	clk := manual.New(epoch.Add(10 * time.Second))
	w := newWatchdog(t, store, clk, nil)
	seed(t, store, "a1", audit.PhaseDiscovery, epoch, nil)

	rep, err := w.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, rep.Stuck)
	require.Len(t, rep.Alerts, 1)
	require.Equal(t, AlertHeartbeatLost, rep.Alerts[0].Kind)
	require.Equal(t, "a1", rep.Alerts[0].AuditID)
}

func TestSweepLostRaceIsSilent(t *testing.T) {
	t.Parallel()

	inner := memory.NewStore()
	clk := manual.New(epoch.Add(4 * time.Minute))
	em := &recordingEmitter{}
	w := newWatchdog(t, racingStore{inner}, clk, em)
	beat := epoch
	seed(t, inner, "a1", audit.PhaseCrawl, epoch, &beat)

	rep, err := w.Sweep(context.Background())
	require.NoError(t, err)
	require.Len(t, rep.Resets, 1)
	require.False(t, rep.Resets[0].Applied)
	require.NotContains(t, em.stages(), progress.StageWatchdogReset)

	a, err := inner.GetAudit(context.Background(), "a1")
	require.NoError(t, err)
	require.Equal(t, audit.PhaseCrawl, a.Phase)
}

func TestSweepRecurringFailureAlert(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	clk := manual.New(epoch.Add(time.Hour))
	w := newWatchdog(t, store, clk, nil)
	ctx := context.Background()

	for i, id := range []string{"f1", "f2", "f3", "old"} {
		beat := epoch
		seed(t, store, id, audit.PhaseCrawl, epoch, &beat)
		finished := clk.Now().Add(-time.Duration(i+1) * time.Minute)
		if id == "old" {
			finished = clk.Now().Add(-20 * time.Minute)
		}
		applied, err := store.FailAudit(ctx, id, "WATCHDOG_MAX_ATTEMPTS_CRAWL", "stuck", finished)
		require.NoError(t, err)
		require.True(t, applied)
	}

	rep, err := w.Sweep(ctx)
	require.NoError(t, err)
	require.Len(t, rep.Alerts, 1)
	require.Equal(t, AlertRecurringFailure, rep.Alerts[0].Kind)
	require.Equal(t, "WATCHDOG_MAX_ATTEMPTS_CRAWL", rep.Alerts[0].Code)
	require.Equal(t, 3, rep.Alerts[0].Count)
}

func TestSweepSlowPhaseAlert(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	clk := manual.New(epoch.Add(30 * time.Minute))
	w := newWatchdog(t, store, clk, nil)
	ctx := context.Background()

	for i, d := range []time.Duration{20 * time.Second, 50 * time.Second, 70 * time.Second} {
		id := string(rune('a' + i))
		beat := epoch
		seed(t, store, id, audit.PhaseCitations, epoch, &beat)
		applied, err := store.TransitionPhase(ctx, audit.Transition{
			AuditID: id, From: audit.PhaseCitations, To: audit.PhaseSynth, Now: epoch.Add(d),
		})
		require.NoError(t, err)
		require.True(t, applied)
		_, err = store.FailAudit(ctx, id, "TEST", "done", epoch.Add(d))
		require.NoError(t, err)
	}

	rep, err := w.Sweep(ctx)
	require.NoError(t, err)
	require.Len(t, rep.Alerts, 1)
	require.Equal(t, AlertSlowPhase, rep.Alerts[0].Kind)
	require.Equal(t, audit.PhaseCitations, rep.Alerts[0].Phase)
	require.Equal(t, 3, rep.Alerts[0].Count)
	require.Greater(t, rep.Alerts[0].P95, 45*time.Second)
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(Deps{}, DefaultConfig())
	require.Error(t, err)

	cfg := DefaultConfig()
	cfg.MaxAttempts = 0
	_, err = New(Deps{Store: memory.NewStore(), Clock: manual.New(epoch)}, cfg)
	require.Error(t, err)
}
