package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgate/agentgate/internal/audit"
	"github.com/agentgate/agentgate/internal/config"
	"github.com/agentgate/agentgate/internal/engine"
	gateerrors "github.com/agentgate/agentgate/internal/errors"
	"github.com/agentgate/agentgate/internal/monitor"
	"github.com/agentgate/agentgate/internal/order"
	"github.com/agentgate/agentgate/internal/state"
	"github.com/agentgate/agentgate/internal/storage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeExecutor stands in for the engine. behave, when set, runs inside
// Execute and may mutate the work order the way a real run would.
type fakeExecutor struct {
	mon    *monitor.Monitor
	behave func(call int, wo *order.WorkOrder) error
	block  chan struct{}

	mu      sync.Mutex
	calls   []string
	cancels map[string]string
	runs    map[string]*order.Run
	byOrder map[string]string
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		cancels: make(map[string]string),
		runs:    make(map[string]*order.Run),
		byOrder: make(map[string]string),
	}
}

func (f *fakeExecutor) Execute(ctx context.Context, wo *order.WorkOrder, opts engine.ExecOptions) (*order.Run, error) {
	run := &order.Run{
		ID:          "run-" + wo.ID,
		WorkOrderID: wo.ID,
		StartedAt:   time.Now().UTC(),
		State:       order.StatusRunning,
	}

	f.mu.Lock()
	f.calls = append(f.calls, wo.ID)
	call := len(f.calls)
	f.runs[run.ID] = run
	f.byOrder[wo.ID] = run.ID
	behave := f.behave
	block := f.block
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		delete(f.runs, run.ID)
		delete(f.byOrder, wo.ID)
		f.mu.Unlock()
		if f.mon != nil {
			f.mon.Release(opts.Slot)
		}
	}()

	if behave != nil {
		if err := behave(call, wo); err != nil {
			return nil, err
		}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
		}
	}
	return run, nil
}

func (f *fakeExecutor) CancelWorkOrder(workOrderID, reason string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels[workOrderID] = reason
	_, live := f.byOrder[workOrderID]
	if live && f.block != nil {
		select {
		case <-f.block:
		default:
			close(f.block)
		}
	}
	return live
}

func (f *fakeExecutor) ActiveRunID(workOrderID string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.byOrder[workOrderID]
	return id, ok
}

func (f *fakeExecutor) Status(runID string) (*order.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[runID]
	if !ok {
		return nil, gateerrors.ErrRunNotFound(runID)
	}
	return run, nil
}

func (f *fakeExecutor) ActiveRuns() []*order.Run {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*order.Run, 0, len(f.runs))
	for _, run := range f.runs {
		out = append(out, run)
	}
	return out
}

// setActive seeds a live run without going through Execute.
func (f *fakeExecutor) setActive(workOrderID string, run *order.Run) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byOrder[workOrderID] = run.ID
	f.runs[run.ID] = run
}

func (f *fakeExecutor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeExecutor) cancelReason(workOrderID string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	reason, ok := f.cancels[workOrderID]
	return reason, ok
}

type fixture struct {
	cfg   *config.Config
	store *storage.Store
	log   *audit.Log
	mach  *state.Machine
	mon   *monitor.Monitor
	exec  *fakeExecutor
}

func newFixture(t *testing.T, slots int) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Scheduler.TickMs = 20
	cfg.Scheduler.StaggerDelayMs = 0
	cfg.Scheduler.StaleCheckIntervalMs = 3600000
	cfg.Scheduler.ShutdownGraceSeconds = 0
	cfg.Retry.MaxRetries = 2
	cfg.Retry.BaseDelayMs = 5
	cfg.Retry.MaxDelayMs = 20
	cfg.Retry.JitterFactor = 0
	cfg.Resources.MaxConcurrentSlots = slots

	store, err := storage.NewStore(cfg.DataDir)
	require.NoError(t, err)

	log := audit.NewLog(1000)
	f := &fixture{
		cfg:   cfg,
		store: store,
		log:   log,
		mach:  state.NewMachine(log),
		mon:   monitor.New(slots, 0, time.Hour, discardLogger()),
		exec:  newFakeExecutor(),
	}
	f.exec.mon = f.mon
	return f
}

func (f *fixture) scheduler() *Scheduler {
	return New(Deps{
		Config:  f.cfg,
		Store:   f.store,
		Machine: f.mach,
		Audit:   f.log,
		Monitor: f.mon,
		Engine:  f.exec,
		Logger:  discardLogger(),
	})
}

// pending stores a new PENDING order created age ago.
func (f *fixture) pending(t *testing.T, priority int, age time.Duration) *order.WorkOrder {
	t.Helper()
	wo, err := order.New(order.CreateParams{
		TaskPrompt:      "Add request tracing to the ingest pipeline",
		WorkspaceSource: order.WorkspaceSource{Type: order.SourceLocal, Path: t.TempDir()},
		Priority:        priority,
	})
	require.NoError(t, err)
	wo.CreatedAt = time.Now().UTC().Add(-age)
	require.NoError(t, f.store.Save(wo))
	return wo
}

// claimOrder returns work-order IDs in the order they were claimed.
func (f *fixture) claimOrder() []string {
	var claimed []string
	for _, e := range f.log.Query(audit.Query{Type: audit.TypeTransition}) {
		if e.Event == string(state.EventClaim) {
			claimed = append(claimed, e.WorkOrderID)
		}
	}
	return claimed
}

func TestAdmitDispatchesByPriorityThenAge(t *testing.T) {
	f := newFixture(t, 3)
	low := f.pending(t, 0, 3*time.Minute)
	older := f.pending(t, 5, 2*time.Minute)
	newer := f.pending(t, 5, time.Minute)

	s := f.scheduler()
	s.admitPending(context.Background())
	require.NoError(t, s.group.Wait())

	assert.Equal(t, []string{older.ID, newer.ID, low.ID}, f.claimOrder())
	assert.Equal(t, 3, f.exec.callCount())
}

func TestAdmitDefersWhenSlotsExhausted(t *testing.T) {
	f := newFixture(t, 1)
	f.exec.block = make(chan struct{})
	first := f.pending(t, 5, 2*time.Minute)
	second := f.pending(t, 0, time.Minute)

	s := f.scheduler()
	s.admitPending(context.Background())

	require.Eventually(t, func() bool { return f.exec.callCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{first.ID}, f.claimOrder())

	// The held slot blocks the second admission pass entirely.
	s.admitPending(context.Background())
	assert.Equal(t, 1, f.exec.callCount())

	stored, err := f.store.Load(second.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusPending, stored.Status)

	close(f.exec.block)
	require.NoError(t, s.group.Wait())
}

func TestClaimRejectsMovedOrder(t *testing.T) {
	f := newFixture(t, 1)
	wo := f.pending(t, 0, 0)
	wo.Status = order.StatusCanceled

	s := f.scheduler()
	assert.False(t, s.claim(wo))

	rejected := f.log.Query(audit.Query{WorkOrderID: wo.ID, Type: audit.TypeTransitionRejected})
	assert.Len(t, rejected, 1)
}

func TestRefusalFailsClaimedOrder(t *testing.T) {
	f := newFixture(t, 2)
	f.exec.behave = func(int, *order.WorkOrder) error {
		return gateerrors.ErrConcurrencyLimit(2)
	}
	wo := f.pending(t, 0, 0)

	s := f.scheduler()
	s.admitPending(context.Background())
	require.NoError(t, s.group.Wait())

	stored, err := f.store.Load(wo.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusFailed, stored.Status)
	require.NotNil(t, stored.Error)
	assert.Equal(t, string(gateerrors.CodeConcurrencyLimit), stored.Error.Code)
}

func TestTransientFailureRetriesAndCompletes(t *testing.T) {
	f := newFixture(t, 1)
	f.exec.behave = func(call int, wo *order.WorkOrder) error {
		if call == 1 {
			failure := &state.FailureContext{
				Code:             gateerrors.CodeNetworkError,
				Message:          "agent could not reach the model endpoint",
				UnderRetryBudget: true,
			}
			if err := f.mach.Apply(wo, state.EventFail, failure); err != nil {
				return err
			}
			return f.store.Save(wo)
		}
		if err := f.mach.Apply(wo, state.EventReady, nil); err != nil {
			return err
		}
		if err := f.mach.Apply(wo, state.EventComplete, nil); err != nil {
			return err
		}
		return f.store.Save(wo)
	}
	wo := f.pending(t, 0, 0)

	s := f.scheduler()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer func() { _ = s.Stop(context.Background()) }()

	require.Eventually(t, func() bool {
		stored, err := f.store.Load(wo.ID)
		return err == nil && stored.Status == order.StatusCompleted
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, 2, f.exec.callCount())

	stored, err := f.store.Load(wo.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.RetryCount)
	assert.Nil(t, stored.Error)

	scheduled := f.log.Query(audit.Query{WorkOrderID: wo.ID, Type: audit.TypeRetryScheduled})
	require.Len(t, scheduled, 1)
	assert.EqualValues(t, 1, scheduled[0].Details["attempt"])
}

func TestSweepStaleCancelsIdleOrder(t *testing.T) {
	f := newFixture(t, 1)
	wo := f.pending(t, 0, 0)
	wo.Status = order.StatusRunning
	wo.LastActivityAt = time.Now().UTC().Add(-11 * time.Minute)
	require.NoError(t, f.store.Save(wo))
	f.exec.setActive(wo.ID, &order.Run{
		ID:          "run-1",
		WorkOrderID: wo.ID,
		StartedAt:   time.Now().UTC().Add(-12 * time.Minute),
	})

	s := f.scheduler()
	s.sweepStale()

	reason, cancelled := f.exec.cancelReason(wo.ID)
	require.True(t, cancelled)
	assert.Contains(t, reason, "no activity for")

	warnings := f.log.Query(audit.Query{WorkOrderID: wo.ID, Type: audit.TypeWarning})
	require.Len(t, warnings, 1)
	assert.Equal(t, "stale_cancelled", warnings[0].Event)
	assert.Contains(t, warnings[0].Details["reason"], "no activity for")
}

func TestSweepStaleForceCancelsOverlongRun(t *testing.T) {
	f := newFixture(t, 1)
	wo := f.pending(t, 0, 0)
	wo.Status = order.StatusRunning
	wo.LastActivityAt = time.Now().UTC()
	require.NoError(t, f.store.Save(wo))
	f.exec.setActive(wo.ID, &order.Run{
		ID:          "run-1",
		WorkOrderID: wo.ID,
		StartedAt:   time.Now().UTC().Add(-5 * time.Hour),
	})

	s := f.scheduler()
	s.sweepStale()

	reason, cancelled := f.exec.cancelReason(wo.ID)
	require.True(t, cancelled)
	assert.Contains(t, reason, "limit is")
}

func TestSweepStaleFailsDeadExecution(t *testing.T) {
	f := newFixture(t, 1)
	wo := f.pending(t, 0, 0)
	wo.Status = order.StatusRunning
	wo.LastActivityAt = time.Now().UTC().Add(-2 * time.Minute)
	require.NoError(t, f.store.Save(wo))

	s := f.scheduler()
	s.sweepStale()

	stored, err := f.store.Load(wo.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusFailed, stored.Status)
	require.NotNil(t, stored.Error)
	assert.Equal(t, string(gateerrors.CodeSystemError), stored.Error.Code)

	warnings := f.log.Query(audit.Query{WorkOrderID: wo.ID, Type: audit.TypeWarning})
	require.Len(t, warnings, 1)
	assert.Equal(t, "dead_process", warnings[0].Event)
}

func TestSweepStaleLeavesFreshOrdersAlone(t *testing.T) {
	f := newFixture(t, 1)
	wo := f.pending(t, 0, 0)
	wo.Status = order.StatusRunning
	wo.LastActivityAt = time.Now().UTC().Add(-5 * time.Second)
	require.NoError(t, f.store.Save(wo))

	s := f.scheduler()
	s.sweepStale()

	stored, err := f.store.Load(wo.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusRunning, stored.Status)
	_, cancelled := f.exec.cancelReason(wo.ID)
	assert.False(t, cancelled)
}

func TestStopCancelsStragglers(t *testing.T) {
	f := newFixture(t, 1)
	f.exec.block = make(chan struct{})
	wo := f.pending(t, 0, 0)

	s := f.scheduler()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	require.Eventually(t, func() bool { return f.exec.callCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	require.NoError(t, s.Stop(stopCtx))

	reason, cancelled := f.exec.cancelReason(wo.ID)
	require.True(t, cancelled)
	assert.Equal(t, "server shutting down", reason)
	assert.True(t, s.Draining())
}

func TestStopBlocksFurtherAdmission(t *testing.T) {
	f := newFixture(t, 1)
	s := f.scheduler()
	require.NoError(t, s.Stop(context.Background()))

	f.pending(t, 0, 0)
	s.admitPending(context.Background())
	assert.Equal(t, 0, f.exec.callCount())
}

func TestSortQueue(t *testing.T) {
	now := time.Now()
	a := &order.WorkOrder{ID: "a", Priority: 1, CreatedAt: now.Add(-time.Hour)}
	b := &order.WorkOrder{ID: "b", Priority: 3, CreatedAt: now}
	c := &order.WorkOrder{ID: "c", Priority: 3, CreatedAt: now.Add(-2 * time.Hour)}

	queue := []*order.WorkOrder{a, b, c}
	sortQueue(queue)

	ids := []string{queue[0].ID, queue[1].ID, queue[2].ID}
	assert.Equal(t, []string{"c", "b", "a"}, ids)
}
