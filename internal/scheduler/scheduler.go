// Package scheduler admits pending work orders into the execution
// engine. A tick loop claims queued orders in priority order while
// slots last, a stale loop cancels runs that stopped making progress,
// and a retry manager re-queues transient failures after backoff.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agentgate/agentgate/internal/audit"
	"github.com/agentgate/agentgate/internal/config"
	"github.com/agentgate/agentgate/internal/engine"
	gateerrors "github.com/agentgate/agentgate/internal/errors"
	"github.com/agentgate/agentgate/internal/events"
	"github.com/agentgate/agentgate/internal/monitor"
	"github.com/agentgate/agentgate/internal/order"
	"github.com/agentgate/agentgate/internal/retry"
	"github.com/agentgate/agentgate/internal/state"
	"github.com/agentgate/agentgate/internal/storage"
)

// deadProcessGrace is how long a running order may go without activity
// before a missing engine entry counts as a dead execution rather than
// a record caught mid-transition.
const deadProcessGrace = 30 * time.Second

// Executor is the slice of the engine the scheduler drives.
// *engine.Engine satisfies it.
type Executor interface {
	Execute(ctx context.Context, wo *order.WorkOrder, opts engine.ExecOptions) (*order.Run, error)
	CancelWorkOrder(workOrderID, reason string) bool
	ActiveRunID(workOrderID string) (string, bool)
	Status(runID string) (*order.Run, error)
	ActiveRuns() []*order.Run
}

// Deps wires the scheduler's collaborators.
type Deps struct {
	Config  *config.Config
	Store   *storage.Store
	Machine *state.Machine
	Audit   *audit.Log
	Monitor *monitor.Monitor
	Engine  Executor
	Retries *retry.Manager
	Hub     *events.Hub
	Logger  *slog.Logger
}

// Scheduler owns the admission and stale-detection loops.
type Scheduler struct {
	cfg     *config.Config
	store   *storage.Store
	machine *state.Machine
	audit   *audit.Log
	monitor *monitor.Monitor
	engine  Executor
	retries *retry.Manager
	hub     *events.Hub
	logger  *slog.Logger

	// group tracks in-flight dispatches so Stop can wait for them.
	group errgroup.Group

	wake     chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu       sync.Mutex
	draining bool
}

// New creates a Scheduler. A nil Retries builds one from the config's
// retry policy.
func New(d Deps) *Scheduler {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	retries := d.Retries
	if retries == nil {
		retries = retry.New(d.Config.Retry, logger)
	}
	return &Scheduler{
		cfg:     d.Config,
		store:   d.Store,
		machine: d.Machine,
		audit:   d.Audit,
		monitor: d.Monitor,
		engine:  d.Engine,
		retries: retries,
		hub:     d.Hub,
		logger:  logger,
		wake:    make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the admission and stale-detection loops. The context
// bounds every dispatched execution.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(2)
	go s.tickLoop(ctx)
	go s.staleLoop(ctx)
	s.logger.Info("scheduler started",
		"tick", s.cfg.SchedulerTick(),
		"staleCheck", s.cfg.StaleCheckInterval(),
		"maxSlots", s.cfg.Resources.MaxConcurrentSlots)
}

// Kick requests an immediate admission pass, coalescing with any pass
// already requested. Called when a work order is created or re-queued.
func (s *Scheduler) Kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Draining reports whether the scheduler has stopped admitting work.
func (s *Scheduler) Draining() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draining
}

// PendingRetries returns the number of armed retry timers.
func (s *Scheduler) PendingRetries() int {
	return s.retries.PendingCount()
}

// CancelRetry disarms a pending retry timer, typically because the
// work order was cancelled while waiting.
func (s *Scheduler) CancelRetry(workOrderID string) bool {
	return s.retries.Cancel(workOrderID)
}

// Stop drains the scheduler: admission halts, retry timers are
// cancelled, and in-flight runs get the configured grace to finish
// before being cancelled. The context bounds the final wait.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()

	s.stopOnce.Do(func() { close(s.stopCh) })
	s.retries.Stop()
	s.wg.Wait()

	done := make(chan struct{})
	go func() {
		_ = s.group.Wait()
		close(done)
	}()

	grace := s.cfg.ShutdownGrace()
	select {
	case <-done:
		s.logger.Info("scheduler drained")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(grace):
	}

	// Grace expired: cancel whatever is still running and wait again.
	for _, run := range s.engine.ActiveRuns() {
		s.logger.Warn("cancelling run at shutdown",
			"workOrderId", run.WorkOrderID, "runId", run.ID)
		s.engine.CancelWorkOrder(run.WorkOrderID, "server shutting down")
	}
	select {
	case <-done:
		s.logger.Info("scheduler drained after cancelling stragglers")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) tickLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.SchedulerTick())
	defer ticker.Stop()

	s.admitPending(ctx)
	for {
		select {
		case <-ticker.C:
			s.admitPending(ctx)
		case <-s.wake:
			s.admitPending(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) staleLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.StaleCheckInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweepStale()
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// admitPending claims queued orders in (priority desc, createdAt asc)
// order and dispatches each into the engine, pausing staggerDelay
// between dispatches. Stops early when slots run out; remaining orders
// wait for the next tick.
func (s *Scheduler) admitPending(ctx context.Context) {
	if s.Draining() {
		return
	}
	pending, _, err := s.store.List(storage.Filter{Statuses: []order.Status{order.StatusPending}})
	if err != nil {
		s.logger.Error("list pending work orders", "error", err)
		return
	}
	if len(pending) == 0 {
		return
	}
	sortQueue(pending)

	for i, wo := range pending {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		slot := s.monitor.Acquire(wo.ID)
		if slot == nil {
			s.logger.Debug("no slot available, deferring admission",
				"workOrderId", wo.ID, "queued", len(pending)-i)
			return
		}
		if !s.claim(wo) {
			s.monitor.Release(slot)
			continue
		}
		s.logger.Info("work order admitted",
			"workOrderId", wo.ID, "priority", wo.Priority, "retryCount", wo.RetryCount)
		s.launch(ctx, wo, slot)

		if i < len(pending)-1 && !s.sleep(ctx, s.cfg.StaggerDelay()) {
			return
		}
	}
}

// sortQueue orders the admission queue by priority (higher first),
// then age (older first).
func sortQueue(orders []*order.WorkOrder) {
	sort.SliceStable(orders, func(i, j int) bool {
		if orders[i].Priority != orders[j].Priority {
			return orders[i].Priority > orders[j].Priority
		}
		return orders[i].CreatedAt.Before(orders[j].CreatedAt)
	})
}

// claim moves a pending order to preparing. A false return means the
// order changed state since it was listed and must not be dispatched.
func (s *Scheduler) claim(wo *order.WorkOrder) bool {
	if err := s.machine.Apply(wo, state.EventClaim, nil); err != nil {
		return false
	}
	if err := s.store.Save(wo); err != nil {
		s.logger.Error("persist claimed work order", "workOrderId", wo.ID, "error", err)
	}
	s.emitOrderUpdate(wo)
	return true
}

// launch runs the order on its own goroutine, tracked for shutdown.
func (s *Scheduler) launch(ctx context.Context, wo *order.WorkOrder, slot *monitor.SlotHandle) {
	s.group.Go(func() error {
		_, err := s.engine.Execute(ctx, wo, engine.ExecOptions{Slot: slot})
		if err != nil {
			s.handleRefusal(wo, err)
			return nil
		}
		if wo.Status == order.StatusWaitingRetry {
			s.scheduleRetry(wo)
		}
		return nil
	})
}

// handleRefusal fails an order the engine refused to start. The engine
// has already released the slot; the order is still preparing and
// would otherwise be stranded there.
func (s *Scheduler) handleRefusal(wo *order.WorkOrder, err error) {
	s.logger.Error("execution refused",
		"workOrderId", wo.ID, "status", wo.Status, "error", err)

	gerr := gateerrors.AsGateError(err)
	if gerr == nil {
		gerr = &gateerrors.GateError{
			Code:  gateerrors.CodeSystemError,
			What:  "execution refused",
			Cause: err,
		}
	}
	failure := &state.FailureContext{
		Code:             gerr.Code,
		Message:          gerr.Error(),
		Details:          gerr.Details(),
		UnderRetryBudget: wo.RetryCount < s.cfg.Retry.MaxRetries,
	}
	if applyErr := s.machine.Apply(wo, state.EventFail, failure); applyErr != nil {
		return
	}
	if saveErr := s.store.Save(wo); saveErr != nil {
		s.logger.Error("persist refused work order", "workOrderId", wo.ID, "error", saveErr)
	}
	s.emitOrderUpdate(wo)
	if wo.Status == order.StatusWaitingRetry {
		s.scheduleRetry(wo)
	}
}

// scheduleRetry arms the backoff timer for an order in waiting_retry
// and consumes one unit of its retry budget.
func (s *Scheduler) scheduleRetry(wo *order.WorkOrder) {
	attempt := wo.RetryCount
	if _, err := s.store.Update(wo.ID, func(o *order.WorkOrder) error {
		o.RetryCount = attempt + 1
		return nil
	}); err != nil {
		s.logger.Error("persist retry count", "workOrderId", wo.ID, "error", err)
	}
	wo.RetryCount = attempt + 1

	delay, ok := s.retries.Schedule(wo.ID, attempt, func() { s.retryDue(wo.ID) })
	if !ok {
		return
	}
	s.audit.Record(audit.Event{
		WorkOrderID: wo.ID,
		Type:        audit.TypeRetryScheduled,
		Event:       "retry_scheduled",
		Details: map[string]any{
			"attempt": attempt + 1,
			"delayMs": delay.Milliseconds(),
		},
	})
}

// retryDue returns a waiting_retry order to the pending queue and
// nudges the admission loop.
func (s *Scheduler) retryDue(id string) {
	wo, err := s.store.Load(id)
	if err != nil {
		s.logger.Error("load work order for retry", "workOrderId", id, "error", err)
		return
	}
	if wo.Status != order.StatusWaitingRetry {
		return
	}
	if err := s.machine.Apply(wo, state.EventRetryDue, nil); err != nil {
		return
	}
	if err := s.store.Save(wo); err != nil {
		s.logger.Error("persist re-queued work order", "workOrderId", id, "error", err)
	}
	s.emitOrderUpdate(wo)
	s.logger.Info("retry due, work order re-queued",
		"workOrderId", id, "retryCount", wo.RetryCount)
	s.Kick()
}

// sweepStale examines every running order: no live engine entry means
// the execution died; no recent activity or too long a total runtime
// means it stalled and gets cancelled.
func (s *Scheduler) sweepStale() {
	running, _, err := s.store.List(storage.Filter{Statuses: []order.Status{order.StatusRunning}})
	if err != nil {
		s.logger.Error("list running work orders", "error", err)
		return
	}

	now := time.Now().UTC()
	for _, wo := range running {
		idle := now.Sub(wo.LastActivityAt)
		runID, live := s.engine.ActiveRunID(wo.ID)

		if !live {
			if idle < deadProcessGrace {
				continue
			}
			s.handleDead(wo, idle)
			continue
		}
		if idle > s.cfg.StaleThreshold() {
			s.handleStale(wo, runID,
				fmt.Sprintf("no activity for %s", idle.Round(time.Second)))
			continue
		}
		if run, err := s.engine.Status(runID); err == nil {
			if elapsed := now.Sub(run.StartedAt); elapsed > s.cfg.MaxRunningTime() {
				s.handleStale(wo, runID,
					fmt.Sprintf("running for %s, limit is %s",
						elapsed.Round(time.Second), s.cfg.MaxRunningTime()))
			}
		}
	}
}

// handleStale cancels a stalled run through the engine so the normal
// cancellation path records the terminal state.
func (s *Scheduler) handleStale(wo *order.WorkOrder, runID, reason string) {
	s.logger.Warn("stale work order detected",
		"workOrderId", wo.ID, "runId", runID, "reason", reason)
	s.emitSignal(wo, "staleDetected", map[string]any{"runId": runID, "reason": reason})
	s.audit.Record(audit.Event{
		WorkOrderID: wo.ID,
		Type:        audit.TypeWarning,
		Event:       "stale_cancelled",
		Details:     map[string]any{"reason": reason, "runId": runID},
	})
	if s.engine.CancelWorkOrder(wo.ID, reason) {
		s.emitSignal(wo, "staleHandled", map[string]any{"runId": runID})
	}
}

// handleDead fails an order that claims to be running while the engine
// holds no execution for it.
func (s *Scheduler) handleDead(wo *order.WorkOrder, idle time.Duration) {
	reason := fmt.Sprintf("no live execution, idle for %s", idle.Round(time.Second))
	s.logger.Warn("dead execution detected", "workOrderId", wo.ID, "reason", reason)
	s.emitSignal(wo, "deadProcessDetected", map[string]any{"reason": reason})
	s.audit.Record(audit.Event{
		WorkOrderID: wo.ID,
		Type:        audit.TypeWarning,
		Event:       "dead_process",
		Details:     map[string]any{"reason": reason},
	})

	failure := &state.FailureContext{
		Code:             gateerrors.CodeSystemError,
		Message:          "execution ended without recording a terminal state",
		Details:          map[string]any{"reason": reason},
		UnderRetryBudget: wo.RetryCount < s.cfg.Retry.MaxRetries,
	}
	if err := s.machine.Apply(wo, state.EventFail, failure); err != nil {
		return
	}
	if err := s.store.Save(wo); err != nil {
		s.logger.Error("persist dead work order", "workOrderId", wo.ID, "error", err)
	}
	s.emitOrderUpdate(wo)
}

func (s *Scheduler) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-s.stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}

func (s *Scheduler) emitOrderUpdate(wo *order.WorkOrder) {
	if s.hub == nil {
		return
	}
	ev := events.New(events.TypeWorkOrderUpdated, wo.ID)
	ev.Data = map[string]any{"status": string(wo.Status)}
	s.hub.Emit(ev)
}

// emitSignal publishes a scheduler observation on the error channel of
// the stream.
func (s *Scheduler) emitSignal(wo *order.WorkOrder, signal string, extra map[string]any) {
	if s.hub == nil {
		return
	}
	ev := events.New(events.TypeError, wo.ID)
	data := map[string]any{"event": signal}
	for k, v := range extra {
		data[k] = v
	}
	ev.Data = data
	s.hub.Emit(ev)
}
