package engine

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/agentgate/agentgate/internal/monitor"
	"github.com/agentgate/agentgate/internal/order"
	"github.com/agentgate/agentgate/internal/sandbox"
)

// Hooks receives execution lifecycle notifications. Callbacks are
// optional and run synchronously on the execution goroutine.
type Hooks struct {
	OnStarted   func(wo *order.WorkOrder, runID string)
	OnCompleted func(wo *order.WorkOrder, runID string)
	OnFailed    func(wo *order.WorkOrder, runID string, err error)
}

func (h Hooks) started(wo *order.WorkOrder, runID string) {
	if h.OnStarted != nil {
		h.OnStarted(wo, runID)
	}
}

func (h Hooks) completed(wo *order.WorkOrder, runID string) {
	if h.OnCompleted != nil {
		h.OnCompleted(wo, runID)
	}
}

func (h Hooks) failed(wo *order.WorkOrder, runID string, err error) {
	if h.OnFailed != nil {
		h.OnFailed(wo, runID, err)
	}
}

// Manager owns the sandbox lifetime for one execution: create before
// the loop starts, destroy on every exit path including panics, and
// release the concurrency slot exactly once.
type Manager struct {
	sandboxes    sandbox.Provider
	monitor      *monitor.Monitor
	cleanupDelay time.Duration
	hooks        Hooks
	logger       *slog.Logger
}

// NewManager creates a Manager. The monitor may be nil when the caller
// does not meter slots.
func NewManager(p sandbox.Provider, mon *monitor.Monitor, cleanupDelay time.Duration, hooks Hooks, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		sandboxes:    p,
		monitor:      mon,
		cleanupDelay: cleanupDelay,
		hooks:        hooks,
		logger:       logger,
	}
}

// Run provisions a sandbox for the work order and invokes fn with it.
// The sandbox is destroyed and the slot released no matter how fn
// returns; a panic inside fn is recovered and reported as a failure.
func (m *Manager) Run(ctx context.Context, wo *order.WorkOrder, runID string, slot *monitor.SlotHandle, fn func(sb *sandbox.Sandbox) error) (err error) {
	var once sync.Once
	release := func() {
		once.Do(func() {
			if slot != nil && m.monitor != nil {
				m.monitor.Release(slot)
			}
		})
	}
	defer release()

	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("execution panicked",
				"workOrderId", wo.ID,
				"runId", runID,
				"panic", r,
				"stack", string(debug.Stack()))
			err = fmt.Errorf("execution panicked: %v", r)
		}
		if err != nil {
			m.hooks.failed(wo, runID, err)
			return
		}
		m.hooks.completed(wo, runID)
	}()

	m.hooks.started(wo, runID)

	sb, err := m.sandboxes.Create(ctx, wo)
	if err != nil {
		return err
	}
	defer func() {
		m.waitCleanup(ctx)
		if derr := m.sandboxes.Destroy(context.WithoutCancel(ctx), sb); derr != nil {
			m.logger.Warn("sandbox destroy failed",
				"sandboxId", sb.ID,
				"workOrderId", wo.ID,
				"error", derr)
		}
		release()
	}()

	return fn(sb)
}

// waitCleanup gives agent subprocesses time to exit before the sandbox
// directory disappears. A cancelled context shortens the wait; the
// destroy still happens.
func (m *Manager) waitCleanup(ctx context.Context) {
	if m.cleanupDelay <= 0 {
		return
	}
	t := time.NewTimer(m.cleanupDelay)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
