package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgate/agentgate/internal/monitor"
	"github.com/agentgate/agentgate/internal/order"
	"github.com/agentgate/agentgate/internal/sandbox"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// hookRecorder captures lifecycle hook invocations in order.
type hookRecorder struct {
	mu      sync.Mutex
	events  []string
	lastErr error
}

func (h *hookRecorder) hooks() Hooks {
	return Hooks{
		OnStarted: func(*order.WorkOrder, string) { h.record("started", nil) },
		OnCompleted: func(*order.WorkOrder, string) {
			h.record("completed", nil)
		},
		OnFailed: func(_ *order.WorkOrder, _ string, err error) {
			h.record("failed", err)
		},
	}
}

func (h *hookRecorder) record(event string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, event)
	if err != nil {
		h.lastErr = err
	}
}

func (h *hookRecorder) seen() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.events...)
}

func TestManagerRunSuccess(t *testing.T) {
	t.Parallel()
	sandboxes := &fakeSandboxes{root: t.TempDir()}
	mon := monitor.New(2, 0, time.Hour, discardLogger())
	rec := &hookRecorder{}
	m := NewManager(sandboxes, mon, 0, rec.hooks(), discardLogger())

	wo := newWorkOrder(t.TempDir(), 3)
	slot := mon.Acquire(wo.ID)
	require.NotNil(t, slot)

	var gotDir string
	err := m.Run(context.Background(), wo, "run-1", slot, func(sb *sandbox.Sandbox) error {
		gotDir = sb.Dir
		_, statErr := os.Stat(sb.Dir)
		return statErr
	})
	require.NoError(t, err)

	assert.NotEmpty(t, gotDir)
	assert.Equal(t, 1, sandboxes.destroyedCount())
	assert.Equal(t, 0, mon.ActiveSlots())
	assert.Equal(t, []string{"started", "completed"}, rec.seen())
}

func TestManagerRunError(t *testing.T) {
	t.Parallel()
	sandboxes := &fakeSandboxes{root: t.TempDir()}
	rec := &hookRecorder{}
	m := NewManager(sandboxes, nil, 0, rec.hooks(), discardLogger())

	boom := errors.New("loop broke")
	err := m.Run(context.Background(), newWorkOrder(t.TempDir(), 3), "run-1", nil, func(*sandbox.Sandbox) error {
		return boom
	})
	require.ErrorIs(t, err, boom)

	assert.Equal(t, 1, sandboxes.destroyedCount(), "sandbox destroyed on failure too")
	assert.Equal(t, []string{"started", "failed"}, rec.seen())
	assert.Same(t, boom, rec.lastErr)
}

func TestManagerRecoversPanic(t *testing.T) {
	t.Parallel()
	sandboxes := &fakeSandboxes{root: t.TempDir()}
	mon := monitor.New(2, 0, time.Hour, discardLogger())
	rec := &hookRecorder{}
	m := NewManager(sandboxes, mon, 0, rec.hooks(), discardLogger())

	wo := newWorkOrder(t.TempDir(), 3)
	slot := mon.Acquire(wo.ID)
	require.NotNil(t, slot)

	err := m.Run(context.Background(), wo, "run-1", slot, func(*sandbox.Sandbox) error {
		panic("boom in loop")
	})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "execution panicked"), "got %v", err)

	assert.Equal(t, 1, sandboxes.destroyedCount())
	assert.Equal(t, 0, mon.ActiveSlots())
	assert.Equal(t, []string{"started", "failed"}, rec.seen())
}

func TestManagerCreateFailure(t *testing.T) {
	t.Parallel()
	createErr := errors.New("no space left")
	sandboxes := &fakeSandboxes{root: t.TempDir(), createErr: createErr}
	mon := monitor.New(2, 0, time.Hour, discardLogger())
	rec := &hookRecorder{}
	m := NewManager(sandboxes, mon, 0, rec.hooks(), discardLogger())

	wo := newWorkOrder(t.TempDir(), 3)
	slot := mon.Acquire(wo.ID)
	require.NotNil(t, slot)

	called := false
	err := m.Run(context.Background(), wo, "run-1", slot, func(*sandbox.Sandbox) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, createErr)

	assert.False(t, called, "fn must not run without a sandbox")
	assert.Equal(t, 0, sandboxes.destroyedCount(), "nothing to destroy")
	assert.Equal(t, 0, mon.ActiveSlots(), "slot released on create failure")
	assert.Equal(t, []string{"started", "failed"}, rec.seen())
}

func TestManagerCleanupDelay(t *testing.T) {
	t.Parallel()
	sandboxes := &fakeSandboxes{root: t.TempDir()}
	m := NewManager(sandboxes, nil, 30*time.Millisecond, Hooks{}, discardLogger())

	start := time.Now()
	err := m.Run(context.Background(), newWorkOrder(t.TempDir(), 3), "run-1", nil, func(*sandbox.Sandbox) error {
		return nil
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Equal(t, 1, sandboxes.destroyedCount())
}

func TestManagerCleanupDelaySkippedOnCancel(t *testing.T) {
	t.Parallel()
	sandboxes := &fakeSandboxes{root: t.TempDir()}
	m := NewManager(sandboxes, nil, time.Minute, Hooks{}, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	err := m.Run(ctx, newWorkOrder(t.TempDir(), 3), "run-1", nil, func(*sandbox.Sandbox) error {
		cancel()
		return ctx.Err()
	})
	require.Error(t, err)
	assert.Equal(t, 1, sandboxes.destroyedCount(), "destroy happens without waiting out the delay")
}
