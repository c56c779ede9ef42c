// Package retry schedules delayed re-admission of work orders that
// failed with a transient error. Delays grow exponentially with the
// attempt number and are spread by a jitter factor so simultaneous
// failures do not retry in lockstep.
package retry

import (
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/agentgate/agentgate/internal/config"
	gateerrors "github.com/agentgate/agentgate/internal/errors"
)

// Manager owns the pending retry timers. One timer per work order; a
// second schedule for the same order replaces the first.
type Manager struct {
	policy config.RetryConfig
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer
	stopped bool

	// jitterUnit returns a value in [-1, 1]. Swapped in tests.
	jitterUnit func() float64
}

// New creates a retry manager with the given policy.
func New(policy config.RetryConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		policy:     policy,
		logger:     logger,
		pending:    make(map[string]*time.Timer),
		jitterUnit: func() float64 { return 2*rand.Float64() - 1 },
	}
}

// ShouldRetry reports whether an error with the given code warrants
// another attempt. attempt is the number of retries already consumed,
// so with MaxRetries 0 every failure is terminal.
func (m *Manager) ShouldRetry(code gateerrors.Code, attempt int) bool {
	return gateerrors.IsRetryable(code) && attempt < m.policy.MaxRetries
}

// Delay computes the backoff before retry number attempt (zero-based):
// min(maxDelay, base * multiplier^attempt), spread by the jitter
// factor.
func (m *Manager) Delay(attempt int) time.Duration {
	base := float64(m.policy.BaseDelayMs)
	capped := math.Min(
		float64(m.policy.MaxDelayMs),
		base*math.Pow(m.policy.BackoffMultiplier, float64(attempt)),
	)
	jittered := capped * (1 + m.policy.JitterFactor*m.jitterUnit())
	if jittered < 0 {
		jittered = 0
	}
	return time.Duration(jittered) * time.Millisecond
}

// Schedule arms a timer that invokes fire after the backoff for
// attempt. It returns the chosen delay, or false when the manager is
// stopped. An existing timer for the same work order is replaced.
func (m *Manager) Schedule(workOrderID string, attempt int, fire func()) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return 0, false
	}

	if prev, ok := m.pending[workOrderID]; ok {
		prev.Stop()
	}

	delay := m.Delay(attempt)
	m.pending[workOrderID] = time.AfterFunc(delay, func() {
		m.mu.Lock()
		if _, ok := m.pending[workOrderID]; !ok || m.stopped {
			m.mu.Unlock()
			return
		}
		delete(m.pending, workOrderID)
		m.mu.Unlock()

		// Fire outside the lock so the callback can schedule again.
		fire()
	})

	m.logger.Info("retry scheduled",
		"workOrderId", workOrderID, "attempt", attempt+1, "delay", delay)
	return delay, true
}

// Cancel stops a pending retry. Returns whether one was pending.
func (m *Manager) Cancel(workOrderID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	timer, ok := m.pending[workOrderID]
	if !ok {
		return false
	}
	timer.Stop()
	delete(m.pending, workOrderID)
	return true
}

// CancelAll clears every pending timer.
func (m *Manager) CancelAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, timer := range m.pending {
		timer.Stop()
		delete(m.pending, id)
	}
}

// Stop cancels all timers and refuses further scheduling.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	for id, timer := range m.pending {
		timer.Stop()
		delete(m.pending, id)
	}
}

// PendingCount returns the number of armed retry timers.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}
