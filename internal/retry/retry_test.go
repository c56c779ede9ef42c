package retry

import (
	"sync"
	"testing"
	"time"

	"github.com/agentgate/agentgate/internal/config"
	gateerrors "github.com/agentgate/agentgate/internal/errors"
)

func testPolicy() config.RetryConfig {
	return config.RetryConfig{
		MaxRetries:        2,
		BaseDelayMs:       5000,
		MaxDelayMs:        300000,
		BackoffMultiplier: 2.0,
		JitterFactor:      0.1,
	}
}

func TestShouldRetry(t *testing.T) {
	t.Parallel()
	m := New(testPolicy(), nil)

	tests := []struct {
		name    string
		code    gateerrors.Code
		attempt int
		want    bool
	}{
		{"retryable under budget", gateerrors.CodeOOMKilled, 0, true},
		{"retryable at last attempt", gateerrors.CodeTimeout, 1, true},
		{"retryable over budget", gateerrors.CodeNetworkError, 2, false},
		{"non-retryable", gateerrors.CodeAgentFatalError, 0, false},
		{"cancelled never retries", gateerrors.CodeCancelled, 0, false},
		{"verification failure never retries", gateerrors.CodeTestFailed, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := m.ShouldRetry(tt.code, tt.attempt); got != tt.want {
				t.Errorf("ShouldRetry(%s, %d) = %v, want %v", tt.code, tt.attempt, got, tt.want)
			}
		})
	}
}

func TestShouldRetryZeroBudget(t *testing.T) {
	t.Parallel()
	policy := testPolicy()
	policy.MaxRetries = 0
	m := New(policy, nil)

	if m.ShouldRetry(gateerrors.CodeOOMKilled, 0) {
		t.Error("maxRetries = 0 must make every failure terminal")
	}
}

func TestDelayGrowthAndCap(t *testing.T) {
	t.Parallel()
	m := New(testPolicy(), nil)
	m.jitterUnit = func() float64 { return 0 }

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 5 * time.Second},
		{1, 10 * time.Second},
		{2, 20 * time.Second},
		{6, 300 * time.Second}, // 5000 * 2^6 = 320000, capped at 300000
	}
	for _, tt := range tests {
		if got := m.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestDelayJitterBounds(t *testing.T) {
	t.Parallel()
	m := New(testPolicy(), nil)

	lo := 4500 * time.Millisecond
	hi := 5500 * time.Millisecond
	for i := 0; i < 200; i++ {
		d := m.Delay(0)
		if d < lo || d > hi {
			t.Fatalf("Delay(0) = %v, want within [%v, %v]", d, lo, hi)
		}
	}
}

func TestScheduleFires(t *testing.T) {
	t.Parallel()
	policy := testPolicy()
	policy.BaseDelayMs = 1
	policy.JitterFactor = 0
	m := New(policy, nil)
	defer m.Stop()

	fired := make(chan struct{})
	delay, ok := m.Schedule("wo-1", 0, func() { close(fired) })
	if !ok {
		t.Fatal("Schedule refused")
	}
	if delay != time.Millisecond {
		t.Errorf("delay = %v, want 1ms", delay)
	}

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("retry timer never fired")
	}
	if m.PendingCount() != 0 {
		t.Errorf("pending = %d after fire, want 0", m.PendingCount())
	}
}

func TestScheduleReplacesExisting(t *testing.T) {
	t.Parallel()
	policy := testPolicy()
	policy.BaseDelayMs = 20
	policy.JitterFactor = 0
	m := New(policy, nil)
	defer m.Stop()

	var mu sync.Mutex
	fires := 0
	count := func() {
		mu.Lock()
		defer mu.Unlock()
		fires++
	}

	m.Schedule("wo-1", 0, count)
	m.Schedule("wo-1", 0, count)
	if m.PendingCount() != 1 {
		t.Fatalf("pending = %d, want 1", m.PendingCount())
	}

	time.Sleep(200 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if fires != 1 {
		t.Errorf("fires = %d, want exactly 1", fires)
	}
}

func TestCancelSuppressesFire(t *testing.T) {
	t.Parallel()
	policy := testPolicy()
	policy.BaseDelayMs = 30
	policy.JitterFactor = 0
	m := New(policy, nil)
	defer m.Stop()

	m.Schedule("wo-1", 0, func() { t.Error("cancelled retry fired") })
	if !m.Cancel("wo-1") {
		t.Fatal("Cancel found nothing pending")
	}
	if m.Cancel("wo-1") {
		t.Error("second Cancel should report nothing pending")
	}
	time.Sleep(100 * time.Millisecond)
}

func TestCancelAll(t *testing.T) {
	t.Parallel()
	policy := testPolicy()
	policy.BaseDelayMs = 30
	policy.JitterFactor = 0
	m := New(policy, nil)
	defer m.Stop()

	for _, id := range []string{"wo-1", "wo-2", "wo-3"} {
		m.Schedule(id, 0, func() { t.Error("cancelled retry fired") })
	}
	if m.PendingCount() != 3 {
		t.Fatalf("pending = %d, want 3", m.PendingCount())
	}

	m.CancelAll()
	if m.PendingCount() != 0 {
		t.Errorf("pending = %d after CancelAll, want 0", m.PendingCount())
	}
	time.Sleep(100 * time.Millisecond)
}

func TestStopRefusesNewWork(t *testing.T) {
	t.Parallel()
	m := New(testPolicy(), nil)
	m.Stop()

	if _, ok := m.Schedule("wo-1", 0, func() {}); ok {
		t.Error("Schedule accepted after Stop")
	}
}
