package monitor

import (
	"testing"
	"time"

	"github.com/shirou/gopsutil/v4/mem"
)

// fakeMemory swaps the sampling seams for the duration of a test.
func fakeMemory(t *testing.T, totalMB, availableMB uint64) {
	t.Helper()
	origMem, origCPU := memVirtual, cpuPercent

	usedMB := totalMB - availableMB
	memVirtual = func() (*mem.VirtualMemoryStat, error) {
		return &mem.VirtualMemoryStat{
			Total:       totalMB * (1 << 20),
			Used:        usedMB * (1 << 20),
			Available:   availableMB * (1 << 20),
			UsedPercent: float64(usedMB) / float64(totalMB) * 100,
		}, nil
	}
	cpuPercent = func() (float64, error) { return 12.5, nil }

	t.Cleanup(func() {
		memVirtual = origMem
		cpuPercent = origCPU
	})
}

func TestAcquireUpToLimit(t *testing.T) {
	fakeMemory(t, 16384, 12000)
	m := New(2, 2048, time.Minute, nil)
	m.Sample()

	h1 := m.Acquire("wo-1")
	h2 := m.Acquire("wo-2")
	if h1 == nil || h2 == nil {
		t.Fatal("expected two slots")
	}
	if h3 := m.Acquire("wo-3"); h3 != nil {
		t.Error("third slot must be refused at limit 2")
	}
	if m.ActiveSlots() != 2 {
		t.Errorf("active = %d", m.ActiveSlots())
	}

	m.Release(h1)
	if h4 := m.Acquire("wo-4"); h4 == nil {
		t.Error("slot should be available after release")
	}
}

func TestAcquireRefusedOnLowMemory(t *testing.T) {
	fakeMemory(t, 16384, 1024)
	m := New(4, 2048, time.Minute, nil)
	m.Sample()

	if h := m.Acquire("wo-1"); h != nil {
		t.Error("slot must be refused when available memory is below the per-slot floor")
	}
}

func TestAcquireDegradesOpenWithoutSample(t *testing.T) {
	m := New(2, 2048, time.Minute, nil)
	// No Sample call: admission must not block on missing metrics.
	if h := m.Acquire("wo-1"); h == nil {
		t.Error("acquire must degrade open when no sample exists")
	}
}

func TestReleaseIdempotent(t *testing.T) {
	fakeMemory(t, 16384, 12000)
	m := New(1, 2048, time.Minute, nil)
	m.Sample()

	h := m.Acquire("wo-1")
	if h == nil {
		t.Fatal("expected slot")
	}

	m.Release(h)
	m.Release(h)
	m.Release(nil)

	if m.ActiveSlots() != 0 {
		t.Errorf("active = %d after repeated release", m.ActiveSlots())
	}
	if again := m.Acquire("wo-2"); again == nil {
		t.Error("slot must be reusable after release")
	}
}

func TestPressureClassification(t *testing.T) {
	tests := []struct {
		name        string
		totalMB     uint64
		availableMB uint64
		want        Pressure
		healthy     bool
	}{
		{"plenty free", 10000, 7000, PressureNone, true},
		{"eighty percent used", 10000, 2000, PressureWarning, true},
		{"ninety six percent used", 10000, 400, PressureCritical, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fakeMemory(t, tt.totalMB, tt.availableMB)
			m := New(2, 128, time.Minute, nil)
			m.Sample()

			r := m.HealthReport()
			if r.Pressure != tt.want {
				t.Errorf("pressure = %s, want %s (used %.1f%%)", r.Pressure, tt.want, r.MemoryUsedPercent)
			}
			if r.Healthy != tt.healthy {
				t.Errorf("healthy = %v, want %v", r.Healthy, tt.healthy)
			}
		})
	}
}

func TestPressureChangeCallback(t *testing.T) {
	fakeMemory(t, 10000, 7000)
	m := New(2, 128, time.Minute, nil)

	var changes []Pressure
	m.OnPressureChange(func(p Pressure, _ HealthReport) {
		changes = append(changes, p)
	})

	m.Sample() // none -> none, no change
	fakeMemory(t, 10000, 1500)
	m.Sample() // -> warning
	m.Sample() // warning -> warning, no change
	fakeMemory(t, 10000, 300)
	m.Sample() // -> critical
	fakeMemory(t, 10000, 7000)
	m.Sample() // -> none

	want := []Pressure{PressureWarning, PressureCritical, PressureNone}
	if len(changes) != len(want) {
		t.Fatalf("changes = %v, want %v", changes, want)
	}
	for i := range want {
		if changes[i] != want[i] {
			t.Errorf("change[%d] = %s, want %s", i, changes[i], want[i])
		}
	}
}

func TestHealthReportSlots(t *testing.T) {
	fakeMemory(t, 16384, 12000)
	m := New(3, 2048, time.Minute, nil)
	m.Sample()

	m.Acquire("wo-1")
	m.Acquire("wo-2")

	r := m.HealthReport()
	if r.SlotsMax != 3 || r.SlotsActive != 2 || len(r.Slots) != 2 {
		t.Errorf("report = %+v", r)
	}
	if r.CPUPercent != 12.5 {
		t.Errorf("cpu = %v", r.CPUPercent)
	}
}

func TestStartStop(t *testing.T) {
	fakeMemory(t, 16384, 12000)
	m := New(1, 2048, 10*time.Millisecond, nil)

	m.Start()
	m.Start() // no-op
	time.Sleep(30 * time.Millisecond)
	m.Stop()
	m.Stop() // no-op

	if r := m.HealthReport(); r.SampledAt.IsZero() {
		t.Error("sampler never ran")
	}
}
