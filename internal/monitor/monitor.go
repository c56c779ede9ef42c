// Package monitor tracks execution slots and host resource pressure.
//
// A slot is permission to run one work order. Slots are bounded by
// maxConcurrentSlots and by available host memory: a new slot is
// refused when admitting it would leave less than memoryPerSlotMB
// available. A background sampler refreshes memory and CPU readings;
// acquire and release share its mutex so admission decisions always
// see a consistent view.
package monitor

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// Pressure classifies host memory usage.
type Pressure string

const (
	PressureNone     Pressure = "none"
	PressureWarning  Pressure = "warning"
	PressureCritical Pressure = "critical"
)

const (
	warningUsedPercent  = 80.0
	criticalUsedPercent = 95.0
)

// SlotHandle is proof of an admitted execution slot.
type SlotHandle struct {
	ID          string    `json:"id"`
	WorkOrderID string    `json:"workOrderId"`
	AcquiredAt  time.Time `json:"acquiredAt"`
}

// HealthReport is a point-in-time snapshot of host and slot state.
type HealthReport struct {
	Healthy           bool         `json:"healthy"`
	Pressure          Pressure     `json:"pressure"`
	MemoryTotalMB     uint64       `json:"memoryTotalMb"`
	MemoryUsedMB      uint64       `json:"memoryUsedMb"`
	MemoryAvailableMB uint64       `json:"memoryAvailableMb"`
	MemoryUsedPercent float64      `json:"memoryUsedPercent"`
	CPUPercent        float64      `json:"cpuPercent"`
	SlotsMax          int          `json:"slotsMax"`
	SlotsActive       int          `json:"slotsActive"`
	Slots             []SlotHandle `json:"slots,omitempty"`
	SampledAt         time.Time    `json:"sampledAt"`
}

// Sampling seams, overridable in tests.
var (
	memVirtual = mem.VirtualMemory
	cpuPercent = func() (float64, error) {
		vals, err := cpu.Percent(0, false)
		if err != nil || len(vals) == 0 {
			return 0, err
		}
		return vals[0], nil
	}
)

type sample struct {
	totalMB     uint64
	usedMB      uint64
	availableMB uint64
	usedPercent float64
	cpuPercent  float64
	valid       bool
	at          time.Time
}

// Monitor owns the slot set and the resource sampler.
type Monitor struct {
	maxSlots        int
	memoryPerSlotMB int
	pollInterval    time.Duration
	logger          *slog.Logger

	mu     sync.Mutex
	active map[string]SlotHandle
	last   sample

	started bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	// onPressure, when set, fires on every classification change.
	onPressure   func(Pressure, HealthReport)
	lastPressure Pressure
}

// New creates a Monitor. The sampler is not running until Start.
func New(maxSlots, memoryPerSlotMB int, pollInterval time.Duration, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		maxSlots:        maxSlots,
		memoryPerSlotMB: memoryPerSlotMB,
		pollInterval:    pollInterval,
		logger:          logger,
		active:          make(map[string]SlotHandle),
		lastPressure:    PressureNone,
	}
}

// OnPressureChange registers a callback fired whenever the pressure
// classification changes. Must be called before Start.
func (m *Monitor) OnPressureChange(fn func(Pressure, HealthReport)) {
	m.onPressure = fn
}

// Start launches the background sampler. A second Start is a no-op.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.mu.Unlock()

	m.Sample()
	go m.sampleLoop()
}

// Stop halts the sampler and waits for it to exit. Idempotent.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	stopCh, doneCh := m.stopCh, m.doneCh
	m.mu.Unlock()

	close(stopCh)
	<-doneCh
}

func (m *Monitor) sampleLoop() {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Sample()
		case <-m.stopCh:
			return
		}
	}
}

// Sample refreshes the resource reading once. Failures leave the
// previous sample marked invalid so admission degrades open rather
// than wedging the scheduler on hosts without readable metrics.
func (m *Monitor) Sample() {
	s := sample{at: time.Now().UTC()}

	vm, err := memVirtual()
	if err != nil || vm == nil {
		m.logger.Debug("memory sampling unavailable", "error", err)
	} else {
		s.totalMB = vm.Total / (1 << 20)
		s.usedMB = vm.Used / (1 << 20)
		s.availableMB = vm.Available / (1 << 20)
		s.usedPercent = vm.UsedPercent
		s.valid = true
	}

	if pct, err := cpuPercent(); err == nil {
		s.cpuPercent = pct
	}

	m.mu.Lock()
	m.last = s
	report := m.reportLocked()
	pressure := report.Pressure
	changed := pressure != m.lastPressure
	m.lastPressure = pressure
	cb := m.onPressure
	m.mu.Unlock()

	if changed {
		switch pressure {
		case PressureCritical:
			m.logger.Error("memory pressure critical",
				"usedPercent", report.MemoryUsedPercent, "availableMb", report.MemoryAvailableMB)
		case PressureWarning:
			m.logger.Warn("memory pressure warning",
				"usedPercent", report.MemoryUsedPercent, "availableMb", report.MemoryAvailableMB)
		default:
			m.logger.Info("memory pressure cleared", "usedPercent", report.MemoryUsedPercent)
		}
		if cb != nil {
			cb(pressure, report)
		}
	}
}

// Acquire admits a new execution slot for the work order, or returns
// nil when the slot budget or available memory forbids it.
func (m *Monitor) Acquire(workOrderID string) *SlotHandle {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.active) >= m.maxSlots {
		return nil
	}
	if m.last.valid && m.last.availableMB < uint64(m.memoryPerSlotMB) {
		m.logger.Warn("slot refused on memory",
			"workOrderId", workOrderID,
			"availableMb", m.last.availableMB,
			"requiredMb", m.memoryPerSlotMB)
		return nil
	}

	h := SlotHandle{
		ID:          uuid.NewString(),
		WorkOrderID: workOrderID,
		AcquiredAt:  time.Now().UTC(),
	}
	m.active[h.ID] = h
	return &h
}

// Release returns a slot. Releasing an already-released or nil handle
// is a no-op.
func (m *Monitor) Release(h *SlotHandle) {
	if h == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, h.ID)
}

// ActiveSlots returns the number of admitted slots.
func (m *Monitor) ActiveSlots() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// HealthReport snapshots slot and resource state.
func (m *Monitor) HealthReport() HealthReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reportLocked()
}

func (m *Monitor) reportLocked() HealthReport {
	r := HealthReport{
		Pressure:    PressureNone,
		SlotsMax:    m.maxSlots,
		SlotsActive: len(m.active),
		SampledAt:   m.last.at,
	}
	for _, h := range m.active {
		r.Slots = append(r.Slots, h)
	}

	if m.last.valid {
		r.MemoryTotalMB = m.last.totalMB
		r.MemoryUsedMB = m.last.usedMB
		r.MemoryAvailableMB = m.last.availableMB
		r.MemoryUsedPercent = m.last.usedPercent
		r.CPUPercent = m.last.cpuPercent
		switch {
		case m.last.usedPercent >= criticalUsedPercent:
			r.Pressure = PressureCritical
		case m.last.usedPercent >= warningUsedPercent:
			r.Pressure = PressureWarning
		}
	}

	r.Healthy = r.Pressure != PressureCritical
	return r
}
