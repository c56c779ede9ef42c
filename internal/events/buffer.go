package events

import (
	"log/slog"
	"sync"
	"time"
)

// ringBuffer holds one work order's recent events.
type ringBuffer struct {
	events     []StreamEvent
	lastAccess time.Time
}

// BufferStore retains recent events per work order so subscribers can
// catch up after a reconnect.
//
// Each buffer is a ring bounded by maxPerOrder. A global cap
// (maxTotal) is enforced with LRU semantics on last-access time: when
// the total crosses the cap, roughly half the events of the
// least-recently-accessed buffer are evicted, and a fully drained
// buffer is removed. A cleanup loop discards events older than the
// retention window.
type BufferStore struct {
	mu          sync.Mutex
	buffers     map[string]*ringBuffer
	maxPerOrder int
	maxTotal    int
	retention   time.Duration
	total       int
	logger      *slog.Logger

	started bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewBufferStore creates a buffer store. The cleanup loop is not
// running until StartCleanup.
func NewBufferStore(maxPerOrder, maxTotal int, retention time.Duration, logger *slog.Logger) *BufferStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &BufferStore{
		buffers:     make(map[string]*ringBuffer),
		maxPerOrder: maxPerOrder,
		maxTotal:    maxTotal,
		retention:   retention,
		logger:      logger,
	}
}

// Add appends an event to its work order's buffer.
func (s *BufferStore) Add(e StreamEvent) {
	if e.WorkOrderID == "" {
		return
	}
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	buf := s.buffers[e.WorkOrderID]
	if buf == nil {
		buf = &ringBuffer{}
		s.buffers[e.WorkOrderID] = buf
	}
	buf.lastAccess = now

	buf.events = append(buf.events, e)
	s.total++
	if len(buf.events) > s.maxPerOrder {
		drop := len(buf.events) - s.maxPerOrder
		buf.events = buf.events[drop:]
		s.total -= drop
	}

	for s.total > s.maxTotal {
		if !s.evictLRULocked(e.WorkOrderID) {
			break
		}
	}
}

// evictLRULocked evicts about half of the least-recently-accessed
// buffer, preferring not to touch the buffer that just received an
// event unless it is the only one. Returns false when nothing can be
// evicted.
func (s *BufferStore) evictLRULocked(justWrote string) bool {
	var victimID string
	var victim *ringBuffer
	for id, buf := range s.buffers {
		if id == justWrote && len(s.buffers) > 1 {
			continue
		}
		if victim == nil || buf.lastAccess.Before(victim.lastAccess) {
			victimID, victim = id, buf
		}
	}
	if victim == nil || len(victim.events) == 0 {
		return false
	}

	drop := len(victim.events) / 2
	if drop == 0 {
		drop = len(victim.events)
	}
	victim.events = victim.events[drop:]
	s.total -= drop
	s.logger.Debug("evicted events under global cap",
		"workOrderId", victimID, "dropped", drop)

	if len(victim.events) == 0 {
		delete(s.buffers, victimID)
	}
	return true
}

// Events returns events for a work order, optionally only those after
// since. The read refreshes the buffer's LRU position.
func (s *BufferStore) Events(workOrderID string, since time.Time) []StreamEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf := s.buffers[workOrderID]
	if buf == nil {
		return nil
	}
	buf.lastAccess = time.Now()

	if since.IsZero() {
		out := make([]StreamEvent, len(buf.events))
		copy(out, buf.events)
		return out
	}

	var out []StreamEvent
	for _, e := range buf.events {
		if e.Timestamp.After(since) {
			out = append(out, e)
		}
	}
	return out
}

// Latest returns the newest n events for a work order in
// chronological order.
func (s *BufferStore) Latest(workOrderID string, n int) []StreamEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf := s.buffers[workOrderID]
	if buf == nil || n <= 0 {
		return nil
	}
	buf.lastAccess = time.Now()

	events := buf.events
	if len(events) > n {
		events = events[len(events)-n:]
	}
	out := make([]StreamEvent, len(events))
	copy(out, events)
	return out
}

// Count returns the number of buffered events for a work order.
func (s *BufferStore) Count(workOrderID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if buf := s.buffers[workOrderID]; buf != nil {
		return len(buf.events)
	}
	return 0
}

// TotalCount returns the number of buffered events across all orders.
func (s *BufferStore) TotalCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// Clear removes a work order's buffer.
func (s *BufferStore) Clear(workOrderID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if buf := s.buffers[workOrderID]; buf != nil {
		s.total -= len(buf.events)
		delete(s.buffers, workOrderID)
	}
}

// ClearOlderThan discards events with timestamps before cutoff,
// returning how many were dropped.
func (s *BufferStore) ClearOlderThan(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	dropped := 0
	for id, buf := range s.buffers {
		kept := buf.events[:0]
		for _, e := range buf.events {
			if e.Timestamp.Before(cutoff) {
				dropped++
				continue
			}
			kept = append(kept, e)
		}
		buf.events = kept
		if len(buf.events) == 0 {
			delete(s.buffers, id)
		}
	}
	s.total -= dropped
	return dropped
}

// StartCleanup launches the retention loop, scanning at the given
// interval. A second call is a no-op.
func (s *BufferStore) StartCleanup(interval time.Duration) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	go func() {
		defer close(s.doneCh)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := s.ClearOlderThan(time.Now().Add(-s.retention)); n > 0 {
					s.logger.Debug("retention sweep dropped events", "dropped", n)
				}
			case <-s.stopCh:
				return
			}
		}
	}()
}

// StopCleanup halts the retention loop. Idempotent.
func (s *BufferStore) StopCleanup() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	stopCh, doneCh := s.stopCh, s.doneCh
	s.mu.Unlock()

	close(stopCh)
	<-doneCh
}
