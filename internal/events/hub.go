package events

import (
	"log/slog"
	"sync"
	"time"
)

// Hub is the single entry point for emitting stream events. It stamps
// each event with a per-work-order sequence number, records it in the
// catch-up buffer, and pushes it through the rate limiter to the
// publisher. Control events (pong, subscription acknowledgements) skip
// both the buffer and the limiter.
type Hub struct {
	buffer    *BufferStore
	limiter   *Limiter
	publisher Publisher
	logger    *slog.Logger

	mu   sync.Mutex
	seqs map[string]int64
}

// HubConfig carries the tunables the hub needs from the events
// section of the server configuration.
type HubConfig struct {
	MaxPerWorkOrder int
	MaxTotal        int
	Retention       time.Duration
	MaxPerSecond    int
	CleanupInterval time.Duration
}

// NewHub wires a buffer store and rate limiter in front of the given
// publisher and starts their background loops.
func NewHub(cfg HubConfig, publisher Publisher, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	h := &Hub{
		buffer:    NewBufferStore(cfg.MaxPerWorkOrder, cfg.MaxTotal, cfg.Retention, logger),
		publisher: publisher,
		logger:    logger,
		seqs:      make(map[string]int64),
	}
	h.limiter = NewLimiter(cfg.MaxPerSecond, publisher.Publish, logger)
	h.buffer.StartCleanup(cfg.CleanupInterval)
	return h
}

// Emit stamps and routes one event.
func (h *Hub) Emit(e StreamEvent) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.WorkOrderID != "" {
		h.mu.Lock()
		h.seqs[e.WorkOrderID]++
		e.Seq = h.seqs[e.WorkOrderID]
		h.mu.Unlock()
	}

	if isControl(e.Type) {
		h.publisher.Publish(e)
		return
	}

	h.buffer.Add(e)
	h.limiter.Submit(e)
}

// CatchUp returns the newest n buffered events for a work order in
// chronological order, for replay to a fresh subscriber.
func (h *Hub) CatchUp(workOrderID string, n int) []StreamEvent {
	return h.buffer.Latest(workOrderID, n)
}

// EventsSince returns buffered events for a work order newer than
// since. A zero since returns the whole buffer.
func (h *Hub) EventsSince(workOrderID string, since time.Time) []StreamEvent {
	return h.buffer.Events(workOrderID, since)
}

// BufferedCount returns how many events are buffered for a work order.
func (h *Hub) BufferedCount(workOrderID string) int {
	return h.buffer.Count(workOrderID)
}

// TotalBuffered returns the number of buffered events across all work
// orders.
func (h *Hub) TotalBuffered() int {
	return h.buffer.TotalCount()
}

// ClearWorkOrder drops buffered events for a work order, typically
// after it is deleted.
func (h *Hub) ClearWorkOrder(workOrderID string) {
	h.buffer.Clear(workOrderID)
	h.mu.Lock()
	delete(h.seqs, workOrderID)
	h.mu.Unlock()
}

// Subscribe registers a channel for a work order's events. Use
// GlobalID to receive everything.
func (h *Hub) Subscribe(workOrderID string) <-chan StreamEvent {
	return h.publisher.Subscribe(workOrderID)
}

// Unsubscribe removes a previously registered channel.
func (h *Hub) Unsubscribe(workOrderID string, ch <-chan StreamEvent) {
	h.publisher.Unsubscribe(workOrderID, ch)
}

// Close flushes the limiter, stops background loops, and closes the
// publisher.
func (h *Hub) Close() {
	h.limiter.Close()
	h.buffer.StopCleanup()
	h.publisher.Close()
}
