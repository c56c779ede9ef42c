package events

import (
	"container/heap"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// batchWindow is how often the pending batch and the overflow queue
// are drained.
const batchWindow = 100 * time.Millisecond

type queueItem struct {
	event      StreamEvent
	priority   Priority
	enqueuedAt time.Time
	order      uint64
}

// eventHeap orders items by priority, then enqueue time, then arrival
// order for a stable tie-break.
type eventHeap []queueItem

func (h eventHeap) Len() int { return len(h) }

func (h eventHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	if !h[i].enqueuedAt.Equal(h[j].enqueuedAt) {
		return h[i].enqueuedAt.Before(h[j].enqueuedAt)
	}
	return h[i].order < h[j].order
}

func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *eventHeap) Push(x any) { *h = append(*h, x.(queueItem)) }

func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Limiter smooths the event stream before it reaches subscribers.
//
// Critical events bypass it entirely. Other events pass through a
// token bucket sized at the configured per-second rate; admitted
// events collect in a batch emitted every 100ms, with consecutive
// agent output chunks for the same run coalesced into one event.
// Events refused by the bucket wait in a bounded priority queue that
// drains a small share of the budget each tick.
type Limiter struct {
	emit   func(StreamEvent)
	bucket *rate.Limiter
	logger *slog.Logger

	maxQueue    int
	drainBudget int

	mu      sync.Mutex
	batch   []StreamEvent
	queue   eventHeap
	nextOrd uint64
	dropped uint64

	stopCh    chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
}

// NewLimiter creates a limiter emitting admitted events through emit
// and starts its batch loop. maxPerSecond sets both the refill rate
// and the bucket capacity.
func NewLimiter(maxPerSecond int, emit func(StreamEvent), logger *slog.Logger) *Limiter {
	l := newLimiter(maxPerSecond, emit, logger)
	go l.run()
	return l
}

// newLimiter builds the limiter without starting the batch loop, so
// tests can drive ticks themselves.
func newLimiter(maxPerSecond int, emit func(StreamEvent), logger *slog.Logger) *Limiter {
	if maxPerSecond < 1 {
		maxPerSecond = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	drain := maxPerSecond / 10
	if drain < 1 {
		drain = 1
	}
	return &Limiter{
		emit:        emit,
		bucket:      rate.NewLimiter(rate.Limit(maxPerSecond), maxPerSecond),
		logger:      logger,
		maxQueue:    maxPerSecond * 10,
		drainBudget: drain,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Submit routes an event through the limiter. Critical events are
// emitted immediately; the rest are batched or queued.
func (l *Limiter) Submit(e StreamEvent) {
	p := EventPriority(e.Type)
	if p == PriorityCritical {
		l.emit(e)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.bucket.Allow() {
		l.batch = append(l.batch, e)
		return
	}
	l.enqueueLocked(e, p)
}

func (l *Limiter) enqueueLocked(e StreamEvent, p Priority) {
	heap.Push(&l.queue, queueItem{
		event:      e,
		priority:   p,
		enqueuedAt: time.Now(),
		order:      l.nextOrd,
	})
	l.nextOrd++

	if len(l.queue) <= l.maxQueue {
		return
	}

	// Over capacity: drop the lowest-priority, most recently queued
	// item so older high-priority work survives.
	worst := 0
	for i := 1; i < len(l.queue); i++ {
		if heapLess(l.queue[worst], l.queue[i]) {
			worst = i
		}
	}
	dropped := l.queue[worst]
	heap.Remove(&l.queue, worst)
	l.dropped++
	l.logger.Warn("event queue full, dropping event",
		"type", dropped.event.Type,
		"workOrderId", dropped.event.WorkOrderID,
		"priority", dropped.priority.String(),
		"totalDropped", l.dropped)
}

// heapLess reports whether a should drain before b.
func heapLess(a, b queueItem) bool {
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	if !a.enqueuedAt.Equal(b.enqueuedAt) {
		return a.enqueuedAt.Before(b.enqueuedAt)
	}
	return a.order < b.order
}

func (l *Limiter) run() {
	defer close(l.doneCh)
	ticker := time.NewTicker(batchWindow)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.tick()
		case <-l.stopCh:
			return
		}
	}
}

// tick emits the pending batch and drains a bounded slice of the
// overflow queue.
func (l *Limiter) tick() {
	l.mu.Lock()
	out := coalesce(l.batch)
	l.batch = nil
	for i := 0; i < l.drainBudget && l.queue.Len() > 0; i++ {
		item := heap.Pop(&l.queue).(queueItem)
		out = append(out, item.event)
	}
	l.mu.Unlock()

	for _, e := range out {
		l.emit(e)
	}
}

// coalesce merges consecutive agent output events that belong to the
// same work order and run, concatenating their output text.
func coalesce(batch []StreamEvent) []StreamEvent {
	if len(batch) < 2 {
		return batch
	}
	out := batch[:0]
	for _, e := range batch {
		if len(out) > 0 {
			last := &out[len(out)-1]
			if e.Type == TypeAgentOutput && last.Type == TypeAgentOutput &&
				e.WorkOrderID == last.WorkOrderID && e.RunID == last.RunID {
				last.Output += e.Output
				continue
			}
		}
		out = append(out, e)
	}
	return out
}

// QueueLen returns the number of queued (not yet batched) events.
func (l *Limiter) QueueLen() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.queue.Len()
}

// Dropped returns how many events have been discarded under queue
// pressure.
func (l *Limiter) Dropped() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

// Flush synchronously emits everything the limiter holds: the pending
// batch and the whole queue, ordered by priority then enqueue time.
// Each held event is emitted exactly once.
func (l *Limiter) Flush() {
	l.mu.Lock()
	items := make(eventHeap, 0, len(l.batch)+l.queue.Len())
	for _, e := range l.batch {
		items = append(items, queueItem{
			event:      e,
			priority:   EventPriority(e.Type),
			enqueuedAt: time.Time{},
			order:      l.nextOrd,
		})
		l.nextOrd++
	}
	items = append(items, l.queue...)
	l.batch = nil
	l.queue = nil
	l.mu.Unlock()

	heap.Init(&items)
	for items.Len() > 0 {
		l.emit(heap.Pop(&items).(queueItem).event)
	}
}

// Close stops the batch loop and flushes remaining events. Safe to
// call more than once.
func (l *Limiter) Close() {
	l.closeOnce.Do(func() {
		close(l.stopCh)
		<-l.doneCh
		l.Flush()
	})
}
