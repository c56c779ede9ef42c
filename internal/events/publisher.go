package events

import (
	"sync"
)

// GlobalID is the special work-order ID for subscribing to all events.
const GlobalID = "*"

// Publisher fan-outs stream events to subscribers.
type Publisher interface {
	// Publish sends an event to subscribers of its work order and to
	// global subscribers.
	Publish(event StreamEvent)
	// Subscribe returns a channel receiving events for the work
	// order. Use GlobalID to receive everything.
	Subscribe(workOrderID string) <-chan StreamEvent
	// Unsubscribe removes and closes a subscription channel.
	Unsubscribe(workOrderID string, ch <-chan StreamEvent)
	// Close shuts down the publisher and all subscriptions.
	Close()
}

// MemoryPublisher is the in-process Publisher. Delivery is
// non-blocking: a subscriber that stops draining loses events rather
// than stalling the emitter.
type MemoryPublisher struct {
	mu          sync.RWMutex
	subscribers map[string][]chan StreamEvent
	bufferSize  int
	closed      bool
}

// PublisherOption configures a MemoryPublisher.
type PublisherOption func(*MemoryPublisher)

// WithBufferSize sets the per-subscriber channel buffer.
func WithBufferSize(size int) PublisherOption {
	return func(p *MemoryPublisher) { p.bufferSize = size }
}

// NewMemoryPublisher creates an in-memory publisher.
func NewMemoryPublisher(opts ...PublisherOption) *MemoryPublisher {
	p := &MemoryPublisher{
		subscribers: make(map[string][]chan StreamEvent),
		bufferSize:  100,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish delivers to work-order and global subscribers, skipping any
// whose buffer is full.
func (p *MemoryPublisher) Publish(event StreamEvent) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return
	}

	for _, ch := range p.subscribers[event.WorkOrderID] {
		select {
		case ch <- event:
		default:
		}
	}

	if event.WorkOrderID != GlobalID {
		for _, ch := range p.subscribers[GlobalID] {
			select {
			case ch <- event:
			default:
			}
		}
	}
}

// Subscribe registers a new subscription channel.
func (p *MemoryPublisher) Subscribe(workOrderID string) <-chan StreamEvent {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		ch := make(chan StreamEvent)
		close(ch)
		return ch
	}

	ch := make(chan StreamEvent, p.bufferSize)
	p.subscribers[workOrderID] = append(p.subscribers[workOrderID], ch)
	return ch
}

// Unsubscribe removes and closes the channel.
func (p *MemoryPublisher) Unsubscribe(workOrderID string, ch <-chan StreamEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	subs := p.subscribers[workOrderID]
	for i, sub := range subs {
		if sub == ch {
			p.subscribers[workOrderID] = append(subs[:i], subs[i+1:]...)
			close(sub)
			break
		}
	}
	if len(p.subscribers[workOrderID]) == 0 {
		delete(p.subscribers, workOrderID)
	}
}

// Close closes every subscription channel.
func (p *MemoryPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true

	for id, subs := range p.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(p.subscribers, id)
	}
}

// SubscriberCount returns the number of subscribers for a work order.
func (p *MemoryPublisher) SubscriberCount(workOrderID string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.subscribers[workOrderID])
}

// NopPublisher discards everything. Used by tests and the CLI paths
// that do not stream.
type NopPublisher struct{}

func (NopPublisher) Publish(StreamEvent) {}

func (NopPublisher) Subscribe(string) <-chan StreamEvent {
	ch := make(chan StreamEvent)
	close(ch)
	return ch
}

func (NopPublisher) Unsubscribe(string, <-chan StreamEvent) {}

func (NopPublisher) Close() {}
