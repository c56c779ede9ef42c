// Package audit records every lifecycle decision the server makes
// about a work order: accepted transitions, rejected transitions,
// retry scheduling, and resource warnings.
//
// The log is append-only and bounded. When the bound is crossed the
// oldest event is evicted and unlinked from the per-work-order index,
// so a long-running server holds at most maxEvents entries however
// many work orders pass through it. An optional SQLite archive keeps
// the full history.
package audit

import (
	"log/slog"
	"sync"
	"time"
)

// EventType classifies audit entries.
type EventType string

const (
	// TypeTransition records an accepted state-machine transition.
	TypeTransition EventType = "transition"
	// TypeTransitionRejected records a rejected lifecycle event.
	TypeTransitionRejected EventType = "transition_rejected"
	// TypeRetryScheduled records a retry being scheduled.
	TypeRetryScheduled EventType = "retry_scheduled"
	// TypeResourcePressure records a memory or slot pressure warning.
	TypeResourcePressure EventType = "resource_pressure"
	// TypeWarning records advisory conditions (unknown skip
	// expressions, stale detection, artifact write failures).
	TypeWarning EventType = "warning"
)

// Event is one audit entry. Seq is unique and strictly increasing for
// the lifetime of the log.
type Event struct {
	Seq         int64          `json:"seq"`
	Timestamp   time.Time      `json:"timestamp"`
	WorkOrderID string         `json:"workOrderId,omitempty"`
	Type        EventType      `json:"type"`
	From        string         `json:"from,omitempty"`
	To          string         `json:"to,omitempty"`
	Event       string         `json:"event,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
}

// failure reports whether the entry represents a failure path: a
// transition into failed or waiting_retry, or a rejected event.
func (e *Event) failure() bool {
	if e.Type == TypeTransitionRejected {
		return true
	}
	return e.Type == TypeTransition && (e.To == "failed" || e.To == "waiting_retry")
}

// Archiver receives every recorded event, typically to persist it
// beyond the in-memory bound.
type Archiver interface {
	Append(e *Event)
}

// Log is a bounded, append-only audit log with a per-work-order index.
type Log struct {
	mu        sync.RWMutex
	maxEvents int
	events    []*Event
	byOrder   map[string][]*Event
	seq       int64
	archiver  Archiver
	logger    *slog.Logger
}

// Option configures a Log.
type Option func(*Log)

// WithArchiver attaches a persistent archive.
func WithArchiver(a Archiver) Option {
	return func(l *Log) { l.archiver = a }
}

// WithLogger sets the slog logger used for backfill warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Log) { l.logger = logger }
}

// NewLog creates a log bounded to maxEvents entries.
func NewLog(maxEvents int, opts ...Option) *Log {
	l := &Log{
		maxEvents: maxEvents,
		byOrder:   make(map[string][]*Event),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Record appends an event, assigning its sequence number and, if
// unset, its timestamp. Failure events are never stored with empty
// details; a placeholder is backfilled and the condition logged.
func (l *Log) Record(e Event) *Event {
	l.mu.Lock()

	l.seq++
	e.Seq = l.seq
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.failure() && len(e.Details) == 0 {
		e.Details = map[string]any{
			"code":       "UNKNOWN",
			"message":    "failure recorded without detail",
			"backfilled": true,
		}
		l.logger.Warn("audit failure event missing details",
			"workOrderId", e.WorkOrderID, "event", e.Event)
	}

	stored := &e
	l.events = append(l.events, stored)
	if e.WorkOrderID != "" {
		l.byOrder[e.WorkOrderID] = append(l.byOrder[e.WorkOrderID], stored)
	}

	for len(l.events) > l.maxEvents {
		l.evictOldestLocked()
	}

	archiver := l.archiver
	l.mu.Unlock()

	if archiver != nil {
		archiver.Append(stored)
	}
	return stored
}

// evictOldestLocked drops the oldest event and unlinks it from the
// per-work-order index.
func (l *Log) evictOldestLocked() {
	oldest := l.events[0]
	l.events = l.events[1:]

	if oldest.WorkOrderID == "" {
		return
	}
	indexed := l.byOrder[oldest.WorkOrderID]
	// Insertion order per work order follows global order, so the
	// evicted event is always at the head of its index slice.
	if len(indexed) > 0 && indexed[0] == oldest {
		indexed = indexed[1:]
	}
	if len(indexed) == 0 {
		delete(l.byOrder, oldest.WorkOrderID)
	} else {
		l.byOrder[oldest.WorkOrderID] = indexed
	}
}

// RecordTransition is a convenience for accepted transitions.
func (l *Log) RecordTransition(workOrderID, from, to, event string, details map[string]any) *Event {
	return l.Record(Event{
		WorkOrderID: workOrderID,
		Type:        TypeTransition,
		From:        from,
		To:          to,
		Event:       event,
		Details:     details,
	})
}

// RecordRejected is a convenience for rejected lifecycle events.
func (l *Log) RecordRejected(workOrderID, state, event, reason string) *Event {
	return l.Record(Event{
		WorkOrderID: workOrderID,
		Type:        TypeTransitionRejected,
		From:        state,
		Event:       event,
		Details:     map[string]any{"reason": reason},
	})
}

// RecordWarning is a convenience for advisory conditions.
func (l *Log) RecordWarning(workOrderID, message string, details map[string]any) *Event {
	if details == nil {
		details = map[string]any{}
	}
	details["message"] = message
	return l.Record(Event{
		WorkOrderID: workOrderID,
		Type:        TypeWarning,
		Details:     details,
	})
}

// Query filters audit entries. Zero values mean "no constraint".
type Query struct {
	WorkOrderID string
	Type        EventType
	Since       time.Time
	Until       time.Time
	// Limit keeps only the newest N matches (a tail).
	Limit int
}

// Query returns matching events in insertion order. With Limit set,
// the tail of the match set is returned, still in insertion order.
func (l *Log) Query(q Query) []*Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	source := l.events
	if q.WorkOrderID != "" {
		source = l.byOrder[q.WorkOrderID]
	}

	var out []*Event
	for _, e := range source {
		if q.Type != "" && e.Type != q.Type {
			continue
		}
		if !q.Since.IsZero() && e.Timestamp.Before(q.Since) {
			continue
		}
		if !q.Until.IsZero() && e.Timestamp.After(q.Until) {
			continue
		}
		out = append(out, e)
	}

	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out
}

// WorkOrderTimeline returns all events for one work order in
// insertion order.
func (l *Log) WorkOrderTimeline(id string) []*Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	indexed := l.byOrder[id]
	out := make([]*Event, len(indexed))
	copy(out, indexed)
	return out
}

// Len returns the number of retained events.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// Clear empties the log and index. The archive, if any, is untouched.
func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = nil
	l.byOrder = make(map[string][]*Event)
}
