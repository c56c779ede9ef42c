// Package events provides the streaming event types, the pub/sub
// publisher, the per-work-order event buffer, and the priority rate
// limiter that throttles delivery to subscribers.
package events

import (
	"time"
)

// Type tags the stream-event union.
type Type string

const (
	// Lifecycle events.
	TypeWorkOrderCreated Type = "work_order_created"
	TypeWorkOrderUpdated Type = "work_order_updated"
	TypeRunStarted       Type = "run_started"
	TypeRunIteration     Type = "run_iteration"
	TypeRunCompleted     Type = "run_completed"
	TypeRunFailed        Type = "run_failed"
	TypeError            Type = "error"

	// Agent activity events.
	TypeAgentOutput     Type = "agent_output"
	TypeAgentToolCall   Type = "agent_tool_call"
	TypeAgentToolResult Type = "agent_tool_result"
	TypeFileChanged     Type = "file_changed"

	// Connection control frames. Never buffered or rate limited;
	// they exist so the WebSocket layer can reuse the same envelope.
	TypePong                    Type = "pong"
	TypeSubscriptionConfirmed   Type = "subscription_confirmed"
	TypeUnsubscriptionConfirmed Type = "unsubscription_confirmed"
)

// Priority orders delivery when the rate limiter is saturated. Lower
// value wins.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	default:
		return "low"
	}
}

// EventPriority classifies an event type for the rate limiter.
// Errors and lifecycle transitions are critical; tool calls, file
// changes and iteration progress are high; acknowledgements are
// normal; raw agent output is low.
func EventPriority(t Type) Priority {
	switch t {
	case TypeError, TypeRunFailed, TypeRunCompleted, TypeRunStarted,
		TypeWorkOrderCreated, TypeWorkOrderUpdated:
		return PriorityCritical
	case TypeAgentToolCall, TypeAgentToolResult, TypeFileChanged, TypeRunIteration:
		return PriorityHigh
	case TypePong, TypeSubscriptionConfirmed, TypeUnsubscriptionConfirmed:
		return PriorityNormal
	case TypeAgentOutput:
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// isControl reports whether an event is a connection control frame.
func isControl(t Type) bool {
	switch t {
	case TypePong, TypeSubscriptionConfirmed, TypeUnsubscriptionConfirmed:
		return true
	}
	return false
}

// StreamEvent is the wire envelope delivered to subscribers. Seq is
// assigned by the hub and is strictly increasing per work order, so
// clients can deduplicate after reconnect.
type StreamEvent struct {
	Type        Type      `json:"type"`
	Seq         int64     `json:"seq,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	WorkOrderID string    `json:"workOrderId,omitempty"`
	RunID       string    `json:"runId,omitempty"`
	Iteration   int       `json:"iteration,omitempty"`

	// Output carries agent stdout chunks; consecutive chunks for the
	// same work order and run may be coalesced in transit.
	Output string `json:"output,omitempty"`

	// Data carries the variant payload for everything else.
	Data map[string]any `json:"data,omitempty"`
}

// New creates an event with the current timestamp.
func New(t Type, workOrderID string) StreamEvent {
	return StreamEvent{
		Type:        t,
		Timestamp:   time.Now().UTC(),
		WorkOrderID: workOrderID,
	}
}

// NewRunEvent creates an event scoped to a run.
func NewRunEvent(t Type, workOrderID, runID string, iteration int) StreamEvent {
	e := New(t, workOrderID)
	e.RunID = runID
	e.Iteration = iteration
	return e
}
