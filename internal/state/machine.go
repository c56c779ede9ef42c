// Package state implements the per-work-order lifecycle state machine.
//
// States flow pending → preparing → running → a terminal state, with
// waiting_retry looping back to pending when the retry timer fires.
// Every accepted transition is recorded in the audit log; every
// rejection raises an invalid-transition error without mutating the
// work order.
package state

import (
	"time"

	"github.com/agentgate/agentgate/internal/audit"
	gateerrors "github.com/agentgate/agentgate/internal/errors"
	"github.com/agentgate/agentgate/internal/order"
)

// LifecycleEvent names the inputs the machine accepts.
type LifecycleEvent string

const (
	EventClaim    LifecycleEvent = "claim"
	EventReady    LifecycleEvent = "ready"
	EventComplete LifecycleEvent = "complete"
	EventFail     LifecycleEvent = "fail"
	EventCancel   LifecycleEvent = "cancel"
	EventRetryDue LifecycleEvent = "retryDue"
)

// transitions maps (state, event) to the successor state. fail and
// cancel are handled in Apply because their successors depend on
// context, but they are listed here for allowed-set checks.
var transitions = map[order.Status]map[LifecycleEvent]order.Status{
	order.StatusPending: {
		EventClaim:  order.StatusPreparing,
		EventFail:   order.StatusFailed,
		EventCancel: order.StatusCanceled,
	},
	order.StatusPreparing: {
		EventReady:  order.StatusRunning,
		EventFail:   order.StatusFailed,
		EventCancel: order.StatusCanceled,
	},
	order.StatusRunning: {
		EventComplete: order.StatusCompleted,
		EventFail:     order.StatusFailed,
		EventCancel:   order.StatusCanceled,
	},
	order.StatusWaitingRetry: {
		EventRetryDue: order.StatusPending,
		EventFail:     order.StatusFailed,
		EventCancel:   order.StatusCanceled,
	},
}

// Allowed reports whether event is in the allowed set for status.
func Allowed(status order.Status, event LifecycleEvent) bool {
	_, ok := transitions[status][event]
	return ok
}

// FailureContext carries what Apply needs to decide between
// waiting_retry and failed on a fail event.
type FailureContext struct {
	// Code is the classified error code.
	Code gateerrors.Code
	// Message is the human-readable failure description.
	Message string
	// Details is the full failure payload recorded in the audit log.
	Details map[string]any
	// UnderRetryBudget is true when retryCount < maxRetries.
	UnderRetryBudget bool
}

// Machine validates and applies lifecycle events, recording each
// outcome in the audit log.
type Machine struct {
	log *audit.Log
}

// NewMachine creates a state machine that records into log.
func NewMachine(log *audit.Log) *Machine {
	return &Machine{log: log}
}

// Apply runs one lifecycle event against the work order, mutating it
// on success. On a rejected event the work order is untouched and an
// invalid-transition error is returned.
//
// failure may be nil except for EventFail, where it decides between
// waiting_retry and failed and supplies the audit detail.
func (m *Machine) Apply(wo *order.WorkOrder, event LifecycleEvent, failure *FailureContext) error {
	next, ok := transitions[wo.Status][event]
	if !ok {
		err := gateerrors.ErrInvalidTransition(string(wo.Status), string(event))
		m.log.RecordRejected(wo.ID, string(wo.Status), string(event), err.What)
		return err
	}

	from := wo.Status
	details := map[string]any(nil)

	switch event {
	case EventFail:
		if failure == nil {
			failure = &FailureContext{
				Code:    gateerrors.CodeUnknown,
				Message: "failure without context",
			}
		}
		retryable := gateerrors.IsRetryable(failure.Code)
		if retryable && failure.UnderRetryBudget {
			next = order.StatusWaitingRetry
		} else {
			next = order.StatusFailed
		}
		details = failure.Details
		if details == nil {
			details = map[string]any{}
		}
		details["code"] = string(failure.Code)
		details["message"] = failure.Message
		details["retryable"] = retryable

		if next == order.StatusFailed {
			wo.Error = &order.TerminalError{
				Code:    string(failure.Code),
				Message: failure.Message,
				Details: details,
			}
		}

	case EventCancel:
		if failure != nil {
			details = failure.Details
			if details == nil {
				details = map[string]any{}
			}
			details["message"] = failure.Message
		}

	case EventRetryDue:
		// Clears the terminal error left by earlier attempts.
		wo.Error = nil
	}

	now := time.Now().UTC()
	wo.Status = next
	wo.LastActivityAt = now
	if next.IsTerminal() {
		wo.CompletedAt = &now
	}

	m.log.RecordTransition(wo.ID, string(from), string(next), string(event), details)
	return nil
}

// TerminalResult maps a terminal status plus error code to the result
// reported on the run record.
func TerminalResult(status order.Status, code gateerrors.Code) order.RunResult {
	switch status {
	case order.StatusCompleted:
		return order.ResultPassed
	case order.StatusCanceled:
		return order.ResultCanceled
	case order.StatusFailed:
		switch code {
		case gateerrors.CodeTimeout:
			return order.ResultFailedTimeout
		case gateerrors.CodeTypecheckFailed, gateerrors.CodeLintFailed,
			gateerrors.CodeTestFailed, gateerrors.CodeBlackboxFailed,
			gateerrors.CodeCIFailed:
			return order.ResultFailedVerification
		default:
			return order.ResultFailedError
		}
	default:
		return ""
	}
}
