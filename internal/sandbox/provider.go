// Package sandbox provisions isolated workspaces for agent execution.
// A sandbox is a directory prepared from the work order's workspace
// source (a copy of a local tree, a fresh clone, or an instantiated
// template) and destroyed when its run reaches a terminal state.
package sandbox

import (
	"context"
	"time"

	"github.com/agentgate/agentgate/internal/order"
)

// Sandbox is the handle for a provisioned workspace.
type Sandbox struct {
	ID          string           `json:"id"`
	WorkOrderID string           `json:"workOrderId"`
	Dir         string           `json:"dir"`
	Source      order.SourceType `json:"source"`
	CreatedAt   time.Time        `json:"createdAt"`
}

// Provider creates and destroys sandboxes.
//
// Destroy must be idempotent and safe to call while a command is still
// executing inside the sandbox: tearing the directory out from under a
// running process is how cancellation is implemented, and the engine
// destroys on every exit path including panics.
type Provider interface {
	Create(ctx context.Context, wo *order.WorkOrder) (*Sandbox, error)
	Destroy(ctx context.Context, sb *Sandbox) error
}
