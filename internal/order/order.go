// Package order defines the work-order data model: the persistent request
// record, its lifecycle statuses, and the run/iteration/snapshot records
// produced while satisfying it.
package order

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	gateerrors "github.com/agentgate/agentgate/internal/errors"
)

// Status represents the lifecycle state of a work order.
type Status string

const (
	StatusPending      Status = "pending"
	StatusPreparing    Status = "preparing"
	StatusRunning      Status = "running"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusWaitingRetry Status = "waiting_retry"
	StatusCanceled     Status = "canceled"
)

// AllStatuses lists every valid status, in lifecycle order.
var AllStatuses = []Status{
	StatusPending,
	StatusPreparing,
	StatusRunning,
	StatusCompleted,
	StatusFailed,
	StatusWaitingRetry,
	StatusCanceled,
}

// IsTerminal reports whether the status is a terminal state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// ParseStatus converts a string into a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown status %q", s)
	}
	return st, nil
}

// AgentType identifies which agent driver executes the work order.
type AgentType string

const (
	AgentClaudeCode  AgentType = "claude-code-subscription"
	AgentOpenAICodex AgentType = "openai-codex"
	AgentOpenCode    AgentType = "opencode"
)

// DefaultAgentType is used when a work order does not name an agent.
const DefaultAgentType = AgentClaudeCode

// Valid reports whether the agent type is a known driver name.
func (a AgentType) Valid() bool {
	switch a {
	case AgentClaudeCode, AgentOpenAICodex, AgentOpenCode:
		return true
	}
	return false
}

// SourceType discriminates the workspace source variants.
type SourceType string

const (
	SourceLocal     SourceType = "local"
	SourceGitHub    SourceType = "github"
	SourceGitHubNew SourceType = "github-new"
)

// WorkspaceSource describes where the agent's workspace comes from.
// Exactly one variant is populated, selected by Type.
type WorkspaceSource struct {
	Type SourceType `json:"type"`

	// local
	Path string `json:"path,omitempty"`

	// github (clone an existing repository)
	Owner string `json:"owner,omitempty"`
	Repo  string `json:"repo,omitempty"`
	Ref   string `json:"ref,omitempty"`

	// github-new (create a fresh repository, optionally from a template)
	RepoName string `json:"repoName,omitempty"`
	Private  bool   `json:"private,omitempty"`
	Template string `json:"template,omitempty"`
}

// Validate checks the variant fields required by the source type.
func (ws WorkspaceSource) Validate() error {
	switch ws.Type {
	case SourceLocal:
		if ws.Path == "" {
			return fmt.Errorf("local source requires path")
		}
	case SourceGitHub:
		if ws.Owner == "" || ws.Repo == "" {
			return fmt.Errorf("github source requires owner and repo")
		}
	case SourceGitHubNew:
		if ws.Owner == "" || ws.RepoName == "" {
			return fmt.Errorf("github-new source requires owner and repoName")
		}
	default:
		return fmt.Errorf("unknown workspace source type %q", ws.Type)
	}
	return nil
}

// TerminalError is the error recorded on a work order that reached a
// failure path. It mirrors the first failing audit event and is never
// empty on FAILED or CANCELED records.
type TerminalError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// WorkOrder is a persistent request asking the agent to modify a
// workspace until verification gates pass.
type WorkOrder struct {
	ID                  string          `json:"id"`
	TaskPrompt          string          `json:"taskPrompt"`
	WorkspaceSource     WorkspaceSource `json:"workspaceSource"`
	AgentType           AgentType       `json:"agentType"`
	Status              Status          `json:"status"`
	Priority            int             `json:"priority,omitempty"`
	MaxIterations       int             `json:"maxIterations"`
	MaxWallClockSeconds int             `json:"maxWallClockSeconds"`
	CreatedAt           time.Time       `json:"createdAt"`
	LastActivityAt      time.Time       `json:"lastActivityAt"`

	// Tree spawning: children reference their parent by id only.
	ParentID string `json:"parentId,omitempty"`
	RootID   string `json:"rootId,omitempty"`
	Depth    int    `json:"depth,omitempty"`

	// Retry bookkeeping.
	RetryCount int `json:"retryCount,omitempty"`

	// Publish opens a pull request after a passed run (VCS sources only).
	Publish bool `json:"publish,omitempty"`

	// Populated on completion.
	RunID       string         `json:"runId,omitempty"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
	Error       *TerminalError `json:"error,omitempty"`
}

// Limits from the create contract.
const (
	MinTaskPromptLen     = 10
	MinIterationLimit    = 1
	MaxIterationLimit    = 10
	DefaultMaxIterations = 3
	MinWallClockSecs     = 60
	MaxWallClockSecs     = 3600
	DefaultWallClockSecs = 1800
)

// CreateParams carries everything needed to construct a work order.
// Zero-valued optional fields receive defaults.
type CreateParams struct {
	TaskPrompt          string
	WorkspaceSource     WorkspaceSource
	AgentType           AgentType
	Priority            int
	MaxIterations       int
	MaxWallClockSeconds int
	ParentID            string
	RootID              string
	Depth               int
	Publish             bool
}

// New constructs and validates a work order in PENDING.
func New(p CreateParams) (*WorkOrder, error) {
	if p.AgentType == "" {
		p.AgentType = DefaultAgentType
	}
	if p.MaxIterations == 0 {
		p.MaxIterations = DefaultMaxIterations
	}
	if p.MaxWallClockSeconds == 0 {
		p.MaxWallClockSeconds = DefaultWallClockSecs
	}

	now := time.Now().UTC()
	wo := &WorkOrder{
		ID:                  uuid.NewString(),
		TaskPrompt:          p.TaskPrompt,
		WorkspaceSource:     p.WorkspaceSource,
		AgentType:           p.AgentType,
		Status:              StatusPending,
		Priority:            p.Priority,
		MaxIterations:       p.MaxIterations,
		MaxWallClockSeconds: p.MaxWallClockSeconds,
		CreatedAt:           now,
		LastActivityAt:      now,
		ParentID:            p.ParentID,
		RootID:              p.RootID,
		Depth:               p.Depth,
		Publish:             p.Publish,
	}
	if err := wo.Validate(); err != nil {
		return nil, err
	}
	return wo, nil
}

// Validate checks the invariants of a work order record.
func (w *WorkOrder) Validate() error {
	if w.ID == "" {
		return gateerrors.ErrInvalidWorkOrder("id must not be empty")
	}
	if len(w.TaskPrompt) < MinTaskPromptLen {
		return gateerrors.ErrInvalidWorkOrder(
			fmt.Sprintf("taskPrompt must be at least %d characters", MinTaskPromptLen))
	}
	if err := w.WorkspaceSource.Validate(); err != nil {
		return gateerrors.ErrInvalidWorkOrder(err.Error())
	}
	if !w.AgentType.Valid() {
		return gateerrors.ErrInvalidWorkOrder(fmt.Sprintf("unknown agentType %q", w.AgentType))
	}
	if !w.Status.Valid() {
		return gateerrors.ErrInvalidWorkOrder(fmt.Sprintf("unknown status %q", w.Status))
	}
	if w.MaxIterations < MinIterationLimit || w.MaxIterations > MaxIterationLimit {
		return gateerrors.ErrInvalidWorkOrder(
			fmt.Sprintf("maxIterations must be between %d and %d", MinIterationLimit, MaxIterationLimit))
	}
	if w.MaxWallClockSeconds < MinWallClockSecs || w.MaxWallClockSeconds > MaxWallClockSecs {
		return gateerrors.ErrInvalidWorkOrder(
			fmt.Sprintf("maxWallClockSeconds must be between %d and %d", MinWallClockSecs, MaxWallClockSecs))
	}
	if w.ParentID != "" && w.ParentID == w.ID {
		return gateerrors.ErrInvalidWorkOrder("a work order cannot be its own parent")
	}
	return nil
}

// WallClockBudget returns the run's wall-clock limit as a duration.
func (w *WorkOrder) WallClockBudget() time.Duration {
	return time.Duration(w.MaxWallClockSeconds) * time.Second
}

// Touch updates the activity timestamp used by stale detection.
func (w *WorkOrder) Touch() {
	w.LastActivityAt = time.Now().UTC()
}
