// Package agent invokes coding-agent CLIs inside a prepared workspace
// and parses their streaming JSON output into a uniform result. One
// driver exists per supported agent type; all of them run the agent as
// a subprocess bounded by the caller's context.
package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/agentgate/agentgate/internal/config"
	gateerrors "github.com/agentgate/agentgate/internal/errors"
	"github.com/agentgate/agentgate/internal/order"
)

// Request describes one agent invocation.
type Request struct {
	// Dir is the workspace directory the agent operates on.
	Dir string
	// Prompt is the task text, including any feedback from prior
	// iterations.
	Prompt string
	// SessionID resumes a prior conversation when non-empty.
	SessionID string
	// Model optionally overrides the agent's default model.
	Model string
	// Callbacks receive live stream notifications. Any of them may be
	// nil.
	Callbacks Callbacks
}

// Callbacks carries the optional streaming hooks.
type Callbacks struct {
	OnOutput     func(text string)
	OnToolCall   func(tool, input string)
	OnToolResult func(tool, output string, isError bool)
}

func (c Callbacks) output(text string) {
	if c.OnOutput != nil && text != "" {
		c.OnOutput(text)
	}
}

func (c Callbacks) toolCall(tool, input string) {
	if c.OnToolCall != nil {
		c.OnToolCall(tool, input)
	}
}

func (c Callbacks) toolResult(tool, output string, isError bool) {
	if c.OnToolResult != nil {
		c.OnToolResult(tool, output, isError)
	}
}

// Result is the parsed outcome of one agent invocation. ExitCode and
// Success drive the build-phase classification; the rest is telemetry
// persisted with the run.
type Result struct {
	ExitCode   int
	Success    bool
	SessionID  string
	FinalText  string
	StdoutTail string
	StderrTail string
	NumTurns   int
	CostUSD    float64
	Tokens     order.TokenUsage
	Duration   time.Duration
	TimedOut   bool
	Canceled   bool
}

// Driver runs one agent type.
type Driver interface {
	// Name returns the agent type this driver serves.
	Name() order.AgentType
	// Run executes the agent in req.Dir and blocks until it exits or
	// ctx ends. A non-nil error means the invocation could not start
	// or be observed; agent-reported failure is expressed through the
	// Result instead.
	Run(ctx context.Context, req Request) (*Result, error)
}

// Registry resolves drivers by agent type.
type Registry struct {
	drivers map[order.AgentType]Driver
}

// NewRegistry builds the default driver set from the configured binary
// paths.
func NewRegistry(cfg config.AgentsConfig, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{drivers: map[order.AgentType]Driver{
		order.AgentClaudeCode:  NewClaudeDriver(cfg.ClaudePath, logger),
		order.AgentOpenAICodex: NewCodexDriver(cfg.CodexPath, logger),
		order.AgentOpenCode:    NewOpencodeDriver(cfg.OpencodePath, logger),
	}}
}

// Register adds or replaces a driver.
func (r *Registry) Register(d Driver) {
	r.drivers[d.Name()] = d
}

// Driver returns the driver for an agent type.
func (r *Registry) Driver(t order.AgentType) (Driver, error) {
	d, ok := r.drivers[t]
	if !ok {
		return nil, gateerrors.ErrInvalidWorkOrder("unknown agentType " + string(t))
	}
	return d, nil
}

// tailBuffer keeps the last max bytes written to it. Used to bound the
// stdout/stderr captured into results.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

const defaultTailBytes = 8 * 1024

func newTailBuffer(max int) *tailBuffer {
	if max <= 0 {
		max = defaultTailBytes
	}
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
