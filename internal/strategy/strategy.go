// Package strategy decides whether an execution loop keeps iterating.
// Strategies are pluggable: fixed, hybrid, and convergence ship built
// in, and custom implementations register under their own name.
package strategy

import (
	"fmt"
	"sync"

	"github.com/agentgate/agentgate/internal/order"
)

// Completion signals a fixed strategy can enable.
const (
	SignalVerificationPass = "verification_pass"
	SignalNoChanges        = "no_changes"
	SignalLoopDetection    = "loop_detection"
	SignalCIPass           = "ci_pass"
)

// LoopConfidenceThreshold is the minimum loop-detection confidence
// that triggers the loop_detection completion signal.
const LoopConfidenceThreshold = 0.8

// Kind discriminates loop decisions.
type Kind string

const (
	KindContinue Kind = "continue"
	KindStop     Kind = "stop"
	KindPause    Kind = "pause"
)

// Decision is a strategy's verdict after an iteration.
type Decision struct {
	Kind   Kind   `json:"kind"`
	Reason string `json:"reason,omitempty"`
}

// Continue keeps the loop running.
func Continue() Decision { return Decision{Kind: KindContinue} }

// Stop ends the loop with a reason.
func Stop(reason string) Decision { return Decision{Kind: KindStop, Reason: reason} }

// Pause suspends the loop; the engine maps this to a cancellation with
// reason "paused".
func Pause() Decision { return Decision{Kind: KindPause, Reason: "paused"} }

// IterationOutcome summarises one completed iteration for strategy
// consumption.
type IterationOutcome struct {
	Index              int              `json:"index"`
	FilesChanged       int              `json:"filesChanged"`
	Insertions         int              `json:"insertions"`
	Deletions          int              `json:"deletions"`
	VerificationPassed *bool            `json:"verificationPassed,omitempty"`
	FailedChecks       int              `json:"failedChecks"`
	Transition         order.Transition `json:"transition,omitempty"`

	// Fingerprint is a stable text rendering of the outcome used for
	// similarity and repetition detection.
	Fingerprint string `json:"fingerprint"`
}

// Context is the read-only view a strategy sees. The engine rebuilds
// it after every iteration.
type Context struct {
	WorkOrderID   string
	RunID         string
	Iteration     int // 1-based, the iteration just completed
	MaxIterations int

	VerificationPassed *bool
	Snapshot           *order.Snapshot
	CIPassed           *bool

	History []IterationOutcome
}

// LoopDetection reports whether recent iterations repeat themselves.
type LoopDetection struct {
	Detected   bool    `json:"detected"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason,omitempty"`
}

// Config selects and parameterises a strategy. Zero values take the
// variant's defaults at Initialize.
type Config struct {
	Name string `json:"name" yaml:"name"`

	// fixed
	CompletionSignals []string `json:"completionSignals,omitempty" yaml:"completionSignals,omitempty"`

	// hybrid
	BaseIterations    int     `json:"baseIterations,omitempty" yaml:"baseIterations,omitempty"`
	BonusIterations   int     `json:"bonusIterations,omitempty" yaml:"bonusIterations,omitempty"`
	ProgressThreshold float64 `json:"progressThreshold,omitempty" yaml:"progressThreshold,omitempty"`

	// convergence
	WindowSize           int     `json:"windowSize,omitempty" yaml:"windowSize,omitempty"`
	ConvergenceThreshold float64 `json:"convergenceThreshold,omitempty" yaml:"convergenceThreshold,omitempty"`
	MinIterations        int     `json:"minIterations,omitempty" yaml:"minIterations,omitempty"`

	// custom names the registered implementation to delegate to.
	Custom string `json:"custom,omitempty" yaml:"custom,omitempty"`
}

// Strategy is the full capability set every loop strategy implements.
type Strategy interface {
	Name() string
	Initialize(cfg Config) error
	OnLoopStart(ctx *Context)
	OnIterationStart(ctx *Context)
	ShouldContinue(ctx *Context) Decision
	OnIterationEnd(ctx *Context, d Decision)
	OnLoopEnd(ctx *Context, final Decision)
	Progress(ctx *Context) float64
	DetectLoop(ctx *Context) LoopDetection
	Reset()
}

// Factory constructs a fresh strategy instance per run.
type Factory func() Strategy

// Registry resolves strategy configurations to instances. The three
// built-in variants are registered on construction.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates a registry with fixed, hybrid, and convergence
// registered.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register("fixed", func() Strategy { return &Fixed{} })
	r.Register("hybrid", func() Strategy { return &Hybrid{} })
	r.Register("convergence", func() Strategy { return &Convergence{} })
	return r
}

// Register adds a named strategy factory. Later registrations replace
// earlier ones.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Resolve instantiates and initializes the strategy cfg names.
// "custom" delegates to the implementation registered under
// cfg.Custom; a missing delegate or a failing Initialize is fatal for
// the run.
func (r *Registry) Resolve(cfg Config) (Strategy, error) {
	name := cfg.Name
	if name == "" {
		name = "fixed"
	}
	if name == "custom" {
		if cfg.Custom == "" {
			return nil, fmt.Errorf("custom strategy requires a delegate name")
		}
		name = cfg.Custom
	}

	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q", name)
	}

	s := factory()
	if err := s.Initialize(cfg); err != nil {
		return nil, fmt.Errorf("initialize strategy %q: %w", name, err)
	}
	return s, nil
}

// Names lists the registered strategy names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	return names
}
