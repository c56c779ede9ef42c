// Package gate evaluates ordered verification checkpoints against a
// run's latest snapshot and verification report. The pipeline decides
// whether an iteration's result is acceptable, and when it is not,
// produces the feedback the next Build phase consumes.
package gate

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agentgate/agentgate/internal/order"
)

// CheckType discriminates gate check variants.
type CheckType string

const (
	CheckVerificationLevels CheckType = "verification-levels"
	CheckCIPoll             CheckType = "ci-poll"
	CheckCustomCommand      CheckType = "custom-command"
	CheckApproval           CheckType = "approval"
	CheckConvergence        CheckType = "convergence"
)

// FailureAction selects what happens when a gate fails.
type FailureAction string

const (
	ActionIterate  FailureAction = "iterate"
	ActionStop     FailureAction = "stop"
	ActionEscalate FailureAction = "escalate"
)

// SuccessAction selects what happens when a gate passes.
type SuccessAction string

const (
	SuccessContinue      SuccessAction = "continue"
	SuccessSkipRemaining SuccessAction = "skip-remaining"
)

// ConditionType selects when a gate runs at all.
type ConditionType string

const (
	ConditionAlways   ConditionType = "always"
	ConditionOnChange ConditionType = "on-change"
	ConditionManual   ConditionType = "manual"
)

// FeedbackMode controls how much detail failure feedback carries.
type FeedbackMode string

const (
	FeedbackFull    FeedbackMode = "full"
	FeedbackSummary FeedbackMode = "summary"
)

// OnFailure is a gate's failure policy.
type OnFailure struct {
	Action       FailureAction `json:"action" yaml:"action"`
	MaxAttempts  int           `json:"maxAttempts,omitempty" yaml:"maxAttempts,omitempty"`
	FeedbackMode FeedbackMode  `json:"feedbackMode,omitempty" yaml:"feedbackMode,omitempty"`
	BackoffMs    int           `json:"backoffMs,omitempty" yaml:"backoffMs,omitempty"`
}

// OnSuccess is a gate's success policy.
type OnSuccess struct {
	Action SuccessAction `json:"action" yaml:"action"`
}

// Condition controls whether a gate is evaluated.
type Condition struct {
	Type ConditionType `json:"type,omitempty" yaml:"type,omitempty"`

	// SkipIf is an expression over prior results. Supported forms:
	// `gate.<name>.passed` and `iteration <op> <int>` with
	// op ∈ {<, >, <=, >=, ==}. Unknown expressions evaluate to false
	// and surface an audit warning.
	SkipIf string `json:"skipIf,omitempty" yaml:"skipIf,omitempty"`
}

// Gate is one ordered checkpoint in a plan.
type Gate struct {
	Name  string    `json:"name" yaml:"name"`
	Check CheckType `json:"check" yaml:"check"`

	// verification-levels: restrict to a subset of levels (all when
	// empty).
	Levels []order.VerificationLevel `json:"levels,omitempty" yaml:"levels,omitempty"`

	// custom-command
	Command   string `json:"command,omitempty" yaml:"command,omitempty"`
	TimeoutMs int    `json:"timeoutMs,omitempty" yaml:"timeoutMs,omitempty"`

	// ci-poll
	PollIntervalMs int `json:"pollIntervalMs,omitempty" yaml:"pollIntervalMs,omitempty"`
	PollBudgetMs   int `json:"pollBudgetMs,omitempty" yaml:"pollBudgetMs,omitempty"`

	// convergence
	WindowSize           int     `json:"windowSize,omitempty" yaml:"windowSize,omitempty"`
	ConvergenceThreshold float64 `json:"convergenceThreshold,omitempty" yaml:"convergenceThreshold,omitempty"`

	OnFailure *OnFailure `json:"onFailure,omitempty" yaml:"onFailure,omitempty"`
	OnSuccess *OnSuccess `json:"onSuccess,omitempty" yaml:"onSuccess,omitempty"`
	Condition *Condition `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// FailureActionOrDefault returns the failure action, defaulting to
// iterate.
func (g Gate) FailureActionOrDefault() FailureAction {
	if g.OnFailure == nil || g.OnFailure.Action == "" {
		return ActionIterate
	}
	return g.OnFailure.Action
}

// Backoff returns the failure backoff, zero when unset.
func (g Gate) Backoff() time.Duration {
	if g.OnFailure == nil {
		return 0
	}
	return time.Duration(g.OnFailure.BackoffMs) * time.Millisecond
}

func (g Gate) feedbackMode() FeedbackMode {
	if g.OnFailure == nil || g.OnFailure.FeedbackMode == "" {
		return FeedbackFull
	}
	return g.OnFailure.FeedbackMode
}

// Plan is the ordered gate list for a run.
type Plan struct {
	Gates []Gate `json:"gates" yaml:"gates"`
}

// DefaultPlan gates on the full verification report and iterates on
// failure.
func DefaultPlan() Plan {
	return Plan{Gates: []Gate{{
		Name:      "verify",
		Check:     CheckVerificationLevels,
		OnFailure: &OnFailure{Action: ActionIterate, FeedbackMode: FeedbackFull},
	}}}
}

// LoadPlan reads a YAML gate plan from disk.
func LoadPlan(path string) (Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Plan{}, fmt.Errorf("read gate plan: %w", err)
	}
	var plan Plan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return Plan{}, fmt.Errorf("parse gate plan: %w", err)
	}
	if err := plan.Validate(); err != nil {
		return Plan{}, err
	}
	return plan, nil
}

// Validate enforces structural invariants: non-empty unique names and
// known policy actions. Unknown check types are allowed; the pipeline
// reports them as failures at evaluation time.
func (p Plan) Validate() error {
	seen := make(map[string]bool, len(p.Gates))
	for i, g := range p.Gates {
		if g.Name == "" {
			return fmt.Errorf("gate %d: name must not be empty", i)
		}
		if seen[g.Name] {
			return fmt.Errorf("gate %q: duplicate name", g.Name)
		}
		seen[g.Name] = true

		if g.OnFailure != nil {
			switch g.OnFailure.Action {
			case "", ActionIterate, ActionStop, ActionEscalate:
			default:
				return fmt.Errorf("gate %q: unknown onFailure action %q", g.Name, g.OnFailure.Action)
			}
		}
		if g.OnSuccess != nil {
			switch g.OnSuccess.Action {
			case "", SuccessContinue, SuccessSkipRemaining:
			default:
				return fmt.Errorf("gate %q: unknown onSuccess action %q", g.Name, g.OnSuccess.Action)
			}
		}
		if g.Condition != nil {
			switch g.Condition.Type {
			case "", ConditionAlways, ConditionOnChange, ConditionManual:
			default:
				return fmt.Errorf("gate %q: unknown condition type %q", g.Name, g.Condition.Type)
			}
		}
	}
	return nil
}
