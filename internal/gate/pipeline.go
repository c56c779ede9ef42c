package gate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/agentgate/agentgate/internal/audit"
	"github.com/agentgate/agentgate/internal/order"
	"github.com/agentgate/agentgate/internal/strategy"
	"github.com/agentgate/agentgate/internal/util"
)

// maxFeedbackDetails caps the detail block carried per failed gate in
// feedback text.
const maxFeedbackDetails = 2000

// Scope is the evaluation context handed to every runner: the current
// iteration's products plus results from gates earlier in the plan.
type Scope struct {
	WorkOrderID string
	RunID       string
	Iteration   int
	Dir         string

	Snapshot *order.Snapshot
	Report   *order.VerificationReport
	History  []strategy.IterationOutcome

	// Prior holds results of gates already evaluated in this pass,
	// keyed by gate name. The pipeline maintains it.
	Prior map[string]*GateResult

	// Attempts counts failures per gate across the run's iterations.
	// The pipeline increments it; the caller carries it between
	// iterations.
	Attempts map[string]int
}

// RunnerResult is what a check runner reports back.
type RunnerResult struct {
	Passed   bool
	Message  string
	Details  string
	Feedback string
}

// Runner executes one check type. Failing the check is expressed in
// the result; an error is reserved for infrastructure trouble and is
// reported as a failed gate.
type Runner interface {
	Run(ctx context.Context, g Gate, scope *Scope) (*RunnerResult, error)
}

// GateResult records one gate's evaluation.
type GateResult struct {
	Name       string    `json:"name"`
	Type       CheckType `json:"type"`
	Passed     bool      `json:"passed"`
	Skipped    bool      `json:"skipped,omitempty"`
	SkipReason string    `json:"skipReason,omitempty"`
	Message    string    `json:"message,omitempty"`
	Details    string    `json:"details,omitempty"`
	Feedback   string    `json:"feedback,omitempty"`
	DurationMs int64     `json:"durationMs"`
}

// PipelineResult aggregates one pass over a plan.
type PipelineResult struct {
	Passed           bool         `json:"passed"`
	Results          []GateResult `json:"results"`
	StoppedAt        string       `json:"stoppedAt,omitempty"`
	Escalated        bool         `json:"escalated,omitempty"`
	SkippedRemaining bool         `json:"skippedRemaining,omitempty"`

	// RetryBackoff is the longest backoff requested by a failed gate.
	RetryBackoff time.Duration `json:"-"`
}

// Terminal reports whether the pipeline asked the loop to stop rather
// than iterate.
func (r *PipelineResult) Terminal() bool {
	return !r.Passed && r.StoppedAt != ""
}

// Feedback renders all failures under one heading for the next Build
// prompt. Empty when everything passed.
func (r *PipelineResult) Feedback() string {
	var failed []GateResult
	for _, gr := range r.Results {
		if !gr.Passed && !gr.Skipped {
			failed = append(failed, gr)
		}
	}
	if len(failed) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("## Gate Check Results\n\n")
	sb.WriteString("The following gate checks failed. Fix these issues before the work can be accepted.\n\n")
	for _, gr := range failed {
		fmt.Fprintf(&sb, "### %s (%s)\n\n", gr.Name, gr.Type)
		if gr.Feedback != "" {
			sb.WriteString(gr.Feedback)
			if !strings.HasSuffix(gr.Feedback, "\n") {
				sb.WriteString("\n")
			}
			sb.WriteString("\n")
			continue
		}
		if gr.Message != "" {
			sb.WriteString(gr.Message)
			sb.WriteString("\n\n")
		}
		if gr.Details != "" {
			sb.WriteString("```\n")
			sb.WriteString(util.TruncateTail(gr.Details, maxFeedbackDetails))
			sb.WriteString("\n```\n\n")
		}
	}
	return sb.String()
}

// Pipeline evaluates gate plans through a registry of check runners.
type Pipeline struct {
	runners map[CheckType]Runner
	audit   *audit.Log
	logger  *slog.Logger
}

// NewPipeline creates an empty pipeline; register runners before use.
func NewPipeline(auditLog *audit.Log, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		runners: make(map[CheckType]Runner),
		audit:   auditLog,
		logger:  logger,
	}
}

// Register installs a runner for a check type, replacing any previous
// registration.
func (p *Pipeline) Register(t CheckType, r Runner) {
	p.runners[t] = r
}

// Evaluate runs the plan's gates in order. Zero gates pass trivially.
func (p *Pipeline) Evaluate(ctx context.Context, plan Plan, scope *Scope) *PipelineResult {
	res := &PipelineResult{Passed: true, Results: []GateResult{}}
	if len(plan.Gates) == 0 {
		return res
	}

	if scope.Prior == nil {
		scope.Prior = make(map[string]*GateResult)
	}
	if scope.Attempts == nil {
		scope.Attempts = make(map[string]int)
	}

	for _, g := range plan.Gates {
		if skip, reason := p.shouldSkip(g, scope); skip {
			gr := GateResult{
				Name:       g.Name,
				Type:       g.Check,
				Passed:     true,
				Skipped:    true,
				SkipReason: reason,
			}
			res.Results = append(res.Results, gr)
			scope.Prior[g.Name] = &gr
			continue
		}

		runner, ok := p.runners[g.Check]
		if !ok {
			gr := GateResult{
				Name:    g.Name,
				Type:    g.Check,
				Passed:  false,
				Message: fmt.Sprintf("No runner for type '%s'", g.Check),
			}
			res.Results = append(res.Results, gr)
			scope.Prior[g.Name] = &gr
			res.Passed = false
			res.StoppedAt = g.Name
			p.warn(scope.WorkOrderID, gr.Message, map[string]any{"gate": g.Name})
			break
		}

		start := time.Now()
		out, err := runner.Run(ctx, g, scope)
		if err != nil {
			out = &RunnerResult{Passed: false, Message: err.Error()}
		}
		gr := GateResult{
			Name:       g.Name,
			Type:       g.Check,
			Passed:     out.Passed,
			Message:    out.Message,
			Details:    out.Details,
			Feedback:   out.Feedback,
			DurationMs: time.Since(start).Milliseconds(),
		}
		res.Results = append(res.Results, gr)
		scope.Prior[g.Name] = &gr

		if gr.Passed {
			if g.OnSuccess != nil && g.OnSuccess.Action == SuccessSkipRemaining {
				res.SkippedRemaining = true
				p.logger.Debug("gate skipped remaining", "gate", g.Name)
				break
			}
			continue
		}

		res.Passed = false
		scope.Attempts[g.Name]++
		if b := g.Backoff(); b > res.RetryBackoff {
			res.RetryBackoff = b
		}

		switch p.effectiveAction(g, scope) {
		case ActionStop:
			res.StoppedAt = g.Name
		case ActionEscalate:
			res.StoppedAt = g.Name
			res.Escalated = true
			p.warn(scope.WorkOrderID,
				fmt.Sprintf("gate %s escalated after failure", g.Name),
				map[string]any{"gate": g.Name, "message": gr.Message})
		default:
			// iterate: keep evaluating so feedback covers every
			// failing gate in this pass.
			continue
		}
		break
	}

	return res
}

// effectiveAction applies the attempt budget: an iterate gate whose
// failures reached maxAttempts stops instead.
func (p *Pipeline) effectiveAction(g Gate, scope *Scope) FailureAction {
	action := g.FailureActionOrDefault()
	if action == ActionIterate && g.OnFailure != nil && g.OnFailure.MaxAttempts > 0 {
		if scope.Attempts[g.Name] >= g.OnFailure.MaxAttempts {
			p.logger.Info("gate exhausted its attempts",
				"gate", g.Name,
				"attempts", scope.Attempts[g.Name])
			return ActionStop
		}
	}
	return action
}

func (p *Pipeline) shouldSkip(g Gate, scope *Scope) (bool, string) {
	if g.Condition == nil {
		return false, ""
	}
	switch g.Condition.Type {
	case ConditionManual:
		return true, "manual gate"
	case ConditionOnChange:
		if scope.Snapshot != nil && scope.Snapshot.FilesChanged == 0 {
			return true, "no files changed"
		}
	}
	if g.Condition.SkipIf != "" {
		value, known := evalSkipIf(g.Condition.SkipIf, scope)
		if !known {
			p.warn(scope.WorkOrderID,
				fmt.Sprintf("unknown skipIf expression %q on gate %s", g.Condition.SkipIf, g.Name),
				map[string]any{"gate": g.Name, "skipIf": g.Condition.SkipIf})
			return false, ""
		}
		if value {
			return true, fmt.Sprintf("skipIf: %s", g.Condition.SkipIf)
		}
	}
	return false, ""
}

func (p *Pipeline) warn(workOrderID, message string, details map[string]any) {
	if p.audit != nil {
		p.audit.RecordWarning(workOrderID, message, details)
	}
	p.logger.Warn(message, "workOrderId", workOrderID)
}
