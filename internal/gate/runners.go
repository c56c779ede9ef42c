package gate

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/agentgate/agentgate/internal/order"
	"github.com/agentgate/agentgate/internal/strategy"
	"github.com/agentgate/agentgate/internal/util"
)

const (
	defaultCommandTimeout = 2 * time.Minute
	defaultPollInterval   = 10 * time.Second
	defaultPollBudget     = 10 * time.Minute
	maxRunnerOutput       = 2000
)

// VerificationRunner gates on the iteration's verification report,
// optionally restricted to a level subset.
type VerificationRunner struct{}

// Run implements Runner.
func (VerificationRunner) Run(_ context.Context, g Gate, scope *Scope) (*RunnerResult, error) {
	report := scope.Report
	if report == nil {
		return &RunnerResult{
			Passed:  false,
			Message: "no verification report available",
		}, nil
	}

	considered := report.Levels
	if len(g.Levels) > 0 {
		wanted := make(map[order.VerificationLevel]bool, len(g.Levels))
		for _, l := range g.Levels {
			wanted[l] = true
		}
		considered = nil
		for _, lr := range report.Levels {
			if wanted[lr.Level] {
				considered = append(considered, lr)
			}
		}
	}

	var failed []order.CheckResult
	var failedLevels []string
	for _, lr := range considered {
		if lr.Passed {
			continue
		}
		failedLevels = append(failedLevels, fmt.Sprintf("%s %s", lr.Level, lr.Name))
		for _, cr := range lr.Checks {
			if !cr.Passed {
				failed = append(failed, cr)
			}
		}
	}

	if len(failedLevels) == 0 {
		return &RunnerResult{Passed: true, Message: "verification passed"}, nil
	}

	var sb strings.Builder
	sb.WriteString("The following verification checks failed:\n\n")
	for _, cr := range failed {
		fmt.Fprintf(&sb, "- %s: %s\n", cr.Name, cr.Message)
		if cr.Details != "" && g.feedbackMode() == FeedbackFull {
			sb.WriteString("\n```\n")
			sb.WriteString(util.TruncateTail(cr.Details, maxRunnerOutput))
			sb.WriteString("\n```\n\n")
		}
	}

	return &RunnerResult{
		Passed:   false,
		Message:  "verification failed: " + strings.Join(failedLevels, ", "),
		Feedback: sb.String(),
	}, nil
}

// CommandRunner executes a gate's shell command in the sandbox.
// A non-zero exit is a gate failure, not an error; errors are reserved
// for infrastructure trouble such as timeouts.
type CommandRunner struct {
	shell  string
	logger *slog.Logger
}

// NewCommandRunner creates a CommandRunner using the available shell.
func NewCommandRunner(logger *slog.Logger) *CommandRunner {
	if logger == nil {
		logger = slog.Default()
	}
	shell := "bash"
	if _, err := exec.LookPath("bash"); err != nil {
		shell = "sh"
	}
	return &CommandRunner{shell: shell, logger: logger}
}

// Run implements Runner.
func (r *CommandRunner) Run(ctx context.Context, g Gate, scope *Scope) (*RunnerResult, error) {
	if g.Command == "" {
		return &RunnerResult{Passed: true, Message: "no command configured"}, nil
	}

	timeout := defaultCommandTimeout
	if g.TimeoutMs > 0 {
		timeout = time.Duration(g.TimeoutMs) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.shell, "-c", g.Command)
	cmd.Dir = scope.Dir
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.logger.Debug("running gate command", "gate", g.Name, "command", g.Command, "dir", scope.Dir)

	err := cmd.Run()

	output := stdout.String()
	if stderr.Len() > 0 {
		if output != "" {
			output += "\n"
		}
		output += stderr.String()
	}

	if err != nil {
		// Cancellation and timeout take priority over the exit code.
		if ctx.Err() != nil {
			return nil, fmt.Errorf("gate command %s: %w", g.Name, ctx.Err())
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			return &RunnerResult{
				Passed:  false,
				Message: fmt.Sprintf("command exited with code %d", exitErr.ExitCode()),
				Details: util.TruncateTail(output, maxRunnerOutput),
			}, nil
		}
		return nil, fmt.Errorf("gate command %s: %w", g.Name, err)
	}

	return &RunnerResult{Passed: true, Message: "command succeeded"}, nil
}

// ApprovalRunner gates on recorded human decisions. Until a decision
// for (runID, gate) arrives the gate fails with an awaiting-approval
// message, which reads as actionable feedback rather than an error.
type ApprovalRunner struct {
	mu        sync.RWMutex
	decisions map[string]approvalDecision
}

type approvalDecision struct {
	approved bool
	by       string
	reason   string
}

// NewApprovalRunner creates an empty decision store.
func NewApprovalRunner() *ApprovalRunner {
	return &ApprovalRunner{decisions: make(map[string]approvalDecision)}
}

func approvalKey(runID, gateName string) string {
	return runID + "/" + gateName
}

// Grant records an approval for the gate in the given run.
func (r *ApprovalRunner) Grant(runID, gateName, by string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decisions[approvalKey(runID, gateName)] = approvalDecision{approved: true, by: by}
}

// Deny records a rejection with a reason.
func (r *ApprovalRunner) Deny(runID, gateName, by, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decisions[approvalKey(runID, gateName)] = approvalDecision{by: by, reason: reason}
}

// Run implements Runner.
func (r *ApprovalRunner) Run(_ context.Context, g Gate, scope *Scope) (*RunnerResult, error) {
	r.mu.RLock()
	decision, ok := r.decisions[approvalKey(scope.RunID, g.Name)]
	r.mu.RUnlock()

	if !ok {
		return &RunnerResult{
			Passed:  false,
			Message: "awaiting approval",
		}, nil
	}
	if decision.approved {
		return &RunnerResult{
			Passed:  true,
			Message: fmt.Sprintf("approved by %s", decision.by),
		}, nil
	}
	msg := fmt.Sprintf("rejected by %s", decision.by)
	if decision.reason != "" {
		msg += ": " + decision.reason
	}
	return &RunnerResult{Passed: false, Message: msg}, nil
}

// ConvergenceRunner passes once recent iteration outcomes have
// stabilised, sharing the similarity machinery with the convergence
// loop strategy.
type ConvergenceRunner struct{}

// Run implements Runner.
func (ConvergenceRunner) Run(_ context.Context, g Gate, scope *Scope) (*RunnerResult, error) {
	window := g.WindowSize
	if window <= 1 {
		window = 3
	}
	threshold := g.ConvergenceThreshold
	if threshold <= 0 {
		threshold = 0.9
	}

	if strategy.Converged(scope.History, window, threshold) {
		return &RunnerResult{
			Passed:  true,
			Message: fmt.Sprintf("outcomes converged over the last %d iterations", window),
		}, nil
	}
	return &RunnerResult{
		Passed: false,
		Message: fmt.Sprintf("outcomes have not converged (window %d, threshold %.2f)",
			window, threshold),
	}, nil
}

// CIStatus is one remote CI check for a commit.
type CIStatus struct {
	Name      string
	Completed bool
	Passed    bool
	Detail    string
}

// CIStatusSource reports CI check states for a commit SHA. Hosting
// providers adapt their check-run APIs to this.
type CIStatusSource interface {
	Statuses(ctx context.Context, sha string) ([]CIStatus, error)
}

// CIPollRunner polls a CIStatusSource for the snapshot's commit until
// every check completes or the poll budget expires.
type CIPollRunner struct {
	source CIStatusSource
	logger *slog.Logger
}

// NewCIPollRunner creates a poller over the given source.
func NewCIPollRunner(source CIStatusSource, logger *slog.Logger) *CIPollRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &CIPollRunner{source: source, logger: logger}
}

// Run implements Runner.
func (r *CIPollRunner) Run(ctx context.Context, g Gate, scope *Scope) (*RunnerResult, error) {
	if scope.Snapshot == nil || scope.Snapshot.AfterSHA == "" {
		return &RunnerResult{
			Passed:  false,
			Message: "no snapshot commit to poll CI for",
		}, nil
	}
	sha := scope.Snapshot.AfterSHA

	interval := defaultPollInterval
	if g.PollIntervalMs > 0 {
		interval = time.Duration(g.PollIntervalMs) * time.Millisecond
	}
	budget := defaultPollBudget
	if g.PollBudgetMs > 0 {
		budget = time.Duration(g.PollBudgetMs) * time.Millisecond
	}

	deadline := time.Now().Add(budget)
	sawChecks := false
	for {
		statuses, err := r.source.Statuses(ctx, sha)
		if err != nil {
			return nil, fmt.Errorf("poll CI for %s: %w", sha, err)
		}

		if len(statuses) > 0 {
			sawChecks = true
			if allComplete(statuses) {
				return ciVerdict(statuses), nil
			}
		}

		if time.Now().After(deadline) {
			if !sawChecks {
				// Nothing ever demanded CI for this commit.
				return &RunnerResult{Passed: true, Message: "no CI checks reported"}, nil
			}
			return &RunnerResult{
				Passed:  false,
				Message: fmt.Sprintf("CI checks did not complete within %v", budget),
				Details: pendingChecks(statuses),
			}, nil
		}

		r.logger.Debug("waiting for CI", "sha", sha, "checks", len(statuses))
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("poll CI for %s: %w", sha, ctx.Err())
		case <-time.After(interval):
		}
	}
}

func allComplete(statuses []CIStatus) bool {
	for _, s := range statuses {
		if !s.Completed {
			return false
		}
	}
	return true
}

func pendingChecks(statuses []CIStatus) string {
	var pending []string
	for _, s := range statuses {
		if !s.Completed {
			pending = append(pending, s.Name)
		}
	}
	return "pending: " + strings.Join(pending, ", ")
}

func ciVerdict(statuses []CIStatus) *RunnerResult {
	var failed []CIStatus
	for _, s := range statuses {
		if !s.Passed {
			failed = append(failed, s)
		}
	}
	if len(failed) == 0 {
		return &RunnerResult{
			Passed:  true,
			Message: fmt.Sprintf("%d CI checks passed", len(statuses)),
		}
	}

	var sb strings.Builder
	sb.WriteString("The following CI checks failed:\n\n")
	for _, s := range failed {
		fmt.Fprintf(&sb, "- %s", s.Name)
		if s.Detail != "" {
			fmt.Fprintf(&sb, ": %s", s.Detail)
		}
		sb.WriteString("\n")
	}
	return &RunnerResult{
		Passed:   false,
		Message:  fmt.Sprintf("%d of %d CI checks failed", len(failed), len(statuses)),
		Feedback: sb.String(),
	}
}
