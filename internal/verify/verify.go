// Package verify runs the deterministic checks that decide whether an
// iteration's changes are acceptable. Checks are plain shell commands
// grouped into four ordered levels: L0 contract (build/typecheck),
// L1 lint, L2 tests, L3 integration.
package verify

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	gateerrors "github.com/agentgate/agentgate/internal/errors"
	"github.com/agentgate/agentgate/internal/order"
	"github.com/agentgate/agentgate/internal/util"
)

// DefaultCheckTimeout bounds a single check command.
const DefaultCheckTimeout = 5 * time.Minute

// maxCheckOutput caps the command output retained on a check result.
const maxCheckOutput = 3000

// CheckPlan is one named command inside a level.
type CheckPlan struct {
	Name    string        `json:"name" yaml:"name"`
	Command string        `json:"command" yaml:"command"`
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// LevelPlan is the ordered set of checks for one verification level.
type LevelPlan struct {
	Level  order.VerificationLevel `json:"level" yaml:"level"`
	Name   string                  `json:"name,omitempty" yaml:"name,omitempty"`
	Checks []CheckPlan             `json:"checks" yaml:"checks"`
}

// Plan is the full verification plan for a run.
type Plan struct {
	Levels []LevelPlan `json:"levels" yaml:"levels"`
}

// Empty reports whether the plan has no checks at any level.
func (p Plan) Empty() bool {
	for _, l := range p.Levels {
		if len(l.Checks) > 0 {
			return false
		}
	}
	return true
}

// Verifier produces a verification report for the workspace state a
// snapshot captured.
type Verifier interface {
	Verify(ctx context.Context, dir string, snap *order.Snapshot, plan Plan) (*order.VerificationReport, error)
}

// FailureCode maps a verification level to its error code.
func FailureCode(level order.VerificationLevel) gateerrors.Code {
	switch level {
	case order.LevelContract:
		return gateerrors.CodeTypecheckFailed
	case order.LevelLint:
		return gateerrors.CodeLintFailed
	case order.LevelTest:
		return gateerrors.CodeTestFailed
	case order.LevelIntegration:
		return gateerrors.CodeBlackboxFailed
	}
	return gateerrors.CodeUnknown
}

// CommandVerifier executes plan commands through the system shell in
// the sandbox directory.
type CommandVerifier struct {
	shell   string
	timeout time.Duration
	logger  *slog.Logger
}

// CommandOption customises a CommandVerifier.
type CommandOption func(*CommandVerifier)

// WithCheckTimeout overrides the default per-check timeout.
func WithCheckTimeout(d time.Duration) CommandOption {
	return func(v *CommandVerifier) {
		v.timeout = d
	}
}

// NewCommandVerifier creates a verifier using the available shell.
func NewCommandVerifier(logger *slog.Logger, opts ...CommandOption) *CommandVerifier {
	if logger == nil {
		logger = slog.Default()
	}
	v := &CommandVerifier{
		shell:   detectShell(),
		timeout: DefaultCheckTimeout,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// detectShell prefers bash, falling back to sh.
func detectShell() string {
	if _, err := exec.LookPath("bash"); err == nil {
		return "bash"
	}
	if _, err := exec.LookPath("sh"); err == nil {
		return "sh"
	}
	return "bash"
}

// Verify runs every level in order. All four levels appear in the
// report; a level with no checks passes trivially. The report never
// carries an error for failing checks: failure is data, not an error.
func (v *CommandVerifier) Verify(ctx context.Context, dir string, snap *order.Snapshot, plan Plan) (*order.VerificationReport, error) {
	start := time.Now()

	report := &order.VerificationReport{Passed: true}
	if snap != nil {
		report.RunID = snap.RunID
		report.Iteration = snap.Iteration
	}

	byLevel := make(map[order.VerificationLevel]LevelPlan, len(plan.Levels))
	for _, lp := range plan.Levels {
		byLevel[lp.Level] = lp
	}

	var failures []string
	for _, level := range []order.VerificationLevel{
		order.LevelContract, order.LevelLint, order.LevelTest, order.LevelIntegration,
	} {
		lp := byLevel[level]
		result := v.runLevel(ctx, dir, level, lp)
		report.Levels = append(report.Levels, result)
		if !result.Passed {
			report.Passed = false
			failures = append(failures, fmt.Sprintf("%s %s", level, levelName(level, lp)))
		}
		if ctx.Err() != nil {
			break
		}
	}

	report.TotalDurationMs = time.Since(start).Milliseconds()
	if len(failures) > 0 {
		report.Diagnostics = "failed: " + strings.Join(failures, ", ")
	}

	v.logger.Info("verification completed",
		"runId", report.RunID,
		"iteration", report.Iteration,
		"passed", report.Passed,
		"durationMs", report.TotalDurationMs)
	return report, nil
}

func (v *CommandVerifier) runLevel(ctx context.Context, dir string, level order.VerificationLevel, lp LevelPlan) order.LevelResult {
	start := time.Now()
	result := order.LevelResult{
		Level:  level,
		Name:   levelName(level, lp),
		Passed: true,
		Checks: []order.CheckResult{},
	}

	for _, check := range lp.Checks {
		passed, output := v.runCommand(ctx, dir, check)
		cr := order.CheckResult{
			Name:   check.Name,
			Passed: passed,
		}
		if !passed {
			cr.Message = fmt.Sprintf("command failed: %s", check.Command)
			cr.Details = util.TruncateTail(output, maxCheckOutput)
			result.Passed = false
		}
		result.Checks = append(result.Checks, cr)
		if ctx.Err() != nil {
			break
		}
	}

	result.DurationMs = time.Since(start).Milliseconds()
	return result
}

// runCommand executes one check through the shell so pipes and
// compound commands work. Output combines stdout and stderr; a timeout
// marks the check failed with a marker appended.
func (v *CommandVerifier) runCommand(ctx context.Context, dir string, check CheckPlan) (bool, string) {
	if check.Command == "" {
		return true, ""
	}

	timeout := check.Timeout
	if timeout <= 0 {
		timeout = v.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	v.logger.Debug("running check", "name", check.Name, "command", check.Command, "dir", dir)

	cmd := exec.CommandContext(ctx, v.shell, "-c", check.Command)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	output := stdout.String()
	if stderr.Len() > 0 {
		if output != "" {
			output += "\n"
		}
		output += stderr.String()
	}

	if ctx.Err() == context.DeadlineExceeded {
		output += fmt.Sprintf("\n[TIMEOUT] check exceeded %v", timeout)
		v.logger.Warn("check timed out", "name", check.Name, "timeout", timeout)
		return false, output
	}

	return err == nil, output
}

func levelName(level order.VerificationLevel, lp LevelPlan) string {
	if lp.Name != "" {
		return lp.Name
	}
	switch level {
	case order.LevelContract:
		return "contract"
	case order.LevelLint:
		return "lint"
	case order.LevelTest:
		return "test"
	case order.LevelIntegration:
		return "integration"
	}
	return string(level)
}
