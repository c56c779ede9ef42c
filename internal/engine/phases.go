package engine

import (
	"fmt"
	"strings"

	"github.com/agentgate/agentgate/internal/agent"
	gateerrors "github.com/agentgate/agentgate/internal/errors"
	"github.com/agentgate/agentgate/internal/gate"
	"github.com/agentgate/agentgate/internal/order"
	"github.com/agentgate/agentgate/internal/verify"
)

// PhaseContext carries the identifiers and accumulated state one
// iteration needs: which run and iteration this is, the prompt and
// feedback for the Build phase, the resumable agent session, and the
// workspace the phases operate on.
type PhaseContext struct {
	WorkOrderID string
	RunID       string
	Iteration   int
	TaskPrompt  string
	Feedback    string
	SessionID   string
	Dir         string
	Before      order.BeforeState
}

// buildPrompt assembles the Build prompt. A resumed session already
// carries the task, so feedback alone is sent; a fresh session gets the
// task followed by any feedback.
func buildPrompt(pc *PhaseContext) string {
	if pc.Feedback == "" {
		return pc.TaskPrompt
	}
	if pc.SessionID != "" {
		return pc.Feedback
	}
	return pc.TaskPrompt + "\n\n" + pc.Feedback
}

// classifyBuild maps a finished agent execution to a failure, nil when
// the build succeeded. Transient kills (OOM, network) keep their codes
// so the retry manager sees them; everything else classifies by the
// build contract: non-zero exit is a crash, a timed-out process is an
// agent timeout, exit zero with success=false is a task failure.
func classifyBuild(res *agent.Result) *gateerrors.GateError {
	tail := strings.TrimSpace(res.StderrTail)
	if tail == "" {
		tail = strings.TrimSpace(res.StdoutTail)
	}

	code := gateerrors.ClassifyExit(res.ExitCode, res.StderrTail, res.StdoutTail)
	switch {
	case res.Canceled:
		return gateerrors.ErrCancelled("build phase interrupted")
	case code == gateerrors.CodeOOMKilled:
		return &gateerrors.GateError{
			Code: code,
			What: "agent killed: out of memory",
			Why:  tail,
		}
	case res.TimedOut:
		return &gateerrors.GateError{
			Code: gateerrors.CodeAgentTimeout,
			What: "agent execution timed out",
			Why:  tail,
		}
	case res.ExitCode != 0:
		switch code {
		case gateerrors.CodeNetworkError:
			// transient, keep for retry classification
		case gateerrors.CodeTimeout:
			code = gateerrors.CodeAgentTimeout
		default:
			code = gateerrors.CodeAgentCrash
		}
		return &gateerrors.GateError{
			Code: code,
			What: fmt.Sprintf("agent exited with code %d", res.ExitCode),
			Why:  tail,
		}
	case !res.Success:
		return &gateerrors.GateError{
			Code: gateerrors.CodeAgentTaskFailure,
			What: "agent reported task failure",
			Why:  strings.TrimSpace(res.FinalText),
		}
	}
	return nil
}

// wrapDriver converts an agent driver error (the agent could not be
// started or observed) into a failure.
func wrapDriver(err error) *gateerrors.GateError {
	code := gateerrors.ClassifyError(err)
	if code == gateerrors.CodeUnknown {
		code = gateerrors.CodeSystemError
	}
	return &gateerrors.GateError{
		Code:  code,
		What:  "agent driver failed",
		Cause: err,
	}
}

// composeFeedback renders verification failures and gate feedback for
// the next Build prompt. Empty when there is nothing to fix.
func composeFeedback(report *order.VerificationReport, pres *gate.PipelineResult) string {
	var sb strings.Builder

	if report != nil && !report.Passed {
		sb.WriteString("## Verification Results\n\n")
		sb.WriteString("The following checks failed. Fix them without breaking passing checks.\n\n")
		for _, lvl := range report.Levels {
			if lvl.Passed {
				continue
			}
			for _, check := range lvl.Checks {
				if check.Passed {
					continue
				}
				fmt.Fprintf(&sb, "### %s: %s\n\n", lvl.Level, check.Name)
				if check.Message != "" {
					sb.WriteString(check.Message)
					sb.WriteString("\n\n")
				}
				if check.Details != "" {
					sb.WriteString("```\n")
					sb.WriteString(check.Details)
					sb.WriteString("\n```\n\n")
				}
			}
		}
	}

	if pres != nil {
		sb.WriteString(pres.Feedback())
	}
	return strings.TrimRight(sb.String(), "\n")
}

// terminalFailure names what stopped a run whose verification or gates
// terminally failed. Verification failures carry the first failing
// level's code; gate-only failures are attributed to the stopping gate.
func terminalFailure(report *order.VerificationReport, pres *gate.PipelineResult) *gateerrors.GateError {
	if report != nil && !report.Passed {
		for _, lvl := range report.Levels {
			if lvl.Passed {
				continue
			}
			return &gateerrors.GateError{
				Code: verify.FailureCode(lvl.Level),
				What: fmt.Sprintf("verification level %s failed", lvl.Level),
				Why:  failedCheckNames(lvl),
			}
		}
	}
	if pres != nil && pres.StoppedAt != "" {
		code := gateerrors.CodeBlackboxFailed
		msg := ""
		for _, gr := range pres.Results {
			if gr.Name != pres.StoppedAt {
				continue
			}
			if gr.Type == gate.CheckCIPoll {
				code = gateerrors.CodeCIFailed
			}
			msg = gr.Message
			break
		}
		return &gateerrors.GateError{
			Code: code,
			What: fmt.Sprintf("gate %q failed", pres.StoppedAt),
			Why:  msg,
		}
	}
	return &gateerrors.GateError{
		Code: gateerrors.CodeTestFailed,
		What: "verification did not pass",
	}
}

func failedCheckNames(lvl order.LevelResult) string {
	var names []string
	for _, check := range lvl.Checks {
		if !check.Passed {
			names = append(names, check.Name)
		}
	}
	return strings.Join(names, ", ")
}
