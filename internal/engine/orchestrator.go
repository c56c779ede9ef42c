package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/agentgate/agentgate/internal/agent"
	"github.com/agentgate/agentgate/internal/audit"
	gateerrors "github.com/agentgate/agentgate/internal/errors"
	"github.com/agentgate/agentgate/internal/events"
	"github.com/agentgate/agentgate/internal/gate"
	"github.com/agentgate/agentgate/internal/order"
	"github.com/agentgate/agentgate/internal/storage"
	"github.com/agentgate/agentgate/internal/strategy"
	"github.com/agentgate/agentgate/internal/vcs"
	"github.com/agentgate/agentgate/internal/verify"
)

// iterationReport is everything one iteration produced, handed back to
// the engine's run loop.
type iterationReport struct {
	data     order.IterationData
	outcome  strategy.IterationOutcome
	snapshot *order.Snapshot
	report   *order.VerificationReport
	gates    *gate.PipelineResult

	// feedback seeds the next iteration's Build prompt. Set only on
	// VERIFY_FAILED_CONTINUE.
	feedback string

	// failure is set for BUILD_FAILED, SYSTEM_ERROR and
	// VERIFY_FAILED_TERMINAL transitions.
	failure *gateerrors.GateError

	canceled  bool
	sessionID string
	tokensIn  int
	tokensOut int
}

// orchestrator runs the Build → Snapshot → Verify → Feedback phases for
// one run. It is created per run and carries the cross-iteration gate
// attempts and outcome history.
type orchestrator struct {
	driver        agent.Driver
	snapshotter   vcs.Snapshotter
	verifier      verify.Verifier
	gates         *gate.Pipeline
	gatePlan      gate.Plan
	verifyPlan    verify.Plan
	maxIterations int

	store    *storage.Store
	auditLog *audit.Log
	stream   func(events.StreamEvent)
	logger   *slog.Logger

	attempts map[string]int
	history  []strategy.IterationOutcome
}

// runIteration executes one full iteration and reports what happened.
// Exactly one transition from the lifecycle set ends up on the
// iteration record; the in-progress marker is BUILD_STARTED.
func (o *orchestrator) runIteration(ctx context.Context, pc *PhaseContext) *iterationReport {
	started := time.Now().UTC()
	rep := &iterationReport{
		data: order.IterationData{
			Index:      pc.Iteration,
			StartedAt:  started,
			Transition: order.TransitionBuildStarted,
		},
	}

	o.runBuild(ctx, pc, rep)
	if rep.failure == nil && !rep.canceled {
		o.runSnapshot(ctx, pc, rep)
	}
	if rep.failure == nil && !rep.canceled {
		o.runVerify(ctx, pc, rep)
	}
	if rep.failure == nil && !rep.canceled {
		o.runGates(ctx, pc, rep)
	}

	o.conclude(pc, rep)
	return rep
}

// runBuild invokes the agent driver with the composed prompt and
// classifies the result per the build contract.
func (o *orchestrator) runBuild(ctx context.Context, pc *PhaseContext, rep *iterationReport) {
	start := time.Now()
	res, err := o.driver.Run(ctx, agent.Request{
		Dir:       pc.Dir,
		Prompt:    buildPrompt(pc),
		SessionID: pc.SessionID,
		Callbacks: o.callbacks(pc),
	})
	rep.data.Phases.BuildMs = time.Since(start).Milliseconds()

	if err != nil {
		if ctx.Err() == context.Canceled {
			rep.canceled = true
			return
		}
		rep.failure = wrapDriver(err)
		rep.data.Transition = order.TransitionSystemError
		return
	}

	rep.sessionID = res.SessionID
	rep.tokensIn = res.Tokens.InputTokens
	rep.tokensOut = res.Tokens.OutputTokens
	o.saveArtifact(pc, storage.ArtifactAgent, res)

	if failure := classifyBuild(res); failure != nil {
		if failure.Code == gateerrors.CodeCancelled {
			rep.canceled = true
			return
		}
		rep.failure = failure
		rep.data.Transition = order.TransitionBuildFailed
	}
}

// runSnapshot commits the agent's changes and records diff statistics.
func (o *orchestrator) runSnapshot(ctx context.Context, pc *PhaseContext, rep *iterationReport) {
	start := time.Now()
	snap, err := o.snapshotter.Capture(ctx, pc.Dir, pc.RunID, pc.Iteration, pc.Before)
	rep.data.Phases.SnapshotMs = time.Since(start).Milliseconds()

	if err != nil {
		if ctx.Err() == context.Canceled {
			rep.canceled = true
			return
		}
		rep.failure = &gateerrors.GateError{
			Code:  gateerrors.CodeSnapshotError,
			What:  "snapshot capture failed",
			Cause: err,
		}
		rep.data.Transition = order.TransitionSystemError
		return
	}

	rep.snapshot = snap
	rep.data.SnapshotID = snap.ID
	o.saveArtifact(pc, storage.ArtifactSnapshot, snap)

	if snap.FilesChanged > 0 {
		e := events.NewRunEvent(events.TypeFileChanged, pc.WorkOrderID, pc.RunID, pc.Iteration)
		e.Data = map[string]any{
			"filesChanged": snap.FilesChanged,
			"insertions":   snap.Insertions,
			"deletions":    snap.Deletions,
			"sha":          snap.AfterSHA,
		}
		o.emit(e)
	}
}

// runVerify executes the verification plan against the snapshot.
func (o *orchestrator) runVerify(ctx context.Context, pc *PhaseContext, rep *iterationReport) {
	start := time.Now()
	report, err := o.verifier.Verify(ctx, pc.Dir, rep.snapshot, o.verifyPlan)
	rep.data.Phases.VerifyMs = time.Since(start).Milliseconds()

	if err != nil {
		if ctx.Err() == context.Canceled {
			rep.canceled = true
			return
		}
		rep.failure = &gateerrors.GateError{
			Code:  gateerrors.CodeSystemError,
			What:  "verifier failed",
			Cause: err,
		}
		rep.data.Transition = order.TransitionSystemError
		return
	}

	report.RunID = pc.RunID
	report.Iteration = pc.Iteration
	rep.report = report
	rep.data.VerificationPassed = &report.Passed
	o.saveArtifact(pc, storage.ArtifactVerification, report)
}

// runGates evaluates the gate plan and decides the iteration's
// transition: pass, terminal failure, or another iteration with
// composed feedback.
func (o *orchestrator) runGates(ctx context.Context, pc *PhaseContext, rep *iterationReport) {
	scope := &gate.Scope{
		WorkOrderID: pc.WorkOrderID,
		RunID:       pc.RunID,
		Iteration:   pc.Iteration,
		Dir:         pc.Dir,
		Snapshot:    rep.snapshot,
		Report:      rep.report,
		History:     o.history,
		Attempts:    o.attempts,
	}
	pres := o.gates.Evaluate(ctx, o.gatePlan, scope)
	rep.gates = pres

	switch {
	case rep.report.Passed && pres.Passed:
		rep.data.Transition = order.TransitionVerifyPassed
	case pres.Terminal():
		rep.data.Transition = order.TransitionVerifyFailedTerminal
		rep.failure = terminalFailure(rep.report, pres)
	case pc.Iteration >= o.maxIterations:
		rep.data.Transition = order.TransitionVerifyFailedTerminal
		rep.failure = terminalFailure(rep.report, pres)
	default:
		rep.data.Transition = order.TransitionVerifyFailedContinue
		start := time.Now()
		rep.feedback = composeFeedback(rep.report, pres)
		rep.data.Phases.FeedbackMs = time.Since(start).Milliseconds()
		rep.data.FeedbackGenerated = rep.feedback != ""
	}
}

// conclude stamps the iteration record, persists it, and appends the
// outcome to the strategy history.
func (o *orchestrator) conclude(pc *PhaseContext, rep *iterationReport) {
	done := time.Now().UTC()
	rep.data.CompletedAt = &done
	rep.data.DurationMs = done.Sub(rep.data.StartedAt).Milliseconds()
	if rep.failure != nil {
		rep.data.Error = &order.TerminalError{
			Code:    string(rep.failure.Code),
			Message: rep.failure.Error(),
		}
	}
	if rep.canceled {
		rep.data.Error = &order.TerminalError{
			Code:    string(gateerrors.CodeCancelled),
			Message: "iteration interrupted",
		}
	}
	o.saveArtifact(pc, storage.ArtifactIteration, rep.data)

	outcome := strategy.IterationOutcome{
		Index:              pc.Iteration,
		VerificationPassed: rep.data.VerificationPassed,
		Transition:         rep.data.Transition,
	}
	if rep.snapshot != nil {
		outcome.FilesChanged = rep.snapshot.FilesChanged
		outcome.Insertions = rep.snapshot.Insertions
		outcome.Deletions = rep.snapshot.Deletions
	}
	if rep.report != nil {
		outcome.FailedChecks = len(rep.report.FailedChecks())
	}
	outcome.Fingerprint = strategy.Fingerprint(outcome)
	rep.outcome = outcome
	o.history = append(o.history, outcome)
}

// callbacks bridges agent driver streaming into stream events.
func (o *orchestrator) callbacks(pc *PhaseContext) agent.Callbacks {
	return agent.Callbacks{
		OnOutput: func(text string) {
			e := events.NewRunEvent(events.TypeAgentOutput, pc.WorkOrderID, pc.RunID, pc.Iteration)
			e.Output = text
			o.emit(e)
		},
		OnToolCall: func(tool, input string) {
			e := events.NewRunEvent(events.TypeAgentToolCall, pc.WorkOrderID, pc.RunID, pc.Iteration)
			e.Data = map[string]any{"tool": tool, "input": input}
			o.emit(e)
		},
		OnToolResult: func(tool, output string, isError bool) {
			e := events.NewRunEvent(events.TypeAgentToolResult, pc.WorkOrderID, pc.RunID, pc.Iteration)
			e.Data = map[string]any{"tool": tool, "output": output, "isError": isError}
			o.emit(e)
		},
	}
}

// saveArtifact persists a phase product. Artifact writes are
// best-effort: failures are logged and audited, never fatal.
func (o *orchestrator) saveArtifact(pc *PhaseContext, kind string, payload any) {
	if o.store == nil || payload == nil {
		return
	}
	if err := o.store.SaveArtifact(pc.RunID, kind, pc.Iteration, payload); err != nil {
		o.logger.Warn("artifact write failed",
			"runId", pc.RunID,
			"kind", kind,
			"iteration", pc.Iteration,
			"error", err)
		if o.auditLog != nil {
			o.auditLog.RecordWarning(pc.WorkOrderID, "artifact write failed", map[string]any{
				"runId":     pc.RunID,
				"kind":      kind,
				"iteration": pc.Iteration,
				"error":     err.Error(),
			})
		}
	}
}

func (o *orchestrator) emit(e events.StreamEvent) {
	if o.stream != nil {
		o.stream(e)
	}
}
