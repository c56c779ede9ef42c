// Package engine executes work orders. The Engine drives one run per
// work order through the bounded Build → Snapshot → Verify → Feedback
// loop: the Manager owns the sandbox lifetime, the orchestrator owns
// the phases, and the Engine ties them to the state machine, the loop
// strategy, the event hub, and run persistence.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentgate/agentgate/internal/agent"
	"github.com/agentgate/agentgate/internal/audit"
	"github.com/agentgate/agentgate/internal/config"
	gateerrors "github.com/agentgate/agentgate/internal/errors"
	"github.com/agentgate/agentgate/internal/events"
	"github.com/agentgate/agentgate/internal/gate"
	"github.com/agentgate/agentgate/internal/monitor"
	"github.com/agentgate/agentgate/internal/order"
	"github.com/agentgate/agentgate/internal/sandbox"
	"github.com/agentgate/agentgate/internal/state"
	"github.com/agentgate/agentgate/internal/storage"
	"github.com/agentgate/agentgate/internal/strategy"
	"github.com/agentgate/agentgate/internal/vcs"
	"github.com/agentgate/agentgate/internal/verify"
)

// Deps carries the engine's collaborators. Config, Store, Machine and
// Sandboxes are required; the rest default sensibly.
type Deps struct {
	Config    *config.Config
	Store     *storage.Store
	Machine   *state.Machine
	Audit     *audit.Log
	Hub       *events.Hub
	Agents    *agent.Registry
	Sandboxes sandbox.Provider
	Monitor   *monitor.Monitor
	Git       *vcs.Git

	// Snapshotter defaults to a git snapshotter over Git.
	Snapshotter vcs.Snapshotter
	// Verifier defaults to the shell command verifier.
	Verifier verify.Verifier
	// Strategies defaults to the built-in registry.
	Strategies *strategy.Registry

	// GatePlan applies to every run. Zero value means the default
	// verification gate.
	GatePlan gate.Plan
	// Strategy selects the loop strategy. Zero value means fixed.
	Strategy strategy.Config
	// Hosting configures PR publication and CI polling.
	Hosting config.HostingConfig

	Logger *slog.Logger
}

// RunConfig is the resolved execution configuration for one run,
// persisted as the run's config artifact.
type RunConfig struct {
	WorkOrderID   string          `json:"workOrderId"`
	RunID         string          `json:"runId"`
	AgentType     order.AgentType `json:"agentType"`
	MaxIterations int             `json:"maxIterations"`
	WallClock     string          `json:"wallClock"`
	GatePlan      gate.Plan       `json:"gatePlan"`
	Strategy      strategy.Config `json:"strategy"`
	VerifyPlan    verify.Plan     `json:"verifyPlan"`
}

// StrategyState is a point-in-time view of an active run's loop
// strategy.
type StrategyState struct {
	RunID        string                      `json:"runId"`
	Name         string                      `json:"name"`
	Iteration    int                         `json:"iteration"`
	Progress     float64                     `json:"progress"`
	LastDecision strategy.Decision           `json:"lastDecision"`
	Loop         strategy.LoopDetection      `json:"loop"`
	History      []strategy.IterationOutcome `json:"history"`
}

// ExecOptions tune one execution.
type ExecOptions struct {
	// Slot is the concurrency slot owned by this execution, released
	// exactly once on every exit path. Nil when the caller does not
	// meter slots.
	Slot *monitor.SlotHandle

	// WallClock overrides the work order's wall-clock budget when set,
	// as a duration string such as "30m" or "2h".
	WallClock string
}

// activeRun is the engine's registry entry for an in-flight run.
type activeRun struct {
	mu       sync.Mutex
	run      *order.Run
	wo       *order.WorkOrder
	cancel   context.CancelFunc
	reason   string
	config   RunConfig
	strat    strategy.Strategy
	orch     *orchestrator
	decision strategy.Decision
}

func (ar *activeRun) requestCancel(reason string) {
	ar.mu.Lock()
	if ar.reason == "" {
		ar.reason = reason
	}
	cancel := ar.cancel
	ar.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (ar *activeRun) cancelReason() string {
	ar.mu.Lock()
	defer ar.mu.Unlock()
	if ar.reason == "" {
		return "canceled"
	}
	return ar.reason
}

func (ar *activeRun) setDecision(d strategy.Decision) {
	ar.mu.Lock()
	ar.decision = d
	ar.mu.Unlock()
}

func (ar *activeRun) lastDecision() strategy.Decision {
	ar.mu.Lock()
	defer ar.mu.Unlock()
	return ar.decision
}

// snapshotRun returns a copy safe to serve while the run mutates.
func (ar *activeRun) snapshotRun() *order.Run {
	ar.mu.Lock()
	defer ar.mu.Unlock()
	cp := *ar.run
	cp.Iterations = append([]order.IterationData(nil), ar.run.Iterations...)
	if ar.run.Before != nil {
		b := *ar.run.Before
		cp.Before = &b
	}
	return &cp
}

// Engine executes work orders and tracks active runs.
type Engine struct {
	cfg         *config.Config
	store       *storage.Store
	machine     *state.Machine
	auditLog    *audit.Log
	hub         *events.Hub
	agents      *agent.Registry
	monitor     *monitor.Monitor
	manager     *Manager
	git         *vcs.Git
	snapshotter vcs.Snapshotter
	verifier    verify.Verifier
	strategies  *strategy.Registry
	approvals   *gate.ApprovalRunner
	gatePlan    gate.Plan
	strategyCfg strategy.Config
	publisher   *publisher
	hosting     config.HostingConfig
	logger      *slog.Logger

	mu     sync.Mutex
	active map[string]*activeRun
}

// New wires an Engine from its dependencies.
func New(d Deps) *Engine {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if d.Snapshotter == nil && d.Git != nil {
		d.Snapshotter = vcs.NewSnapshotter(d.Git, logger)
	}
	if d.Verifier == nil {
		d.Verifier = verify.NewCommandVerifier(logger)
	}
	if d.Strategies == nil {
		d.Strategies = strategy.NewRegistry()
	}
	if len(d.GatePlan.Gates) == 0 {
		d.GatePlan = gate.DefaultPlan()
	}

	e := &Engine{
		cfg:         d.Config,
		store:       d.Store,
		machine:     d.Machine,
		auditLog:    d.Audit,
		hub:         d.Hub,
		agents:      d.Agents,
		monitor:     d.Monitor,
		git:         d.Git,
		snapshotter: d.Snapshotter,
		verifier:    d.Verifier,
		strategies:  d.Strategies,
		approvals:   gate.NewApprovalRunner(),
		gatePlan:    d.GatePlan,
		strategyCfg: d.Strategy,
		hosting:     d.Hosting,
		logger:      logger,
		active:      make(map[string]*activeRun),
	}
	e.manager = NewManager(d.Sandboxes, d.Monitor, d.Config.CleanupDelay(), Hooks{
		OnStarted:   e.onExecutionStarted,
		OnCompleted: e.onExecutionCompleted,
		OnFailed:    e.onExecutionFailed,
	}, logger)
	e.publisher = newPublisher(d.Git, hostingConfig(d.Hosting), logger)
	return e
}

// Execute runs one attempt at the work order and blocks until the run
// reaches a terminal result. The returned run record describes how it
// ended; a non-nil error means no run started (saturation, a bad
// wall-clock override, or a work order outside PENDING/PREPARING).
func (e *Engine) Execute(ctx context.Context, wo *order.WorkOrder, opts ExecOptions) (*order.Run, error) {
	releaseOnRefusal := func() {
		if opts.Slot != nil && e.monitor != nil {
			e.monitor.Release(opts.Slot)
		}
	}

	budget := wo.WallClockBudget()
	if opts.WallClock != "" {
		d, err := time.ParseDuration(opts.WallClock)
		if err != nil {
			releaseOnRefusal()
			return nil, gateerrors.ErrInvalidWorkOrder(
				fmt.Sprintf("wall-clock override %q is not a duration", opts.WallClock))
		}
		budget = d
	}

	driver, err := e.agents.Driver(wo.AgentType)
	if err != nil {
		releaseOnRefusal()
		return nil, err
	}

	strat, err := e.strategies.Resolve(e.strategyCfg)
	if err != nil {
		releaseOnRefusal()
		return nil, gateerrors.ErrInvalidWorkOrder(err.Error())
	}

	runID := uuid.NewString()
	run := &order.Run{
		ID:            runID,
		WorkOrderID:   wo.ID,
		State:         wo.Status,
		MaxIterations: wo.MaxIterations,
		StartedAt:     time.Now().UTC(),
		Iterations:    []order.IterationData{},
	}
	ar := &activeRun{
		run:   run,
		wo:    wo,
		strat: strat,
		config: RunConfig{
			WorkOrderID:   wo.ID,
			RunID:         runID,
			AgentType:     wo.AgentType,
			MaxIterations: wo.MaxIterations,
			WallClock:     budget.String(),
			GatePlan:      e.gatePlan,
			Strategy:      e.strategyCfg,
		},
	}

	e.mu.Lock()
	limit := e.cfg.Execution.MaxConcurrentRuns
	if len(e.active) >= limit {
		e.mu.Unlock()
		releaseOnRefusal()
		return nil, gateerrors.ErrConcurrencyLimit(limit)
	}
	e.active[runID] = ar
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.active, runID)
		e.mu.Unlock()
	}()

	// The scheduler claims before dispatch; claim here for callers
	// that hand over a PENDING order directly.
	if wo.Status == order.StatusPending {
		if err := e.machine.Apply(wo, state.EventClaim, nil); err != nil {
			releaseOnRefusal()
			return nil, err
		}
		e.emitOrderUpdate(wo)
	}
	if wo.Status != order.StatusPreparing {
		releaseOnRefusal()
		return nil, gateerrors.ErrInvalidTransition(string(wo.Status), "execute")
	}
	run.State = wo.Status
	e.saveOrder(wo)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	ar.mu.Lock()
	ar.cancel = cancel
	ar.mu.Unlock()

	execErr := e.manager.Run(runCtx, wo, runID, opts.Slot, func(sb *sandbox.Sandbox) error {
		return e.runLoop(runCtx, ar, driver, sb, budget)
	})

	// Failures the loop did not already translate: sandbox creation,
	// panics, broken lifecycle transitions.
	if execErr != nil && !wo.Status.IsTerminal() && wo.Status != order.StatusWaitingRetry {
		gerr := gateerrors.AsGateError(execErr)
		if gerr == nil {
			gerr = &gateerrors.GateError{
				Code:  gateerrors.CodeSystemError,
				What:  "execution failed",
				Cause: execErr,
			}
		}
		if ferr := e.failRun(ar, gerr); ferr != nil {
			e.logger.Error("could not record execution failure",
				"workOrderId", wo.ID, "runId", runID, "error", ferr)
		}
	}

	e.finalizeRun(ar)
	return ar.snapshotRun(), nil
}

// runLoop performs the iteration loop inside a live sandbox.
func (e *Engine) runLoop(ctx context.Context, ar *activeRun, driver agent.Driver, sb *sandbox.Sandbox, budget time.Duration) error {
	wo, run := ar.wo, ar.run

	e.auditLog.Record(audit.Event{
		WorkOrderID: wo.ID,
		Type:        audit.TypeTransition,
		Event:       string(order.TransitionWorkspaceAcquired),
		Details:     map[string]any{"runId": run.ID, "sandboxId": sb.ID, "dir": sb.Dir},
	})

	if ctx.Err() != nil {
		return e.cancelRun(ar)
	}
	if err := e.machine.Apply(wo, state.EventReady, nil); err != nil {
		return err
	}
	e.emitOrderUpdate(wo)
	ar.mu.Lock()
	run.State = wo.Status
	ar.mu.Unlock()
	e.saveOrder(wo)

	before, err := e.git.BeforeState(ctx, sb.Dir)
	if err != nil {
		return e.failRun(ar, &gateerrors.GateError{
			Code:  gateerrors.CodeWorkspaceError,
			What:  "could not capture workspace state",
			Cause: err,
		})
	}
	branch := fmt.Sprintf("agent/%s", shortID(run.ID))
	if err := e.git.CreateBranch(ctx, sb.Dir, branch); err != nil {
		e.logger.Warn("run branch creation failed, staying on current branch",
			"runId", run.ID, "branch", branch, "error", err)
		branch = before.Branch
	}
	ar.mu.Lock()
	run.Before = &before
	run.Branch = branch
	ar.mu.Unlock()

	verifyPlan := verify.DetectPlan(sb.Dir)
	ar.mu.Lock()
	ar.config.VerifyPlan = verifyPlan
	cfg := ar.config
	ar.mu.Unlock()
	if err := e.store.SaveArtifact(run.ID, storage.ArtifactConfig, 0, cfg); err != nil {
		e.logger.Warn("run config write failed", "runId", run.ID, "error", err)
	}

	orch := &orchestrator{
		driver:        driver,
		snapshotter:   e.snapshotter,
		verifier:      e.verifier,
		gates:         e.newPipeline(sb.Dir),
		gatePlan:      e.gatePlan,
		verifyPlan:    verifyPlan,
		maxIterations: wo.MaxIterations,
		store:         e.store,
		auditLog:      e.auditLog,
		stream:        e.emit,
		logger:        e.logger,
		attempts:      make(map[string]int),
	}
	ar.mu.Lock()
	ar.orch = orch
	ar.mu.Unlock()

	ev := events.NewRunEvent(events.TypeRunStarted, wo.ID, run.ID, 0)
	ev.Data = map[string]any{"branch": branch, "maxIterations": wo.MaxIterations}
	e.emit(ev)

	deadline := time.Now().Add(budget)
	sctx := e.strategyContext(ar, nil)
	ar.strat.OnLoopStart(sctx)
	defer func() {
		ar.strat.OnLoopEnd(e.strategyContext(ar, nil), ar.lastDecision())
	}()

	feedback, sessionID := "", ""
	for iter := 1; iter <= wo.MaxIterations; iter++ {
		if ctx.Err() != nil {
			return e.cancelRun(ar)
		}
		if time.Now().After(deadline) {
			return e.timeoutRun(ar, budget)
		}

		ar.mu.Lock()
		run.Iteration = iter
		ar.mu.Unlock()

		pc := &PhaseContext{
			WorkOrderID: wo.ID,
			RunID:       run.ID,
			Iteration:   iter,
			TaskPrompt:  wo.TaskPrompt,
			Feedback:    feedback,
			SessionID:   sessionID,
			Dir:         sb.Dir,
			Before:      before,
		}
		ar.strat.OnIterationStart(e.strategyContext(ar, nil))

		iterCtx, cancelIter := e.iterationContext(ctx, deadline)
		rep := orch.runIteration(iterCtx, pc)
		cancelIter()

		ar.mu.Lock()
		run.Iterations = append(run.Iterations, rep.data)
		if rep.sessionID != "" {
			sessionID = rep.sessionID
			run.SessionID = sessionID
		}
		run.Tokens.Add(rep.tokensIn, rep.tokensOut)
		ar.mu.Unlock()
		wo.Touch()
		e.saveOrder(wo)
		e.saveRun(run)

		ev := events.NewRunEvent(events.TypeRunIteration, wo.ID, run.ID, iter)
		ev.Data = map[string]any{
			"transition":         string(rep.data.Transition),
			"durationMs":         rep.data.DurationMs,
			"feedbackGenerated":  rep.data.FeedbackGenerated,
			"verificationPassed": rep.data.VerificationPassed,
		}
		e.emit(ev)

		switch {
		case rep.canceled || ctx.Err() != nil:
			return e.cancelRun(ar)
		case rep.failure != nil && time.Now().After(deadline):
			// The wall clock expired mid-iteration and took the
			// iteration down with it.
			return e.timeoutRun(ar, budget)
		case rep.failure != nil:
			return e.failRun(ar, rep.failure)
		case rep.data.Transition == order.TransitionVerifyPassed:
			return e.passRun(ctx, ar, sb)
		}

		// VERIFY_FAILED_CONTINUE: the strategy may still stop early.
		sctx := e.strategyContext(ar, rep)
		decision := ar.strat.ShouldContinue(sctx)
		ar.strat.OnIterationEnd(sctx, decision)
		ar.setDecision(decision)
		switch decision.Kind {
		case strategy.KindStop:
			return e.failRun(ar, &gateerrors.GateError{
				Code: gateerrors.CodeTestFailed,
				What: "loop strategy stopped the run",
				Why:  decision.Reason,
			})
		case strategy.KindPause:
			ar.requestCancel("paused")
			return e.cancelRun(ar)
		}

		if rep.gates != nil && rep.gates.RetryBackoff > 0 {
			select {
			case <-time.After(rep.gates.RetryBackoff):
			case <-ctx.Done():
				return e.cancelRun(ar)
			}
		}
		feedback = rep.feedback
	}

	// The orchestrator marks the final iteration terminal, so this is
	// only reachable when that safeguard is bypassed.
	return e.failRun(ar, &gateerrors.GateError{
		Code: gateerrors.CodeTestFailed,
		What: fmt.Sprintf("verification did not pass within %d iterations", wo.MaxIterations),
	})
}

// iterationContext bounds one iteration by the execution timeout and
// the remaining wall-clock budget, whichever comes first.
func (e *Engine) iterationContext(ctx context.Context, deadline time.Time) (context.Context, context.CancelFunc) {
	d := deadline
	if t := e.cfg.ExecutionTimeout(); t > 0 {
		if et := time.Now().Add(t); et.Before(d) {
			d = et
		}
	}
	return context.WithDeadline(ctx, d)
}

// passRun completes the work order and publishes when requested.
func (e *Engine) passRun(ctx context.Context, ar *activeRun, sb *sandbox.Sandbox) error {
	wo, run := ar.wo, ar.run
	if err := e.machine.Apply(wo, state.EventComplete, nil); err != nil {
		return err
	}
	e.concludeRun(ar, order.ResultPassed)
	ar.setDecision(strategy.Stop("verification_pass"))

	if wo.Publish {
		e.publish(ctx, ar, sb)
	}

	ev := events.NewRunEvent(events.TypeRunCompleted, wo.ID, run.ID, run.Iteration)
	ev.Data = map[string]any{"result": string(run.Result), "iterations": len(run.Iterations)}
	e.emit(ev)
	return nil
}

// failRun applies the fail event with retry classification and records
// the terminal (or waiting_retry) result.
func (e *Engine) failRun(ar *activeRun, gerr *gateerrors.GateError) error {
	wo, run := ar.wo, ar.run
	failure := &state.FailureContext{
		Code:             gerr.Code,
		Message:          gerr.Error(),
		Details:          gerr.Details(),
		UnderRetryBudget: wo.RetryCount < e.cfg.Retry.MaxRetries,
	}
	if err := e.machine.Apply(wo, state.EventFail, failure); err != nil {
		return err
	}
	e.concludeRun(ar, state.TerminalResult(order.StatusFailed, gerr.Code))
	ar.setDecision(strategy.Stop(string(gerr.Code)))

	ev := events.NewRunEvent(events.TypeRunFailed, wo.ID, run.ID, run.Iteration)
	ev.Data = map[string]any{
		"result":       string(run.Result),
		"code":         string(gerr.Code),
		"message":      gerr.What,
		"willRetry":    wo.Status == order.StatusWaitingRetry,
		"retryCount":   wo.RetryCount,
	}
	e.emit(ev)
	return nil
}

// timeoutRun ends a run that exceeded its wall-clock budget.
func (e *Engine) timeoutRun(ar *activeRun, budget time.Duration) error {
	return e.failRun(ar, gateerrors.ErrExecutionTimeout(budget.String()))
}

// cancelRun ends a run whose cancellation was requested.
func (e *Engine) cancelRun(ar *activeRun) error {
	wo, run := ar.wo, ar.run
	reason := ar.cancelReason()
	failure := &state.FailureContext{
		Code:    gateerrors.CodeCancelled,
		Message: reason,
		Details: map[string]any{"reason": reason},
	}
	if err := e.machine.Apply(wo, state.EventCancel, failure); err != nil {
		return err
	}
	e.concludeRun(ar, order.ResultCanceled)
	ar.setDecision(strategy.Stop(reason))

	ev := events.NewRunEvent(events.TypeRunCompleted, wo.ID, run.ID, run.Iteration)
	ev.Data = map[string]any{"result": string(order.ResultCanceled), "reason": reason}
	e.emit(ev)
	return nil
}

// concludeRun stamps the run record with its result and persists both
// records.
func (e *Engine) concludeRun(ar *activeRun, result order.RunResult) {
	wo, run := ar.wo, ar.run
	now := time.Now().UTC()
	ar.mu.Lock()
	run.Result = result
	run.State = wo.Status
	run.CompletedAt = &now
	ar.mu.Unlock()
	wo.RunID = run.ID
	e.emitOrderUpdate(wo)
	e.saveOrder(wo)
	e.saveRun(run)
}

// finalizeRun persists whatever state the run ended in. Runs that
// failed before any terminal path (broken transitions) still leave a
// record behind.
func (e *Engine) finalizeRun(ar *activeRun) {
	ar.mu.Lock()
	unconcluded := ar.run.CompletedAt == nil
	if unconcluded {
		now := time.Now().UTC()
		ar.run.CompletedAt = &now
		if ar.run.Result == "" {
			ar.run.Result = order.ResultFailedError
		}
		ar.run.State = ar.wo.Status
	}
	ar.mu.Unlock()
	if unconcluded {
		e.saveRun(ar.run)
	}
}

// publish pushes the run branch and opens a pull request. Publication
// failures mark the run record and never fail the run.
func (e *Engine) publish(ctx context.Context, ar *activeRun, sb *sandbox.Sandbox) {
	wo, run := ar.wo, ar.run
	url, err := e.publisher.publish(ctx, wo, run, sb.Dir)
	ar.mu.Lock()
	if err != nil {
		run.PublishError = err.Error()
	} else {
		run.PullRequestURL = url
	}
	ar.mu.Unlock()
	if err != nil {
		e.logger.Warn("publication failed",
			"workOrderId", wo.ID, "runId", run.ID, "error", err)
		e.auditLog.RecordWarning(wo.ID, "publication failed", map[string]any{
			"runId": run.ID,
			"error": err.Error(),
		})
	} else {
		e.logger.Info("opened pull request",
			"workOrderId", wo.ID, "runId", run.ID, "url", url)
	}
	e.saveRun(run)
}

// newPipeline registers the gate runners for one run. The CI source is
// bound to the run's sandbox so check polling follows its remote.
func (e *Engine) newPipeline(dir string) *gate.Pipeline {
	p := gate.NewPipeline(e.auditLog, e.logger)
	p.Register(gate.CheckVerificationLevels, gate.VerificationRunner{})
	p.Register(gate.CheckCustomCommand, gate.NewCommandRunner(e.logger))
	p.Register(gate.CheckApproval, e.approvals)
	p.Register(gate.CheckConvergence, gate.ConvergenceRunner{})
	p.Register(gate.CheckCIPoll, gate.NewCIPollRunner(newCISource(dir, hostingConfig(e.hosting)), e.logger))
	return p
}

// strategyContext assembles the read-only view strategies see.
func (e *Engine) strategyContext(ar *activeRun, rep *iterationReport) *strategy.Context {
	ar.mu.Lock()
	defer ar.mu.Unlock()
	sctx := &strategy.Context{
		WorkOrderID:   ar.wo.ID,
		RunID:         ar.run.ID,
		Iteration:     ar.run.Iteration,
		MaxIterations: ar.wo.MaxIterations,
	}
	if ar.orch != nil {
		sctx.History = append([]strategy.IterationOutcome(nil), ar.orch.history...)
	}
	if rep != nil {
		sctx.VerificationPassed = rep.data.VerificationPassed
		sctx.Snapshot = rep.snapshot
		if rep.gates != nil {
			for _, gr := range rep.gates.Results {
				if gr.Type == gate.CheckCIPoll && !gr.Skipped {
					passed := gr.Passed
					sctx.CIPassed = &passed
					break
				}
			}
		}
	}
	return sctx
}

// Cancel requests cancellation of an active run.
func (e *Engine) Cancel(runID, reason string) error {
	e.mu.Lock()
	ar, ok := e.active[runID]
	e.mu.Unlock()
	if !ok {
		return gateerrors.ErrRunNotFound(runID)
	}
	ar.requestCancel(reason)
	return nil
}

// CancelWorkOrder cancels the active run belonging to the work order.
// Reports whether one was found.
func (e *Engine) CancelWorkOrder(workOrderID, reason string) bool {
	e.mu.Lock()
	var target *activeRun
	for _, ar := range e.active {
		if ar.wo.ID == workOrderID {
			target = ar
			break
		}
	}
	e.mu.Unlock()
	if target == nil {
		return false
	}
	target.requestCancel(reason)
	return true
}

// Status returns the run record: a live snapshot for active runs, the
// persisted record otherwise.
func (e *Engine) Status(runID string) (*order.Run, error) {
	e.mu.Lock()
	ar, ok := e.active[runID]
	e.mu.Unlock()
	if ok {
		return ar.snapshotRun(), nil
	}
	return e.store.LoadRun(runID)
}

// ActiveCount returns the number of in-flight runs.
func (e *Engine) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// ActiveRuns returns snapshots of every in-flight run.
func (e *Engine) ActiveRuns() []*order.Run {
	e.mu.Lock()
	ars := make([]*activeRun, 0, len(e.active))
	for _, ar := range e.active {
		ars = append(ars, ar)
	}
	e.mu.Unlock()

	runs := make([]*order.Run, 0, len(ars))
	for _, ar := range ars {
		runs = append(runs, ar.snapshotRun())
	}
	return runs
}

// ActiveRunID returns the in-flight run id for a work order.
func (e *Engine) ActiveRunID(workOrderID string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, ar := range e.active {
		if ar.wo.ID == workOrderID {
			return id, true
		}
	}
	return "", false
}

// RunConfig returns the resolved configuration for a run: from memory
// while active, from the config artifact afterwards.
func (e *Engine) RunConfig(runID string) (*RunConfig, error) {
	e.mu.Lock()
	ar, ok := e.active[runID]
	e.mu.Unlock()
	if ok {
		ar.mu.Lock()
		cfg := ar.config
		ar.mu.Unlock()
		return &cfg, nil
	}
	var cfg RunConfig
	if err := e.store.LoadArtifact(runID, storage.ArtifactConfig, 0, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// StrategyState reports the loop strategy's view of an active run.
func (e *Engine) StrategyState(runID string) (*StrategyState, error) {
	e.mu.Lock()
	ar, ok := e.active[runID]
	e.mu.Unlock()
	if !ok {
		return nil, gateerrors.ErrRunNotFound(runID)
	}
	sctx := e.strategyContext(ar, nil)
	ar.mu.Lock()
	st := &StrategyState{
		RunID:        ar.run.ID,
		Name:         ar.strat.Name(),
		Iteration:    ar.run.Iteration,
		LastDecision: ar.decision,
	}
	ar.mu.Unlock()
	st.Progress = ar.strat.Progress(sctx)
	st.Loop = ar.strat.DetectLoop(sctx)
	st.History = sctx.History
	return st, nil
}

// Approvals exposes the approval gate runner so external surfaces can
// grant or deny approval gates.
func (e *Engine) Approvals() *gate.ApprovalRunner {
	return e.approvals
}

// Manager lifecycle hooks.

func (e *Engine) onExecutionStarted(wo *order.WorkOrder, runID string) {
	e.logger.Info("execution started", "workOrderId", wo.ID, "runId", runID)
	e.auditLog.Record(audit.Event{
		WorkOrderID: wo.ID,
		Type:        audit.TypeTransition,
		Event:       "execution_started",
		Details:     map[string]any{"runId": runID},
	})
}

func (e *Engine) onExecutionCompleted(wo *order.WorkOrder, runID string) {
	e.logger.Info("execution completed",
		"workOrderId", wo.ID, "runId", runID, "status", string(wo.Status))
	e.auditLog.Record(audit.Event{
		WorkOrderID: wo.ID,
		Type:        audit.TypeTransition,
		Event:       "execution_completed",
		Details:     map[string]any{"runId": runID, "status": string(wo.Status)},
	})
}

func (e *Engine) onExecutionFailed(wo *order.WorkOrder, runID string, err error) {
	e.logger.Error("execution failed",
		"workOrderId", wo.ID, "runId", runID, "error", err)
	e.auditLog.Record(audit.Event{
		WorkOrderID: wo.ID,
		Type:        audit.TypeTransition,
		Event:       "execution_failed",
		Details:     map[string]any{"runId": runID, "error": err.Error()},
	})
}

// Persistence and event helpers. Run and order writes during the loop
// are best-effort; the terminal write failing is logged loudly.

func (e *Engine) saveOrder(wo *order.WorkOrder) {
	if err := e.store.Save(wo); err != nil {
		e.logger.Error("work order write failed", "workOrderId", wo.ID, "error", err)
	}
}

func (e *Engine) saveRun(run *order.Run) {
	if err := e.store.SaveRun(run); err != nil {
		e.logger.Error("run write failed", "runId", run.ID, "error", err)
	}
}

func (e *Engine) emit(ev events.StreamEvent) {
	if e.hub != nil {
		e.hub.Emit(ev)
	}
}

func (e *Engine) emitOrderUpdate(wo *order.WorkOrder) {
	ev := events.New(events.TypeWorkOrderUpdated, wo.ID)
	ev.Data = map[string]any{"status": string(wo.Status)}
	if wo.RunID != "" {
		ev.RunID = wo.RunID
	}
	e.emit(ev)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
