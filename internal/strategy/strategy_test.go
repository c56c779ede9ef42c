package strategy

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgate/agentgate/internal/order"
)

func boolPtr(b bool) *bool { return &b }

func snap(filesChanged int) *order.Snapshot {
	return &order.Snapshot{FilesChanged: filesChanged}
}

// outcome builds a history entry with a fingerprint derived from its
// fields, the way the engine does.
func outcome(index, filesChanged, failedChecks int, verified *bool) IterationOutcome {
	o := IterationOutcome{
		Index:              index,
		FilesChanged:       filesChanged,
		FailedChecks:       failedChecks,
		VerificationPassed: verified,
	}
	o.Fingerprint = Fingerprint(o)
	return o
}

func loopContext(iteration, maxIterations int) *Context {
	return &Context{
		WorkOrderID:   "wo-1",
		RunID:         "run-1",
		Iteration:     iteration,
		MaxIterations: maxIterations,
	}
}

func TestRegistry_ResolvesBuiltins(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	for _, name := range []string{"fixed", "hybrid", "convergence"} {
		s, err := r.Resolve(Config{Name: name})
		require.NoError(t, err, name)
		assert.Equal(t, name, s.Name())
	}

	s, err := r.Resolve(Config{})
	require.NoError(t, err)
	assert.Equal(t, "fixed", s.Name(), "empty name defaults to fixed")
}

func TestRegistry_UnknownStrategy(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	_, err := r.Resolve(Config{Name: "simulated-annealing"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown strategy")
}

type stubStrategy struct {
	Fixed
	initErr error
}

func (s *stubStrategy) Name() string              { return "stub" }
func (s *stubStrategy) Initialize(c Config) error { return s.initErr }

func TestRegistry_CustomDelegation(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	r.Register("stub", func() Strategy { return &stubStrategy{} })

	s, err := r.Resolve(Config{Name: "custom", Custom: "stub"})
	require.NoError(t, err)
	assert.Equal(t, "stub", s.Name())

	_, err = r.Resolve(Config{Name: "custom", Custom: "missing"})
	require.Error(t, err, "unresolvable delegate is fatal")

	_, err = r.Resolve(Config{Name: "custom"})
	require.Error(t, err, "custom without a delegate name is fatal")
}

func TestRegistry_CustomInitializeFailureIsFatal(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	r.Register("exploding", func() Strategy {
		return &stubStrategy{initErr: errors.New("bad config")}
	})

	_, err := r.Resolve(Config{Name: "custom", Custom: "exploding"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad config")
}

func TestFixed_StopsOnVerificationPass(t *testing.T) {
	t.Parallel()
	f := &Fixed{}
	require.NoError(t, f.Initialize(Config{}))

	ctx := loopContext(1, 5)
	ctx.VerificationPassed = boolPtr(true)

	d := f.ShouldContinue(ctx)
	assert.Equal(t, KindStop, d.Kind)
	assert.Equal(t, SignalVerificationPass, d.Reason)
}

func TestFixed_StopsOnNoChanges(t *testing.T) {
	t.Parallel()
	f := &Fixed{}
	require.NoError(t, f.Initialize(Config{}))

	ctx := loopContext(1, 5)
	ctx.VerificationPassed = boolPtr(false)
	ctx.Snapshot = snap(0)

	d := f.ShouldContinue(ctx)
	assert.Equal(t, KindStop, d.Kind)
	assert.Equal(t, SignalNoChanges, d.Reason)
}

func TestFixed_ContinuesUntilBudget(t *testing.T) {
	t.Parallel()
	f := &Fixed{}
	require.NoError(t, f.Initialize(Config{}))

	ctx := loopContext(2, 3)
	ctx.VerificationPassed = boolPtr(false)
	ctx.Snapshot = snap(4)

	assert.Equal(t, KindContinue, f.ShouldContinue(ctx).Kind)

	ctx.Iteration = 3
	d := f.ShouldContinue(ctx)
	assert.Equal(t, KindStop, d.Kind)
	assert.Equal(t, "max_iterations", d.Reason)
}

func TestFixed_LoopDetectionSignal(t *testing.T) {
	t.Parallel()
	f := &Fixed{}
	require.NoError(t, f.Initialize(Config{
		CompletionSignals: []string{SignalLoopDetection},
	}))

	ctx := loopContext(3, 10)
	ctx.Snapshot = snap(2)
	for i := 1; i <= 3; i++ {
		ctx.History = append(ctx.History, outcome(i, 2, 1, boolPtr(false)))
	}

	d := f.ShouldContinue(ctx)
	assert.Equal(t, KindStop, d.Kind)
	assert.Equal(t, SignalLoopDetection, d.Reason)
}

func TestFixed_CIPassSignal(t *testing.T) {
	t.Parallel()
	f := &Fixed{}
	require.NoError(t, f.Initialize(Config{
		CompletionSignals: []string{SignalCIPass},
	}))

	ctx := loopContext(1, 5)
	ctx.CIPassed = boolPtr(true)

	d := f.ShouldContinue(ctx)
	assert.Equal(t, KindStop, d.Kind)
	assert.Equal(t, SignalCIPass, d.Reason)
}

func TestHybrid_BonusRequiresProgress(t *testing.T) {
	t.Parallel()
	h := &Hybrid{}
	require.NoError(t, h.Initialize(Config{
		BaseIterations:    2,
		BonusIterations:   2,
		ProgressThreshold: 0.2,
	}))

	// Inside the base budget: continues regardless of progress.
	ctx := loopContext(1, 10)
	ctx.VerificationPassed = boolPtr(false)
	ctx.History = []IterationOutcome{outcome(1, 0, 5, boolPtr(false))}
	assert.Equal(t, KindContinue, h.ShouldContinue(ctx).Kind)

	// Bonus window with improving checks: 5 -> 3 failed is 40%.
	ctx.Iteration = 2
	ctx.History = append(ctx.History, outcome(2, 3, 3, boolPtr(false)))
	assert.Equal(t, KindContinue, h.ShouldContinue(ctx).Kind)

	// Bonus window with stalled checks: no improvement, below threshold.
	ctx.Iteration = 3
	ctx.History = append(ctx.History, outcome(3, 0, 3, boolPtr(false)))
	d := h.ShouldContinue(ctx)
	assert.Equal(t, KindStop, d.Kind)
	assert.Equal(t, "no_progress", d.Reason)
}

func TestHybrid_StopsAtBasePlusBonus(t *testing.T) {
	t.Parallel()
	h := &Hybrid{}
	require.NoError(t, h.Initialize(Config{BaseIterations: 2, BonusIterations: 1}))

	ctx := loopContext(3, 10)
	ctx.VerificationPassed = boolPtr(false)

	d := h.ShouldContinue(ctx)
	assert.Equal(t, KindStop, d.Kind)
	assert.Equal(t, "max_iterations", d.Reason)
}

func TestConvergence_StopsWhenOutcomesStabilise(t *testing.T) {
	t.Parallel()
	c := &Convergence{}
	require.NoError(t, c.Initialize(Config{
		WindowSize:           3,
		ConvergenceThreshold: 0.9,
		MinIterations:        2,
	}))

	ctx := loopContext(3, 10)
	ctx.VerificationPassed = boolPtr(false)
	for i := 1; i <= 3; i++ {
		ctx.History = append(ctx.History, outcome(i, 1, 2, boolPtr(false)))
	}

	d := c.ShouldContinue(ctx)
	assert.Equal(t, KindStop, d.Kind)
	assert.Equal(t, "converged", d.Reason)
}

func TestConvergence_KeepsGoingWhileChanging(t *testing.T) {
	t.Parallel()
	c := &Convergence{}
	require.NoError(t, c.Initialize(Config{WindowSize: 3, MinIterations: 2}))

	ctx := loopContext(3, 10)
	ctx.VerificationPassed = boolPtr(false)
	for i := 1; i <= 3; i++ {
		ctx.History = append(ctx.History, outcome(i, i*7, 10-i*3, boolPtr(false)))
	}

	assert.Equal(t, KindContinue, c.ShouldContinue(ctx).Kind)
}

func TestConvergence_RespectsMinIterations(t *testing.T) {
	t.Parallel()
	c := &Convergence{}
	require.NoError(t, c.Initialize(Config{WindowSize: 2, MinIterations: 4}))

	ctx := loopContext(2, 10)
	ctx.VerificationPassed = boolPtr(false)
	for i := 1; i <= 2; i++ {
		ctx.History = append(ctx.History, outcome(i, 1, 2, boolPtr(false)))
	}

	assert.Equal(t, KindContinue, c.ShouldContinue(ctx).Kind,
		"identical outcomes before minIterations do not converge")
}

func TestBigramSimilarity(t *testing.T) {
	t.Parallel()
	assert.InDelta(t, 1.0, bigramSimilarity("files 3 ins 10", "files 3 ins 10"), 1e-9)
	assert.InDelta(t, 0.0, bigramSimilarity("alpha beta gamma", "delta epsilon zeta"), 1e-9)

	partial := bigramSimilarity("files 3 ins 10 del 2", "files 3 ins 11 del 2")
	assert.Greater(t, partial, 0.0)
	assert.Less(t, partial, 1.0)
}

func TestDetectRepetition(t *testing.T) {
	t.Parallel()
	var history []IterationOutcome
	assert.False(t, detectRepetition(history).Detected)

	for i := 1; i <= 2; i++ {
		history = append(history, outcome(i, 1, 1, boolPtr(false)))
	}
	ld := detectRepetition(history)
	assert.True(t, ld.Detected)
	assert.InDelta(t, 0.6, ld.Confidence, 1e-9)

	history = append(history, outcome(3, 1, 1, boolPtr(false)))
	ld = detectRepetition(history)
	assert.True(t, ld.Detected)
	assert.GreaterOrEqual(t, ld.Confidence, LoopConfidenceThreshold)
}

func TestMeasureProgress(t *testing.T) {
	t.Parallel()
	assert.Zero(t, measureProgress(nil))

	passed := []IterationOutcome{outcome(1, 2, 0, boolPtr(true))}
	assert.InDelta(t, 1.0, measureProgress(passed), 1e-9)

	stalled := []IterationOutcome{
		outcome(1, 2, 4, boolPtr(false)),
		outcome(2, 0, 4, boolPtr(false)),
	}
	assert.Zero(t, measureProgress(stalled))

	improving := []IterationOutcome{
		outcome(1, 2, 4, boolPtr(false)),
		outcome(2, 3, 1, boolPtr(false)),
	}
	assert.InDelta(t, 0.75, measureProgress(improving), 1e-9)
}
