package strategy

// Fixed iterates until the budget runs out or an enabled completion
// signal fires. The default signal set is verification_pass and
// no_changes.
type Fixed struct {
	signals map[string]bool
}

// Name implements Strategy.
func (f *Fixed) Name() string { return "fixed" }

// Initialize implements Strategy.
func (f *Fixed) Initialize(cfg Config) error {
	enabled := cfg.CompletionSignals
	if len(enabled) == 0 {
		enabled = []string{SignalVerificationPass, SignalNoChanges}
	}
	f.signals = make(map[string]bool, len(enabled))
	for _, s := range enabled {
		f.signals[s] = true
	}
	return nil
}

// OnLoopStart implements Strategy.
func (f *Fixed) OnLoopStart(*Context) {}

// OnIterationStart implements Strategy.
func (f *Fixed) OnIterationStart(*Context) {}

// ShouldContinue stops on the first enabled signal that fires, then on
// budget exhaustion.
func (f *Fixed) ShouldContinue(ctx *Context) Decision {
	if f.signals[SignalVerificationPass] &&
		ctx.VerificationPassed != nil && *ctx.VerificationPassed {
		return Stop(SignalVerificationPass)
	}
	if f.signals[SignalNoChanges] &&
		ctx.Snapshot != nil && ctx.Snapshot.FilesChanged == 0 {
		return Stop(SignalNoChanges)
	}
	if f.signals[SignalLoopDetection] {
		if ld := f.DetectLoop(ctx); ld.Confidence >= LoopConfidenceThreshold {
			return Stop(SignalLoopDetection)
		}
	}
	if f.signals[SignalCIPass] && ctx.CIPassed != nil && *ctx.CIPassed {
		return Stop(SignalCIPass)
	}
	if ctx.Iteration >= ctx.MaxIterations {
		return Stop("max_iterations")
	}
	return Continue()
}

// OnIterationEnd implements Strategy.
func (f *Fixed) OnIterationEnd(*Context, Decision) {}

// OnLoopEnd implements Strategy.
func (f *Fixed) OnLoopEnd(*Context, Decision) {}

// Progress implements Strategy.
func (f *Fixed) Progress(ctx *Context) float64 {
	return measureProgress(ctx.History)
}

// DetectLoop implements Strategy.
func (f *Fixed) DetectLoop(ctx *Context) LoopDetection {
	return detectRepetition(ctx.History)
}

// Reset implements Strategy.
func (f *Fixed) Reset() {}
