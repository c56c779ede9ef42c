package strategy

// Hybrid runs a fixed base budget, then grants bonus iterations only
// while measured progress stays at or above the threshold.
type Hybrid struct {
	base      int
	bonus     int
	threshold float64
}

// Name implements Strategy.
func (h *Hybrid) Name() string { return "hybrid" }

// Initialize implements Strategy.
func (h *Hybrid) Initialize(cfg Config) error {
	h.base = cfg.BaseIterations
	if h.base <= 0 {
		h.base = 3
	}
	h.bonus = cfg.BonusIterations
	if h.bonus <= 0 {
		h.bonus = 2
	}
	h.threshold = cfg.ProgressThreshold
	if h.threshold <= 0 {
		h.threshold = 0.1
	}
	return nil
}

// OnLoopStart implements Strategy.
func (h *Hybrid) OnLoopStart(*Context) {}

// OnIterationStart implements Strategy.
func (h *Hybrid) OnIterationStart(*Context) {}

// ShouldContinue implements Strategy.
func (h *Hybrid) ShouldContinue(ctx *Context) Decision {
	if ctx.VerificationPassed != nil && *ctx.VerificationPassed {
		return Stop(SignalVerificationPass)
	}
	if ctx.Iteration < h.base {
		return Continue()
	}
	if ctx.Iteration >= h.base+h.bonus {
		return Stop("max_iterations")
	}
	if h.Progress(ctx) >= h.threshold {
		return Continue()
	}
	return Stop("no_progress")
}

// OnIterationEnd implements Strategy.
func (h *Hybrid) OnIterationEnd(*Context, Decision) {}

// OnLoopEnd implements Strategy.
func (h *Hybrid) OnLoopEnd(*Context, Decision) {}

// Progress implements Strategy.
func (h *Hybrid) Progress(ctx *Context) float64 {
	return measureProgress(ctx.History)
}

// DetectLoop implements Strategy.
func (h *Hybrid) DetectLoop(ctx *Context) LoopDetection {
	return detectRepetition(ctx.History)
}

// Reset implements Strategy.
func (h *Hybrid) Reset() {}
