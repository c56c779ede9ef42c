package strategy

// Convergence stops once recent iterations stop meaningfully changing:
// when every pair within the trailing window is at least
// convergenceThreshold similar and the minimum iteration count has
// been reached. Similarity is token-bigram overlap of outcome
// fingerprints.
type Convergence struct {
	windowSize    int
	threshold     float64
	minIterations int
}

// Name implements Strategy.
func (c *Convergence) Name() string { return "convergence" }

// Initialize implements Strategy.
func (c *Convergence) Initialize(cfg Config) error {
	c.windowSize = cfg.WindowSize
	if c.windowSize <= 1 {
		c.windowSize = 3
	}
	c.threshold = cfg.ConvergenceThreshold
	if c.threshold <= 0 {
		c.threshold = 0.9
	}
	c.minIterations = cfg.MinIterations
	if c.minIterations <= 0 {
		c.minIterations = 2
	}
	return nil
}

// OnLoopStart implements Strategy.
func (c *Convergence) OnLoopStart(*Context) {}

// OnIterationStart implements Strategy.
func (c *Convergence) OnIterationStart(*Context) {}

// ShouldContinue implements Strategy.
func (c *Convergence) ShouldContinue(ctx *Context) Decision {
	if ctx.VerificationPassed != nil && *ctx.VerificationPassed {
		return Stop(SignalVerificationPass)
	}
	if ctx.Iteration >= c.minIterations && Converged(ctx.History, c.windowSize, c.threshold) {
		return Stop("converged")
	}
	if ctx.Iteration >= ctx.MaxIterations {
		return Stop("max_iterations")
	}
	return Continue()
}

// OnIterationEnd implements Strategy.
func (c *Convergence) OnIterationEnd(*Context, Decision) {}

// OnLoopEnd implements Strategy.
func (c *Convergence) OnLoopEnd(*Context, Decision) {}

// Progress implements Strategy.
func (c *Convergence) Progress(ctx *Context) float64 {
	return measureProgress(ctx.History)
}

// DetectLoop implements Strategy.
func (c *Convergence) DetectLoop(ctx *Context) LoopDetection {
	return detectRepetition(ctx.History)
}

// Reset implements Strategy.
func (c *Convergence) Reset() {}
