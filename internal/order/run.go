package order

import "time"

// RunResult categorises how a run ended.
type RunResult string

const (
	ResultPassed             RunResult = "PASSED"
	ResultFailedVerification RunResult = "FAILED_VERIFICATION"
	ResultFailedError        RunResult = "FAILED_ERROR"
	ResultFailedTimeout      RunResult = "FAILED_TIMEOUT"
	ResultCanceled           RunResult = "CANCELED"
)

// Transition is the single state-transition name the phase orchestrator
// emits per iteration.
type Transition string

const (
	TransitionBuildStarted         Transition = "BUILD_STARTED"
	TransitionBuildFailed          Transition = "BUILD_FAILED"
	TransitionVerifyPassed         Transition = "VERIFY_PASSED"
	TransitionVerifyFailedContinue Transition = "VERIFY_FAILED_CONTINUE"
	TransitionVerifyFailedTerminal Transition = "VERIFY_FAILED_TERMINAL"
	TransitionSystemError          Transition = "SYSTEM_ERROR"
	TransitionWorkspaceAcquired    Transition = "WORKSPACE_ACQUIRED"
)

// TokenUsage tracks agent token consumption across a run.
type TokenUsage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
	TotalTokens  int `json:"totalTokens"`
}

// Add accumulates token counts.
func (t *TokenUsage) Add(input, output int) {
	t.InputTokens += input
	t.OutputTokens += output
	t.TotalTokens += input + output
}

// BeforeState captures VCS state before the first Build phase.
type BeforeState struct {
	SHA    string `json:"sha"`
	Branch string `json:"branch"`
	Dirty  bool   `json:"dirty"`
}

// PhaseTimings records per-phase duration for one iteration.
type PhaseTimings struct {
	BuildMs    int64 `json:"buildMs"`
	SnapshotMs int64 `json:"snapshotMs"`
	VerifyMs   int64 `json:"verifyMs"`
	FeedbackMs int64 `json:"feedbackMs"`
}

// IterationData records what happened during iteration Index.
type IterationData struct {
	Index              int            `json:"index"`
	StartedAt          time.Time      `json:"startedAt"`
	CompletedAt        *time.Time     `json:"completedAt,omitempty"`
	DurationMs         int64          `json:"durationMs"`
	Phases             PhaseTimings   `json:"phases"`
	SnapshotID         string         `json:"snapshotId,omitempty"`
	VerificationPassed *bool          `json:"verificationPassed,omitempty"`
	FeedbackGenerated  bool           `json:"feedbackGenerated"`
	Transition         Transition     `json:"transition,omitempty"`
	Error              *TerminalError `json:"error,omitempty"`
}

// Run is one bounded attempt to satisfy a work order.
type Run struct {
	ID             string          `json:"id"`
	WorkOrderID    string          `json:"workOrderId"`
	State          Status          `json:"state"`
	Iteration      int             `json:"iteration"` // 1-based, the iteration in progress or last finished
	MaxIterations  int             `json:"maxIterations"`
	StartedAt      time.Time       `json:"startedAt"`
	CompletedAt    *time.Time      `json:"completedAt,omitempty"`
	Result         RunResult       `json:"result,omitempty"`
	Iterations     []IterationData `json:"iterations"`
	SessionID      string          `json:"sessionId,omitempty"`
	Branch         string          `json:"branch,omitempty"`
	PullRequestURL string          `json:"pullRequestUrl,omitempty"`
	PublishError   string          `json:"publishError,omitempty"`
	Tokens         TokenUsage      `json:"tokens"`
	Before         *BeforeState    `json:"before,omitempty"`
}

// Snapshot is the captured VCS state after one Build phase.
type Snapshot struct {
	ID            string    `json:"id"`
	RunID         string    `json:"runId"`
	Iteration     int       `json:"iteration"`
	BeforeSHA     string    `json:"beforeSha"`
	AfterSHA      string    `json:"afterSha"`
	Branch        string    `json:"branch"`
	CommitMessage string    `json:"commitMessage,omitempty"`
	FilesChanged  int       `json:"filesChanged"`
	Insertions    int       `json:"insertions"`
	Deletions     int       `json:"deletions"`
	CreatedAt     time.Time `json:"createdAt"`
}

// VerificationLevel names the four verifier levels.
type VerificationLevel string

const (
	LevelContract    VerificationLevel = "L0"
	LevelLint        VerificationLevel = "L1"
	LevelTest        VerificationLevel = "L2"
	LevelIntegration VerificationLevel = "L3"
)

// CheckResult is one named check inside a verification level.
type CheckResult struct {
	Name    string `json:"name"`
	Passed  bool   `json:"passed"`
	Message string `json:"message,omitempty"`
	Details string `json:"details,omitempty"`
}

// LevelResult is the outcome of one verification level.
type LevelResult struct {
	Level      VerificationLevel `json:"level"`
	Name       string            `json:"name,omitempty"`
	Passed     bool              `json:"passed"`
	Checks     []CheckResult     `json:"checks"`
	DurationMs int64             `json:"durationMs"`
}

// VerificationReport is the per-iteration verifier output.
type VerificationReport struct {
	RunID           string        `json:"runId,omitempty"`
	Iteration       int           `json:"iteration,omitempty"`
	Levels          []LevelResult `json:"levels"`
	Passed          bool          `json:"passed"`
	TotalDurationMs int64         `json:"totalDurationMs"`
	Diagnostics     string        `json:"diagnostics,omitempty"`
}

// FailedChecks returns every non-passing check across all levels.
func (r *VerificationReport) FailedChecks() []CheckResult {
	var failed []CheckResult
	for _, level := range r.Levels {
		for _, check := range level.Checks {
			if !check.Passed {
				failed = append(failed, check)
			}
		}
	}
	return failed
}
