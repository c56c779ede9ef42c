// Package errors provides structured error types for agentgate.
package errors

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Code represents a unique error code.
type Code string

// Error codes for agentgate.
const (
	// Transient errors (retryable)
	CodeOOMKilled             Code = "OOM_KILLED"
	CodeTimeout               Code = "TIMEOUT"
	CodeNetworkError          Code = "NETWORK_ERROR"
	CodeSandboxCreationFailed Code = "SANDBOX_CREATION_FAILED"

	// Non-retryable errors
	CodeInvalidWorkOrder Code = "INVALID_WORK_ORDER"
	CodeAgentFatalError  Code = "AGENT_FATAL_ERROR"
	CodeCancelled        Code = "CANCELLED"

	// Build-phase errors
	CodeAgentCrash       Code = "AGENT_CRASH"
	CodeAgentTimeout     Code = "AGENT_TIMEOUT"
	CodeAgentTaskFailure Code = "AGENT_TASK_FAILURE"

	// Verification errors
	CodeTypecheckFailed Code = "TYPECHECK_FAILED"
	CodeLintFailed      Code = "LINT_FAILED"
	CodeTestFailed      Code = "TEST_FAILED"
	CodeBlackboxFailed  Code = "BLACKBOX_FAILED"
	CodeCIFailed        Code = "CI_FAILED"

	// Infrastructure errors
	CodeWorkspaceError Code = "WORKSPACE_ERROR"
	CodeSnapshotError  Code = "SNAPSHOT_ERROR"
	CodeGitHubError    Code = "GITHUB_ERROR"
	CodeSystemError    Code = "SYSTEM_ERROR"
	CodeUnknown        Code = "UNKNOWN"

	// Lifecycle and API errors
	CodeInvalidTransition Code = "INVALID_TRANSITION"
	CodeWorkOrderNotFound Code = "WORK_ORDER_NOT_FOUND"
	CodeRunNotFound       Code = "RUN_NOT_FOUND"
	CodeConcurrencyLimit  Code = "CONCURRENCY_LIMIT"
	CodeCorruptRecord     Code = "CORRUPT_RECORD"
	CodeConfigInvalid     Code = "CONFIG_INVALID"
	CodeUnauthorized      Code = "UNAUTHORIZED"
	CodeValidationFailed  Code = "VALIDATION_FAILED"
	CodeRateLimited       Code = "RATE_LIMITED"
)

// Category groups error codes for HTTP status mapping.
type Category int

const (
	CategoryInternal Category = iota
	CategoryBadRequest
	CategoryUnauthorized
	CategoryNotFound
	CategoryConflict
	CategoryRateLimited
)

// codeCategories maps error codes to their categories.
// Codes absent from the map are internal.
var codeCategories = map[Code]Category{
	CodeInvalidWorkOrder:  CategoryBadRequest,
	CodeValidationFailed:  CategoryBadRequest,
	CodeConfigInvalid:     CategoryBadRequest,
	CodeUnauthorized:      CategoryUnauthorized,
	CodeWorkOrderNotFound: CategoryNotFound,
	CodeRunNotFound:       CategoryNotFound,
	CodeInvalidTransition: CategoryConflict,
	CodeConcurrencyLimit:  CategoryConflict,
	CodeRateLimited:       CategoryRateLimited,
}

// HTTPStatus returns the HTTP status code for a category.
func (c Category) HTTPStatus() int {
	switch c {
	case CategoryBadRequest:
		return 400
	case CategoryUnauthorized:
		return 401
	case CategoryNotFound:
		return 404
	case CategoryConflict:
		return 409
	case CategoryRateLimited:
		return 429
	default:
		return 500
	}
}

// retryableCodes are the transient codes the retry manager acts on.
var retryableCodes = map[Code]bool{
	CodeOOMKilled:             true,
	CodeTimeout:               true,
	CodeNetworkError:          true,
	CodeSandboxCreationFailed: true,
}

// IsRetryable reports whether the code identifies a transient failure.
func IsRetryable(code Code) bool {
	return retryableCodes[code]
}

// GateError is the structured error type for agentgate.
type GateError struct {
	Code  Code   `json:"code"`
	What  string `json:"what"`
	Why   string `json:"why,omitempty"`
	Fix   string `json:"fix,omitempty"`
	Cause error  `json:"-"`
}

// Error implements the error interface.
func (e *GateError) Error() string {
	var b strings.Builder
	b.WriteString(e.What)
	if e.Why != "" {
		b.WriteString(": ")
		b.WriteString(e.Why)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *GateError) Unwrap() error {
	return e.Cause
}

// Category returns the error category for HTTP status mapping.
func (e *GateError) Category() Category {
	if cat, ok := codeCategories[e.Code]; ok {
		return cat
	}
	return CategoryInternal
}

// HTTPStatus returns the appropriate HTTP status code for this error.
func (e *GateError) HTTPStatus() int {
	return e.Category().HTTPStatus()
}

// Retryable reports whether this error is transient.
func (e *GateError) Retryable() bool {
	return IsRetryable(e.Code)
}

// MarshalJSON implements json.Marshaler.
func (e *GateError) MarshalJSON() ([]byte, error) {
	type alias GateError
	aux := struct {
		*alias
		CauseMsg string `json:"cause,omitempty"`
	}{
		alias: (*alias)(e),
	}
	if e.Cause != nil {
		aux.CauseMsg = e.Cause.Error()
	}
	return json.Marshal(aux)
}

// Is reports whether target is a GateError with the same code.
func (e *GateError) Is(target error) bool {
	t, ok := target.(*GateError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithCause returns a copy of the error with the given cause.
func (e *GateError) WithCause(err error) *GateError {
	return &GateError{
		Code:  e.Code,
		What:  e.What,
		Why:   e.Why,
		Fix:   e.Fix,
		Cause: err,
	}
}

// Details returns the structured payload recorded in the audit log.
// Never empty: at minimum the code and message are present.
func (e *GateError) Details() map[string]any {
	d := map[string]any{
		"code":    string(e.Code),
		"message": e.What,
	}
	if e.Why != "" {
		d["why"] = e.Why
	}
	if e.Cause != nil {
		d["cause"] = e.Cause.Error()
	}
	return d
}

// --- Error constructors ---

// ErrWorkOrderNotFound returns an error when a work order doesn't exist.
func ErrWorkOrderNotFound(id string) *GateError {
	return &GateError{
		Code: CodeWorkOrderNotFound,
		What: fmt.Sprintf("work order %s not found", id),
		Why:  "No work order with this ID exists in the store",
		Fix:  "List work orders with GET /api/v1/work-orders to find valid IDs",
	}
}

// ErrRunNotFound returns an error when a run is not active or on disk.
func ErrRunNotFound(id string) *GateError {
	return &GateError{
		Code: CodeRunNotFound,
		What: fmt.Sprintf("run %s not found", id),
		Why:  "No active or persisted run has this ID",
	}
}

// ErrInvalidTransition returns an error for a rejected lifecycle event.
func ErrInvalidTransition(state, event string) *GateError {
	return &GateError{
		Code: CodeInvalidTransition,
		What: fmt.Sprintf("event %q is not allowed in state %q", event, state),
		Why:  "The work-order state machine only accepts the transitions defined for its current state",
	}
}

// ErrConcurrencyLimit returns an error when the engine is saturated.
func ErrConcurrencyLimit(limit int) *GateError {
	return &GateError{
		Code: CodeConcurrencyLimit,
		What: fmt.Sprintf("concurrent run limit of %d reached", limit),
		Why:  "The execution engine refuses work beyond maxConcurrentRuns",
		Fix:  "Wait for a running work order to finish, or raise AGENTGATE_MAX_CONCURRENT_RUNS",
	}
}

// ErrInvalidWorkOrder returns an error for a work order that fails validation.
func ErrInvalidWorkOrder(reason string) *GateError {
	return &GateError{
		Code: CodeInvalidWorkOrder,
		What: "work order is invalid",
		Why:  reason,
	}
}

// ErrCorruptRecord returns an error when a stored record cannot be decoded.
func ErrCorruptRecord(id string, cause error) *GateError {
	return &GateError{
		Code:  CodeCorruptRecord,
		What:  fmt.Sprintf("stored record for %s is corrupt", id),
		Why:   "The on-disk JSON could not be decoded",
		Fix:   "Run 'agentgate validate' to list corrupt files; they are never deleted automatically",
		Cause: cause,
	}
}

// ErrWorkOrderActive returns a conflict error for operations that
// require a work order to be inactive.
func ErrWorkOrderActive(id, status string) *GateError {
	return &GateError{
		Code: CodeInvalidTransition,
		What: fmt.Sprintf("work order %s is %s", id, status),
		Why:  "Active work orders cannot be deleted or purged",
		Fix:  "Cancel the work order first, or wait for it to finish",
	}
}

// ErrConfigInvalid returns an error for invalid configuration.
func ErrConfigInvalid(field, reason string) *GateError {
	return &GateError{
		Code: CodeConfigInvalid,
		What: fmt.Sprintf("invalid configuration: %s", field),
		Why:  reason,
		Fix:  "Fix the value in the config file or the AGENTGATE_* environment variable",
	}
}

// ErrUnauthorized returns an error for missing or wrong API keys.
func ErrUnauthorized() *GateError {
	return &GateError{
		Code: CodeUnauthorized,
		What: "missing or invalid API key",
		Why:  "Protected endpoints require the X-API-Key header to match the configured key",
	}
}

// ErrCancelled returns an error describing a cancelled execution.
func ErrCancelled(reason string) *GateError {
	return &GateError{
		Code: CodeCancelled,
		What: "execution cancelled",
		Why:  reason,
	}
}

// ErrExecutionTimeout returns the wall-clock timeout error.
func ErrExecutionTimeout(budget string) *GateError {
	return &GateError{
		Code: CodeTimeout,
		What: "Execution timeout exceeded",
		Why:  fmt.Sprintf("The run exceeded its wall-clock budget of %s", budget),
	}
}

// AsGateError attempts to convert an error to a GateError.
// Returns nil if the error is not a GateError.
func AsGateError(err error) *GateError {
	var gateErr *GateError
	if As(err, &gateErr) {
		return gateErr
	}
	return nil
}

// As is a convenience wrapper for errors.As.
func As(err error, target any) bool {
	return asError(err, target)
}

// asError implements errors.As behavior.
func asError(err error, target any) bool {
	if err == nil {
		return false
	}
	if gateErr, ok := err.(*GateError); ok {
		if t, ok := target.(**GateError); ok {
			*t = gateErr
			return true
		}
	}
	// Check unwrapped error
	if unwrapper, ok := err.(interface{ Unwrap() error }); ok {
		return asError(unwrapper.Unwrap(), target)
	}
	return false
}

// Wrap wraps a generic error into a GateError with unknown code.
func Wrap(err error, what string) *GateError {
	return &GateError{
		Code:  CodeUnknown,
		What:  what,
		Cause: err,
	}
}

// ClassifyError classifies an arbitrary error into an error code.
// GateError codes pass through; context errors map to TIMEOUT/CANCELLED;
// everything else is matched on message keywords.
func ClassifyError(err error) Code {
	if err == nil {
		return CodeUnknown
	}
	if gateErr := AsGateError(err); gateErr != nil {
		return gateErr.Code
	}
	switch {
	case isContextError(err, context.DeadlineExceeded):
		return CodeTimeout
	case isContextError(err, context.Canceled):
		return CodeCancelled
	}
	return classifyMessage(strings.ToLower(err.Error()))
}

func isContextError(err, sentinel error) bool {
	for err != nil {
		if err == sentinel {
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}

// ClassifyExit classifies a finished agent or subprocess execution.
// Exit 137 (SIGKILL, typically the OOM killer) and exit -1 with OOM
// keywords map to OOM_KILLED; the remaining keyword classes follow.
func ClassifyExit(exitCode int, stderr, stdout string) Code {
	combined := strings.ToLower(stderr + "\n" + stdout)

	if exitCode == 137 {
		return CodeOOMKilled
	}
	if exitCode == -1 && containsAny(combined, oomKeywords) {
		return CodeOOMKilled
	}
	switch {
	case containsAny(combined, timeoutKeywords):
		return CodeTimeout
	case containsAny(combined, networkKeywords):
		return CodeNetworkError
	case containsAny(combined, sandboxKeywords):
		return CodeSandboxCreationFailed
	}
	if exitCode != 0 {
		return CodeAgentCrash
	}
	return CodeUnknown
}

var (
	oomKeywords     = []string{"out of memory", "oom", "memory limit"}
	timeoutKeywords = []string{"[timeout]", "timed out", "timeout", "deadline exceeded"}
	networkKeywords = []string{"econnrefused", "enotfound", "connection refused", "no such host", "network"}
	sandboxKeywords = []string{"sandbox", "container"}
)

// classifyMessage matches the lowercase message against keyword classes.
// Order matters: OOM before timeout before network before sandbox.
func classifyMessage(msg string) Code {
	switch {
	case containsAny(msg, oomKeywords):
		return CodeOOMKilled
	case containsAny(msg, timeoutKeywords):
		return CodeTimeout
	case containsAny(msg, networkKeywords):
		return CodeNetworkError
	case containsAny(msg, sandboxKeywords):
		return CodeSandboxCreationFailed
	default:
		return CodeUnknown
	}
}

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}
