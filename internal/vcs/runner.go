// Package vcs wraps the git operations the engine needs: before-state
// capture, workspace cloning, branch management, and post-agent
// snapshot commits with diff statistics.
package vcs

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
)

// CommandRunner executes git commands. The interface exists so tests
// can substitute a fake without a real repository.
type CommandRunner interface {
	// Run executes a command in workDir and returns trimmed stdout.
	// On failure the error carries the command's stderr (or stdout).
	Run(ctx context.Context, workDir, name string, args ...string) (string, error)
}

// ExecRunner is the default CommandRunner using os/exec.
type ExecRunner struct{}

// NewExecRunner creates an ExecRunner.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

// Run executes the command, capturing stdout and stderr separately.
func (r *ExecRunner) Run(ctx context.Context, workDir, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = workDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		errMsg := strings.TrimSpace(stderr.String())
		if errMsg == "" {
			errMsg = strings.TrimSpace(stdout.String())
		}
		if errMsg == "" {
			errMsg = err.Error()
		}
		return errMsg, &CommandError{
			Command: name,
			Args:    args,
			WorkDir: workDir,
			Output:  errMsg,
			Err:     err,
		}
	}

	return strings.TrimSpace(stdout.String()), nil
}

// CommandError is a failed command with its captured output.
type CommandError struct {
	Command string
	Args    []string
	WorkDir string
	Output  string
	Err     error
}

func (e *CommandError) Error() string {
	if e.Output != "" {
		return e.Output
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return "command failed"
}

func (e *CommandError) Unwrap() error {
	return e.Err
}
