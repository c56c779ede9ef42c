package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"time"
)

// scanner line limit. Agent JSON lines can carry whole file contents.
const maxLineBytes = 1024 * 1024

// execute runs an agent command, feeding each stdout line to parse and
// collecting a bounded stderr tail. It returns the exit code; -1 when
// the process died to a signal or never ran.
func execute(ctx context.Context, logger *slog.Logger, cmd *exec.Cmd, parse func(line string), stderr *tailBuffer) (int, error) {
	cmd.Stderr = stderr
	setProcAttr(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return -1, fmt.Errorf("stdout pipe: %w", err)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return -1, fmt.Errorf("start %s: %w", cmd.Path, err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		parse(scanner.Text())
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		logger.Warn("agent stream read error", "error", err)
	}

	err = cmd.Wait()

	// Sweep any children the agent spawned. CommandContext only kills
	// the direct process; MCP servers and shells it launched keep
	// stdout open otherwise.
	if ctx.Err() != nil && cmd.Process != nil {
		if kerr := killProcessGroup(cmd.Process.Pid); kerr != nil {
			logger.Debug("process group cleanup", "pid", cmd.Process.Pid, "error", kerr)
		}
	}

	logger.Debug("agent command finished",
		"path", cmd.Path, "duration", time.Since(start), "error", err)

	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, fmt.Errorf("wait %s: %w", cmd.Path, err)
}

// finishResult stamps the shared trailer fields on a result.
func finishResult(ctx context.Context, res *Result, exitCode int, started time.Time, stdout, stderr *tailBuffer) {
	res.ExitCode = exitCode
	res.Duration = time.Since(started)
	res.StdoutTail = stdout.String()
	res.StderrTail = stderr.String()
	switch ctx.Err() {
	case context.DeadlineExceeded:
		res.TimedOut = true
		res.Success = false
	case context.Canceled:
		res.Canceled = true
		res.Success = false
	}
}
