package agent

import (
	"context"
	"log/slog"
	"os/exec"
	"time"

	"github.com/tidwall/gjson"

	"github.com/agentgate/agentgate/internal/order"
)

// OpencodeDriver runs the opencode CLI in non-interactive mode with
// JSON part output: text parts, tool parts with a state object, and
// step-finish parts carrying token counters. Opencode has no explicit
// success message; a clean exit without an error part counts as
// success.
type OpencodeDriver struct {
	path   string
	logger *slog.Logger
}

// NewOpencodeDriver creates a driver invoking the opencode binary at
// path.
func NewOpencodeDriver(path string, logger *slog.Logger) *OpencodeDriver {
	if path == "" {
		path = "opencode"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OpencodeDriver{path: path, logger: logger}
}

func (d *OpencodeDriver) Name() order.AgentType { return order.AgentOpenCode }

func (d *OpencodeDriver) Run(ctx context.Context, req Request) (*Result, error) {
	args := []string{"run", "--format", "json"}
	if req.SessionID != "" {
		args = append(args, "--session", req.SessionID)
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	args = append(args, req.Prompt)

	cmd := exec.CommandContext(ctx, d.path, args...)
	cmd.Dir = req.Dir

	res := &Result{}
	sawError := false
	stdout := newTailBuffer(0)
	stderr := newTailBuffer(0)
	started := time.Now()

	exitCode, err := execute(ctx, d.logger, cmd, func(line string) {
		stdout.Write([]byte(line + "\n"))
		d.parseLine(line, res, req.Callbacks, &sawError)
	}, stderr)
	if err != nil {
		return nil, err
	}

	res.Success = exitCode == 0 && !sawError
	finishResult(ctx, res, exitCode, started, stdout, stderr)
	return res, nil
}

func (d *OpencodeDriver) parseLine(line string, res *Result, cb Callbacks, sawError *bool) {
	if !gjson.Valid(line) {
		cb.output(line + "\n")
		return
	}

	switch gjson.Get(line, "type").String() {
	case "session":
		if id := gjson.Get(line, "sessionID").String(); id != "" {
			res.SessionID = id
		}

	case "text":
		text := gjson.Get(line, "text").String()
		cb.output(text)
		res.FinalText = text

	case "tool":
		state := gjson.Get(line, "state")
		switch state.Get("status").String() {
		case "running":
			cb.toolCall(gjson.Get(line, "tool").String(), state.Get("input").Raw)
		case "completed":
			cb.toolResult(gjson.Get(line, "tool").String(),
				state.Get("output").String(), false)
		case "error":
			cb.toolResult(gjson.Get(line, "tool").String(),
				state.Get("error").String(), true)
		}

	case "step-finish":
		res.NumTurns++
		res.Tokens.Add(
			int(gjson.Get(line, "tokens.input").Int()),
			int(gjson.Get(line, "tokens.output").Int()),
		)
		res.CostUSD += gjson.Get(line, "cost").Float()

	case "error":
		*sawError = true
		if text := gjson.Get(line, "error").String(); text != "" {
			res.FinalText = text
		}
	}
}
