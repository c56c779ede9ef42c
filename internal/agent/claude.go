package agent

import (
	"context"
	"log/slog"
	"os/exec"
	"time"

	"github.com/tidwall/gjson"

	"github.com/agentgate/agentgate/internal/order"
)

// ClaudeDriver runs the claude CLI in headless stream-json mode. Each
// stdout line is one JSON message: system init (session id), assistant
// content blocks (text and tool_use), user tool_result blocks, and a
// final result message carrying the success flag, cost and token
// usage.
type ClaudeDriver struct {
	path   string
	logger *slog.Logger
}

// NewClaudeDriver creates a driver invoking the claude binary at path.
func NewClaudeDriver(path string, logger *slog.Logger) *ClaudeDriver {
	if path == "" {
		path = "claude"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ClaudeDriver{path: path, logger: logger}
}

func (d *ClaudeDriver) Name() order.AgentType { return order.AgentClaudeCode }

func (d *ClaudeDriver) Run(ctx context.Context, req Request) (*Result, error) {
	args := []string{
		"-p", req.Prompt,
		"--output-format", "stream-json",
		"--verbose",
		"--dangerously-skip-permissions",
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.SessionID != "" {
		args = append(args, "--resume", req.SessionID)
	}

	cmd := exec.CommandContext(ctx, d.path, args...)
	cmd.Dir = req.Dir

	res := &Result{}
	stdout := newTailBuffer(0)
	stderr := newTailBuffer(0)
	started := time.Now()

	exitCode, err := execute(ctx, d.logger, cmd, func(line string) {
		stdout.Write([]byte(line + "\n"))
		d.parseLine(line, res, req.Callbacks)
	}, stderr)
	if err != nil {
		return nil, err
	}

	finishResult(ctx, res, exitCode, started, stdout, stderr)
	return res, nil
}

func (d *ClaudeDriver) parseLine(line string, res *Result, cb Callbacks) {
	if !gjson.Valid(line) {
		cb.output(line + "\n")
		return
	}

	switch gjson.Get(line, "type").String() {
	case "system":
		if id := gjson.Get(line, "session_id").String(); id != "" {
			res.SessionID = id
		}

	case "assistant":
		gjson.Get(line, "message.content").ForEach(func(_, block gjson.Result) bool {
			switch block.Get("type").String() {
			case "text":
				cb.output(block.Get("text").String())
			case "tool_use":
				cb.toolCall(block.Get("name").String(), block.Get("input").Raw)
			}
			return true
		})

	case "user":
		gjson.Get(line, "message.content").ForEach(func(_, block gjson.Result) bool {
			if block.Get("type").String() == "tool_result" {
				cb.toolResult("", block.Get("content").String(),
					block.Get("is_error").Bool())
			}
			return true
		})

	case "result":
		res.Success = !gjson.Get(line, "is_error").Bool() &&
			gjson.Get(line, "subtype").String() == "success"
		res.FinalText = gjson.Get(line, "result").String()
		if id := gjson.Get(line, "session_id").String(); id != "" {
			res.SessionID = id
		}
		res.NumTurns = int(gjson.Get(line, "num_turns").Int())
		res.CostUSD = gjson.Get(line, "total_cost_usd").Float()
		res.Tokens.Add(
			int(gjson.Get(line, "usage.input_tokens").Int()),
			int(gjson.Get(line, "usage.output_tokens").Int()),
		)
	}
}
