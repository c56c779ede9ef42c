package agent

import (
	"context"
	"log/slog"
	"os/exec"
	"time"

	"github.com/tidwall/gjson"

	"github.com/agentgate/agentgate/internal/order"
)

// CodexDriver runs the codex CLI in exec mode with JSONL output. Codex
// wraps every event in a msg object: session_configured carries the
// session id, agent_message carries text, exec_command_begin/_end are
// the tool call pair, token_count reports usage, and task_complete
// marks success.
type CodexDriver struct {
	path   string
	logger *slog.Logger
}

// NewCodexDriver creates a driver invoking the codex binary at path.
func NewCodexDriver(path string, logger *slog.Logger) *CodexDriver {
	if path == "" {
		path = "codex"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CodexDriver{path: path, logger: logger}
}

func (d *CodexDriver) Name() order.AgentType { return order.AgentOpenAICodex }

func (d *CodexDriver) Run(ctx context.Context, req Request) (*Result, error) {
	args := []string{"exec"}
	if req.SessionID != "" {
		args = append(args, "resume", req.SessionID)
	}
	args = append(args, "--json", "--skip-git-repo-check")
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	args = append(args, req.Prompt)

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

func (d *CodexDriver) parseLine(line string, res *Result, cb Callbacks) {
	if !gjson.Valid(line) {
		cb.output(line + "\n")
		return
	}

	msg := gjson.Get(line, "msg")
	switch msg.Get("type").String() {
	case "session_configured":
		if id := msg.Get("session_id").String(); id != "" {
			res.SessionID = id
		}

	case "agent_message":
		cb.output(msg.Get("message").String())
		res.FinalText = msg.Get("message").String()

	case "agent_message_delta":
		cb.output(msg.Get("delta").String())

	case "exec_command_begin":
		cb.toolCall("exec", msg.Get("command").Raw)

	case "exec_command_end":
		cb.toolResult("exec", msg.Get("stdout").String(),
			msg.Get("exit_code").Int() != 0)

	case "token_count":
		res.Tokens.Add(
			int(msg.Get("input_tokens").Int()),
			int(msg.Get("output_tokens").Int()),
		)

	case "task_complete":
		res.Success = true
		res.NumTurns++
		if last := msg.Get("last_agent_message").String(); last != "" {
			res.FinalText = last
		}

	case "error":
		res.Success = false
		if text := msg.Get("message").String(); text != "" {
			res.FinalText = text
		}
	}
}
