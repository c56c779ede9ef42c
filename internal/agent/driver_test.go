package agent

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgate/agentgate/internal/config"
	gateerrors "github.com/agentgate/agentgate/internal/errors"
	"github.com/agentgate/agentgate/internal/order"
)

func TestRegistryResolvesConfiguredDrivers(t *testing.T) {
	t.Parallel()
	r := NewRegistry(config.AgentsConfig{
		ClaudePath:   "claude",
		CodexPath:    "codex",
		OpencodePath: "opencode",
	}, nil)

	for _, typ := range []order.AgentType{
		order.AgentClaudeCode, order.AgentOpenAICodex, order.AgentOpenCode,
	} {
		d, err := r.Driver(typ)
		require.NoError(t, err)
		assert.Equal(t, typ, d.Name())
	}

	_, err := r.Driver("unknown-agent")
	require.Error(t, err)
	ge := gateerrors.AsGateError(err)
	require.NotNil(t, ge)
	assert.Equal(t, gateerrors.CodeInvalidWorkOrder, ge.Code)
}

func TestTailBufferKeepsLastBytes(t *testing.T) {
	t.Parallel()
	tb := newTailBuffer(8)

	tb.Write([]byte("0123456789abcdef"))
	assert.Equal(t, "89abcdef", tb.String())

	tb.Write([]byte("XY"))
	assert.Equal(t, "abcdefXY", tb.String())
}

// writeFakeAgent creates an executable script that plays back the
// given stdout lines.
func writeFakeAgent(t *testing.T, lines ...string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake agent scripts need a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "fake-agent")
	script := "#!/bin/sh\ncat <<'STREAM'\n" + strings.Join(lines, "\n") + "\nSTREAM\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestClaudeDriverRunsCommand(t *testing.T) {
	t.Parallel()
	bin := writeFakeAgent(t,
		`{"type":"system","subtype":"init","session_id":"sess-1"}`,
		`{"type":"assistant","message":{"content":[{"type":"text","text":"hello"}]}}`,
		`{"type":"result","subtype":"success","is_error":false,"result":"done","session_id":"sess-1","num_turns":1,"total_cost_usd":0.01,"usage":{"input_tokens":10,"output_tokens":5}}`,
	)
	d := NewClaudeDriver(bin, nil)

	var chunks []string
	res, err := d.Run(context.Background(), Request{
		Dir:    t.TempDir(),
		Prompt: "say hello",
		Callbacks: Callbacks{
			OnOutput: func(text string) { chunks = append(chunks, text) },
		},
	})
	require.NoError(t, err)

	assert.Equal(t, 0, res.ExitCode)
	assert.True(t, res.Success)
	assert.Equal(t, "sess-1", res.SessionID)
	assert.Equal(t, "done", res.FinalText)
	assert.Equal(t, []string{"hello"}, chunks)
	assert.Contains(t, res.StdoutTail, `"type":"result"`)
	assert.False(t, res.TimedOut)
	assert.Greater(t, res.Duration, time.Duration(0))
}

func TestDriverRunCrashExitCode(t *testing.T) {
	t.Parallel()
	if runtime.GOOS == "windows" {
		t.Skip("fake agent scripts need a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "fake-agent")
	script := "#!/bin/sh\necho 'fatal: no credentials' >&2\nexit 3\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))

	d := NewClaudeDriver(path, nil)
	res, err := d.Run(context.Background(), Request{Dir: t.TempDir(), Prompt: "x"})
	require.NoError(t, err)

	assert.Equal(t, 3, res.ExitCode)
	assert.False(t, res.Success)
	assert.Contains(t, res.StderrTail, "no credentials")
}

func TestDriverRunTimeout(t *testing.T) {
	t.Parallel()
	if runtime.GOOS == "windows" {
		t.Skip("fake agent scripts need a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "fake-agent")
	script := "#!/bin/sh\nsleep 30\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	d := NewClaudeDriver(path, nil)
	res, err := d.Run(ctx, Request{Dir: t.TempDir(), Prompt: "x"})
	require.NoError(t, err)

	assert.True(t, res.TimedOut)
	assert.False(t, res.Success)
	assert.Equal(t, -1, res.ExitCode)
}

func TestDriverRunMissingBinary(t *testing.T) {
	t.Parallel()
	d := NewClaudeDriver(filepath.Join(t.TempDir(), "no-such-agent"), nil)

	_, err := d.Run(context.Background(), Request{Dir: t.TempDir(), Prompt: "x"})
	require.Error(t, err)
}
