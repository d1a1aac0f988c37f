package agent

import (
	"context"
	"errors"
	"os/exec"
	"runtime"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestCLIInvoker_Argv(t *testing.T) {
	c := CLIInvoker{Bin: "agent-cli", Args: []string{"--agent", "{agent}", "-p", "{prompt}"}}
	argv, inArgs := c.Argv(Invocation{Agent: "dev", Prompt: "do it"})
	assert.Equal(t, []string{"agent-cli", "--agent", "dev", "-p", "do it"}, argv)
	assert.True(t, inArgs)

	c.Args = []string{"--role={agent}"}
	argv, inArgs = c.Argv(Invocation{Agent: "qa", Prompt: "ignored"})
	assert.Equal(t, []string{"agent-cli", "--role=qa"}, argv)
	assert.False(t, inArgs)
}

func TestCLIInvoker_PromptOnStdin(t *testing.T) {
	requireShell(t)
	c := CLIInvoker{Bin: "sh", Args: []string{"-c", "cat"}}

	var pid int
	res, err := c.Invoke(context.Background(), Invocation{
		Agent:   "dev",
		Prompt:  "hello from stdin",
		OnStart: func(p int, argv []string) { pid = p },
	})
	require.NoError(t, err)
	assert.Equal(t, "hello from stdin", res.Output)
	assert.Equal(t, 0, res.ExitCode)
	assert.Greater(t, pid, 0)
}

func TestCLIInvoker_PromptInArgs(t *testing.T) {
	requireShell(t)
	c := CLIInvoker{Bin: "sh", Args: []string{"-c", `printf '%s:%s' "$0" "$1"`, "{agent}", "{prompt}"}}
	res, err := c.Invoke(context.Background(), Invocation{Agent: "qa", Prompt: "review"})
	require.NoError(t, err)
	assert.Equal(t, "qa:review", res.Output)
}

func TestCLIInvoker_NonZeroExit(t *testing.T) {
	requireShell(t)
	c := CLIInvoker{Bin: "sh", Args: []string{"-c", "echo broken; exit 3"}}
	res, err := c.Invoke(context.Background(), Invocation{Agent: "dev"})
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Equal(t, 3, res.ExitCode)
	assert.Contains(t, err.Error(), "broken")
	assert.False(t, errors.Is(err, ErrTimeout))
}

func TestCLIInvoker_Timeout(t *testing.T) {
	requireShell(t)
	c := CLIInvoker{Bin: "sh", Args: []string{"-c", "sleep 5"}, Timeout: time.Minute}
	start := time.Now()
	_, err := c.Invoke(context.Background(), Invocation{Agent: "dev", Timeout: 100 * time.Millisecond})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestCLIInvoker_JSONEnvelope(t *testing.T) {
	requireShell(t)
	c := CLIInvoker{Bin: "sh", Args: []string{"-c", `echo '{"type":"result","is_error":false,"result":"done"}'`}}
	res, err := c.Invoke(context.Background(), Invocation{Agent: "dev"})
	require.NoError(t, err)
	assert.Equal(t, "done", res.Output)

	c.Args = []string{"-c", `echo '{"type":"result","is_error":true,"result":"quota"}'`}
	_, err = c.Invoke(context.Background(), Invocation{Agent: "dev"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota")
}

func TestCLIInvoker_MissingBinary(t *testing.T) {
	_, err := CLIInvoker{}.Invoke(context.Background(), Invocation{Agent: "dev"})
	require.Error(t, err)

	_, err = CLIInvoker{Bin: "/nonexistent/agent-binary"}.Invoke(context.Background(), Invocation{Agent: "dev"})
	require.Error(t, err)
}

func TestTail(t *testing.T) {
	tests := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{"short", "ok", 5, "ok"},
		{"ascii", "abcdef", 3, "…def"},
		{"rune boundary", "ab日本語", 6, "…本語"},
		{"mid rune", "ab日本語", 7, "…本語"},
		{"mid rune at end", "日本語", 2, "…"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tail(tt.in, tt.n)
			assert.Equal(t, tt.want, got)
			assert.True(t, utf8.ValidString(got))
		})
	}

	long := strings.Repeat("エラー", 200)
	got := tail(long, 500)
	assert.True(t, utf8.ValidString(got))
	assert.LessOrEqual(t, len(got), 500+len("…"))
}

func TestMockInvoker(t *testing.T) {
	boom := errors.New("boom")
	m := NewMockInvoker().
		Script("dev", MockResponse{Err: boom}, MockResponse{Output: "fixed", PID: 77})

	_, err := m.Invoke(context.Background(), Invocation{Agent: "dev"})
	assert.ErrorIs(t, err, boom)

	var started int
	res, err := m.Invoke(context.Background(), Invocation{Agent: "dev", OnStart: func(pid int, _ []string) { started = pid }})
	require.NoError(t, err)
	assert.Equal(t, "fixed", res.Output)
	assert.Equal(t, 77, started)

	res, err = m.Invoke(context.Background(), Invocation{Agent: "qa", Prompt: "check"})
	require.NoError(t, err)
	assert.Equal(t, "[mock qa] check", res.Output)
	assert.Len(t, m.Calls(), 3)
}

func TestMockInvoker_DelayHonoursTimeout(t *testing.T) {
	m := NewMockInvoker().Script("dev", MockResponse{Delay: time.Minute})
	_, err := m.Invoke(context.Background(), Invocation{Agent: "dev", Timeout: 20 * time.Millisecond})
	assert.ErrorIs(t, err, ErrTimeout)
}
