package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/YoshitsuguKoike/orchestra/internal/logging"
)

const (
	agentToken  = "{agent}"
	promptToken = "{prompt}"

	DefaultTimeout = 30 * time.Minute
)

// CLIInvoker runs an agent as a subprocess: Bin followed by Args, where the
// tokens {agent} and {prompt} are substituted. When no argument carries
// {prompt} the prompt is written to the process's stdin.
type CLIInvoker struct {
	Bin     string
	Args    []string
	Timeout time.Duration
	Logger  logging.Logger
}

// cliResponse is the JSON envelope some agent CLIs print with
// --output-format json.
type cliResponse struct {
	Type    string `json:"type"`
	IsError bool   `json:"is_error"`
	Result  string `json:"result"`
}

// Argv returns the command line for inv.
func (c CLIInvoker) Argv(inv Invocation) ([]string, bool) {
	argv := make([]string, 0, len(c.Args)+1)
	argv = append(argv, c.Bin)
	promptInArgs := false
	for _, a := range c.Args {
		if strings.Contains(a, promptToken) {
			promptInArgs = true
		}
		a = strings.ReplaceAll(a, agentToken, inv.Agent)
		a = strings.ReplaceAll(a, promptToken, inv.Prompt)
		argv = append(argv, a)
	}
	return argv, promptInArgs
}

func (c CLIInvoker) Invoke(ctx context.Context, inv Invocation) (*Result, error) {
	if strings.TrimSpace(c.Bin) == "" {
		return nil, errors.New("agent: no binary configured")
	}
	logger := logging.OrNop(c.Logger)

	timeout := inv.Timeout
	if timeout <= 0 {
		timeout = c.Timeout
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	argv, promptInArgs := c.Argv(inv)
	cmd := exec.CommandContext(cctx, argv[0], argv[1:]...)
	cmd.Dir = inv.Dir
	cmd.WaitDelay = time.Second
	if !promptInArgs {
		cmd.Stdin = strings.NewReader(inv.Prompt)
	}
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("agent %s: failed to start %s: %w", inv.Agent, c.Bin, err)
	}
	logger.Debug("agent %s started (pid %d)", inv.Agent, cmd.Process.Pid)
	if inv.OnStart != nil {
		inv.OnStart(cmd.Process.Pid, argv)
	}

	waitErr := cmd.Wait()
	res := &Result{Output: out.String(), ExitCode: -1, Duration: time.Since(start)}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	if waitErr != nil && errors.Is(cctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return res, fmt.Errorf("agent %s: %w after %s", inv.Agent, ErrTimeout, timeout)
	}
	if waitErr != nil {
		return res, fmt.Errorf("agent %s execution failed: %w (output: %s)", inv.Agent, waitErr, tail(res.Output, 500))
	}

	var resp cliResponse
	if err := json.Unmarshal(out.Bytes(), &resp); err == nil && resp.Type != "" {
		if resp.IsError {
			return res, fmt.Errorf("agent %s returned error: %s", inv.Agent, resp.Result)
		}
		res.Output = resp.Result
	}
	return res, nil
}

// tail keeps the last n bytes of s, starting on a rune boundary.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	start := len(s) - n
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	return "…" + s[start:]
}
