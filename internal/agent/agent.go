// Package agent invokes the AI agents that carry out workflow phases.
package agent

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout is returned when an invocation exceeds its timeout.
var ErrTimeout = errors.New("agent invocation timed out")

// Invocation is a single request to run an agent.
type Invocation struct {
	Agent   string        // resolved agent name, e.g. "dev" or "qa"
	Prompt  string        // full prompt text
	Dir     string        // working directory; empty means the current one
	Timeout time.Duration // zero means the invoker's default

	// OnStart, when set, is called once the agent process is running.
	OnStart func(pid int, argv []string)
}

// Result is the outcome of an invocation that ran to completion.
type Result struct {
	Output   string
	ExitCode int
	Duration time.Duration
}

// Invoker runs agents. Failures to start, timeouts and non-zero exits are
// reported as errors; a Result is still returned when the agent ran.
type Invoker interface {
	Invoke(ctx context.Context, inv Invocation) (*Result, error)
}
