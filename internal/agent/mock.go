package agent

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockResponse is one scripted reply of a MockInvoker.
type MockResponse struct {
	Output string
	Err    error
	Delay  time.Duration
	PID    int // reported through OnStart when non-zero
}

// MockInvoker replays scripted responses per agent name, in order. Agents
// without a remaining script entry get a successful echo of the prompt.
// Used by tests and by "workflow run --dry-run".
type MockInvoker struct {
	mu     sync.Mutex
	script map[string][]MockResponse
	calls  []Invocation
}

func NewMockInvoker() *MockInvoker {
	return &MockInvoker{script: map[string][]MockResponse{}}
}

// Script appends responses for agent.
func (m *MockInvoker) Script(agent string, responses ...MockResponse) *MockInvoker {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script[agent] = append(m.script[agent], responses...)
	return m
}

// Calls returns the invocations received so far.
func (m *MockInvoker) Calls() []Invocation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Invocation(nil), m.calls...)
}

func (m *MockInvoker) Invoke(ctx context.Context, inv Invocation) (*Result, error) {
	m.mu.Lock()
	m.calls = append(m.calls, inv)
	resp := MockResponse{Output: fmt.Sprintf("[mock %s] %s", inv.Agent, preview(inv.Prompt))}
	if queue := m.script[inv.Agent]; len(queue) > 0 {
		resp, m.script[inv.Agent] = queue[0], queue[1:]
	}
	m.mu.Unlock()

	if resp.PID > 0 && inv.OnStart != nil {
		inv.OnStart(resp.PID, []string{"mock", inv.Agent})
	}

	if resp.Delay > 0 {
		timer := time.NewTimer(resp.Delay)
		defer timer.Stop()
		var timeout <-chan time.Time
		if inv.Timeout > 0 {
			t := time.NewTimer(inv.Timeout)
			defer t.Stop()
			timeout = t.C
		}
		select {
		case <-timer.C:
		case <-timeout:
			return &Result{ExitCode: -1, Duration: inv.Timeout}, fmt.Errorf("agent %s: %w after %s", inv.Agent, ErrTimeout, inv.Timeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	res := &Result{Output: resp.Output, Duration: resp.Delay}
	if resp.Err != nil {
		res.ExitCode = 1
		return res, resp.Err
	}
	return res, nil
}

func preview(s string) string {
	r := []rune(s)
	if len(r) > 50 {
		return string(r[:50]) + "..."
	}
	return s
}
