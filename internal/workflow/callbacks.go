package workflow

import (
	"sync"
	"time"
)

// PhaseChange is emitted before a phase starts.
type PhaseChange struct {
	WorkflowID string
	StoryID    string
	From       string // empty for the first phase of a run
	To         string
	Attempt    int
	At         time.Time
}

// AgentSpawn is emitted when an agent is about to be invoked for a phase.
type AgentSpawn struct {
	WorkflowID string
	StoryID    string
	Phase      string
	Agent      string
	At         time.Time
}

// TerminalSpawn is emitted once the agent process is running.
type TerminalSpawn struct {
	WorkflowID string
	StoryID    string
	Phase      string
	Agent      string
	PID        int
	Argv       []string
	At         time.Time
}

// PhaseCompleted is emitted after every phase execution, once the session
// has been saved or cleared.
type PhaseCompleted struct {
	WorkflowID string
	StoryID    string
	Result     PhaseResult
	Ended      bool // the workflow run finished with this phase
	At         time.Time
}

type subscriber[E any] struct {
	id int
	fn func(E)
}

// subscribers is an ordered list of callbacks for one event type.
type subscribers[E any] struct {
	mu     sync.Mutex
	nextID int
	list   []subscriber[E]
}

// add appends fn and returns a function that removes it. A nil fn is
// ignored and yields a no-op remover.
func (s *subscribers[E]) add(fn func(E)) func() {
	if fn == nil {
		return func() {}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.list = append(s.list, subscriber[E]{id: id, fn: fn})
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, sub := range s.list {
			if sub.id == id {
				s.list = append(s.list[:i:i], s.list[i+1:]...)
				return
			}
		}
	}
}

func (s *subscribers[E]) snapshot() []subscriber[E] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]subscriber[E](nil), s.list...)
}

func (s *subscribers[E]) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.list)
}

// emit calls every subscriber with ev in registration order. A panicking
// subscriber is recovered and reported through onPanic; the remaining
// subscribers still run.
func emit[E any](s *subscribers[E], ev E, onPanic func(recovered any)) {
	for _, sub := range s.snapshot() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					onPanic(r)
				}
			}()
			sub.fn(ev)
		}()
	}
}

// OnPhaseChange registers fn for phase changes. nil is ignored.
func (e *Executor) OnPhaseChange(fn func(PhaseChange)) (unsubscribe func()) {
	return e.phaseChange.add(fn)
}

// OnAgentSpawn registers fn for agent invocations. nil is ignored.
func (e *Executor) OnAgentSpawn(fn func(AgentSpawn)) (unsubscribe func()) {
	return e.agentSpawn.add(fn)
}

// OnTerminalSpawn registers fn for started agent processes. nil is ignored.
func (e *Executor) OnTerminalSpawn(fn func(TerminalSpawn)) (unsubscribe func()) {
	return e.terminalSpawn.add(fn)
}

// OnPhaseResult registers fn for finished phases. nil is ignored.
func (e *Executor) OnPhaseResult(fn func(PhaseCompleted)) (unsubscribe func()) {
	return e.phaseResult.add(fn)
}

func (e *Executor) recovered(event string) func(any) {
	return func(r any) {
		e.metrics.CallbackPanic(event)
		e.logger.Error("%s callback panicked: %v", event, r)
	}
}
