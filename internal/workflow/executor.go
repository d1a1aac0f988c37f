// Package workflow drives a story through a declarative phase table: it
// resolves the agent for each phase, invokes it, records the outcome in the
// session state and notifies observers along the way.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/YoshitsuguKoike/orchestra/internal/accumulator"
	"github.com/YoshitsuguKoike/orchestra/internal/agent"
	"github.com/YoshitsuguKoike/orchestra/internal/logging"
	"github.com/YoshitsuguKoike/orchestra/internal/metrics"
)

var (
	// ErrUnknownPhase is returned for a phase id the definition does not declare.
	ErrUnknownPhase = errors.New("unknown phase")
	// ErrTransitionLimit stops a Run that keeps cycling between phases.
	ErrTransitionLimit = errors.New("workflow transition limit reached")
)

// DefaultMaxTransitions bounds the phases executed by one Run.
const DefaultMaxTransitions = 25

// PhaseInput carries the caller-provided context for a phase.
type PhaseInput struct {
	// History is the completed-story history, oldest first, and
	// CurrentIndex the position of the story being worked on in it.
	History      []accumulator.Ref
	CurrentIndex int
	// TargetFiles are the files the phase is expected to touch.
	TargetFiles []string
	// WorkDir is the agent's working directory.
	WorkDir string
	// Timeout applies when the phase declares none.
	Timeout time.Duration
}

// Executor runs phases of one workflow definition.
type Executor struct {
	def     *Definition
	invoker agent.Invoker
	store   SessionStore
	fs      afero.Fs
	home    string
	budget  accumulator.Config
	logger  logging.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	entropy io.Reader

	maxTransitions int

	// runMu serialises phase execution; mu guards session, which observers
	// may read through Session while a phase runs.
	runMu   sync.Mutex
	mu      sync.Mutex
	session *Session

	phaseChange   subscribers[PhaseChange]
	agentSpawn    subscribers[AgentSpawn]
	terminalSpawn subscribers[TerminalSpawn]
	phaseResult   subscribers[PhaseCompleted]
}

// Option configures an Executor.
type Option func(*Executor)

// WithSessionStore persists sessions across processes.
func WithSessionStore(s SessionStore) Option { return func(e *Executor) { e.store = s } }

// WithPromptRoot resolves prompt_path entries against home on fsys.
func WithPromptRoot(fsys afero.Fs, home string) Option {
	return func(e *Executor) { e.fs, e.home = fsys, home }
}

func WithLogger(l logging.Logger) Option { return func(e *Executor) { e.logger = logging.OrNop(l) } }
func WithMetrics(m *metrics.Metrics) Option { return func(e *Executor) { e.metrics = m } }
func WithClock(now func() time.Time) Option { return func(e *Executor) { e.now = now } }
func WithEntropy(r io.Reader) Option { return func(e *Executor) { e.entropy = r } }
func WithContextBudget(c accumulator.Config) Option { return func(e *Executor) { e.budget = c } }

// WithMaxTransitions overrides DefaultMaxTransitions; n <= 0 keeps the default.
func WithMaxTransitions(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.maxTransitions = n
		}
	}
}

func NewExecutor(def *Definition, invoker agent.Invoker, opts ...Option) *Executor {
	e := &Executor{
		def:            def,
		invoker:        invoker,
		store:          &MemorySessionStore{},
		fs:             afero.NewOsFs(),
		budget:         accumulator.DefaultConfig(),
		logger:         logging.Nop(),
		now:            time.Now,
		maxTransitions: DefaultMaxTransitions,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Definition returns the workflow definition.
func (e *Executor) Definition() *Definition { return e.def }

// Session returns a copy of the active session, or nil.
func (e *Executor) Session() *Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.Clone()
}

// ExecutePhase runs one phase for story. Agent failures, timeouts and
// unresolvable agent references are reported through PhaseResult.Success;
// the returned error is reserved for an unknown phase or a session that
// cannot be read or written.
func (e *Executor) ExecutePhase(ctx context.Context, phaseID string, story accumulator.Ref, in PhaseInput) (*PhaseResult, error) {
	res, _, err := e.executePhase(ctx, phaseID, story, in)
	return res, err
}

func (e *Executor) executePhase(ctx context.Context, phaseID string, story accumulator.Ref, in PhaseInput) (*PhaseResult, *Session, error) {
	phase, ok := e.def.Phase(phaseID)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %q in workflow %s", ErrUnknownPhase, phaseID, e.def.Name)
	}
	storyID := storyIDOf(story)

	e.runMu.Lock()
	defer e.runMu.Unlock()

	session, err := e.sessionFor(storyID)
	if err != nil {
		return nil, nil, err
	}

	start := e.now()
	var from string
	e.update(func() {
		from = session.CurrentPhase
		if from == phase.ID {
			session.AttemptCount++
		} else {
			session.AttemptCount = 1
		}
		session.CurrentPhase = phase.ID
		if s := story.Story; s != nil {
			session.StoryTitle = s.Title
			session.Executor = s.Executor
			session.QualityGate = s.QualityGate
		}
		session.LastUpdated = start
	})
	view := e.Session()

	emit(&e.phaseChange, PhaseChange{
		WorkflowID: view.WorkflowID,
		StoryID:    storyID,
		From:       from,
		To:         phase.ID,
		Attempt:    view.AttemptCount,
		At:         start,
	}, e.recovered("phase_change"))

	result := &PhaseResult{Phase: phase.ID, Attempt: view.AttemptCount, StartedAt: start}
	e.run(ctx, phase, story, in, view, result)
	result.Duration = e.now().Sub(start)
	result.Next = phase.Next(result.Success)

	outcome := "success"
	if !result.Success {
		outcome = "failure"
		e.logger.Warn("phase %s of story %s failed: %s", phase.ID, storyID, result.Error)
	} else {
		e.logger.Info("phase %s of story %s succeeded", phase.ID, storyID)
	}
	e.metrics.PhaseRun(phase.ID, outcome)

	// The run ends at a terminal phase or on a success with nowhere to go.
	// A failure without on_failure stops the run but keeps the session so
	// the caller can retry the phase.
	ended := result.Next == "" && (phase.Terminal() || result.Success)

	var final *Session
	e.update(func() {
		session.AccumulatedContext = view.AccumulatedContext
		session.PhaseResults[phase.ID] = *result
		session.LastUpdated = e.now()
		final = session.Clone()
		if ended {
			e.session = nil
		}
	})

	var storeErr error
	if ended {
		if err := e.store.Clear(); err != nil {
			storeErr = fmt.Errorf("clear session: %w", err)
		} else {
			e.logger.Info("workflow %s finished for story %s at phase %s", final.WorkflowID, storyID, phase.ID)
		}
	} else if err := e.store.Save(final); err != nil {
		storeErr = fmt.Errorf("save session: %w", err)
	}

	emit(&e.phaseResult, PhaseCompleted{
		WorkflowID: final.WorkflowID,
		StoryID:    storyID,
		Result:     *result,
		Ended:      ended,
		At:         e.now(),
	}, e.recovered("phase_result"))
	return result, final, storeErr
}

func (e *Executor) update(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn()
}

// run resolves the agent and prompt for phase and invokes the agent,
// filling in result.
func (e *Executor) run(ctx context.Context, phase Phase, story accumulator.Ref, in PhaseInput, session *Session, result *PhaseResult) {
	agentName, err := ResolveAgent(phase, story)
	if err != nil {
		result.Error = err.Error()
		return
	}
	result.Agent = agentName

	target := accumulator.Target{Files: in.TargetFiles}
	if story.Story != nil {
		target.Executor = story.Story.Executor
	}
	acc := e.budget.Accumulate(in.History, in.CurrentIndex, target)
	session.AccumulatedContext = acc.Text
	e.metrics.ContextTokens(acc.Tokens)

	prompt, err := e.prompt(phase, story, session)
	if err != nil {
		result.Error = err.Error()
		return
	}

	emit(&e.agentSpawn, AgentSpawn{
		WorkflowID: session.WorkflowID,
		StoryID:    session.CurrentStory,
		Phase:      phase.ID,
		Agent:      agentName,
		At:         e.now(),
	}, e.recovered("agent_spawn"))

	timeout := time.Duration(phase.Timeout)
	if timeout <= 0 {
		timeout = in.Timeout
	}
	out, err := e.invoker.Invoke(ctx, agent.Invocation{
		Agent:   agentName,
		Prompt:  prompt,
		Dir:     in.WorkDir,
		Timeout: timeout,
		OnStart: func(pid int, argv []string) {
			emit(&e.terminalSpawn, TerminalSpawn{
				WorkflowID: session.WorkflowID,
				StoryID:    session.CurrentStory,
				Phase:      phase.ID,
				Agent:      agentName,
				PID:        pid,
				Argv:       argv,
				At:         e.now(),
			}, e.recovered("terminal_spawn"))
		},
	})
	if out != nil {
		result.Output = out.Output
		result.ExitCode = out.ExitCode
	}
	if err != nil {
		result.Error = err.Error()
		if out == nil {
			result.ExitCode = -1
		}
		return
	}
	result.Success = true
}

// prompt renders the phase prompt template, or a default instruction when
// the phase declares none.
func (e *Executor) prompt(phase Phase, story accumulator.Ref, session *Session) (string, error) {
	vars := sessionVars(StoryVars(story), session, phase.ID, session.AccumulatedContext)

	text := defaultPrompt
	if phase.PromptPath != "" {
		path := phase.PromptPath
		if !filepath.IsAbs(path) {
			path = filepath.Join(e.home, path)
		}
		data, err := afero.ReadFile(e.fs, path)
		if err != nil {
			return "", fmt.Errorf("phase %s: read prompt: %w", phase.ID, err)
		}
		text = string(data)
	}
	out, err := Expand(text, PromptPlaceholders, vars)
	if err != nil {
		return "", fmt.Errorf("phase %s: prompt: %w", phase.ID, err)
	}
	return out, nil
}

const defaultPrompt = `Workflow phase {phase} for story {story_id} (attempt {attempt}).

Context from earlier stories:
{context}
`

// sessionFor returns the session for storyID, resuming a stored one when it
// belongs to the same story and starting a new one otherwise.
func (e *Executor) sessionFor(storyID string) (*Session, error) {
	e.mu.Lock()
	current := e.session
	e.mu.Unlock()
	if current != nil && current.CurrentStory == storyID {
		return current, nil
	}
	stored, err := e.store.Load()
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if stored != nil && stored.CurrentStory == storyID && stored.Workflow == e.def.Name {
		e.logger.Debug("resuming workflow %s for story %s at phase %s", stored.WorkflowID, storyID, stored.CurrentPhase)
		e.update(func() { e.session = stored })
		return stored, nil
	}
	if stored != nil {
		e.logger.Info("abandoning workflow %s for story %s", stored.WorkflowID, stored.CurrentStory)
	}
	fresh := NewSession(e.def.Name, storyID, e.now(), e.entropy)
	e.update(func() { e.session = fresh })
	return fresh, nil
}

// Run drives story from the initial phase (or the phase a stored session
// for the same story stopped at) along on_success/on_failure transitions
// until a phase has no transition for its outcome. It performs no retries of
// its own and returns the final session state; after a failure without
// on_failure the session stays stored and a later Run retries that phase.
func (e *Executor) Run(ctx context.Context, story accumulator.Ref, in PhaseInput) (*Session, error) {
	phaseID := e.def.Initial().ID
	if resume := e.resumePhase(storyIDOf(story)); resume != "" {
		phaseID = resume
	}

	for transitions := 0; ; transitions++ {
		if transitions >= e.maxTransitions {
			return e.Session(), fmt.Errorf("%w: %d phases executed for story %s", ErrTransitionLimit, transitions, storyIDOf(story))
		}
		if err := ctx.Err(); err != nil {
			return e.Session(), err
		}
		res, final, err := e.executePhase(ctx, phaseID, story, in)
		if err != nil {
			return final, err
		}
		if res.Next == "" {
			return final, nil
		}
		phaseID = res.Next
	}
}

// resumePhase returns the phase a stored session for storyID continues
// with, or "". A session stopped by a failure without on_failure resumes at
// the failed phase.
func (e *Executor) resumePhase(storyID string) string {
	stored, err := e.store.Load()
	if err != nil || stored == nil || stored.CurrentStory != storyID || stored.Workflow != e.def.Name {
		return ""
	}
	last, ok := stored.PhaseResults[stored.CurrentPhase]
	if !ok || last.Next == "" {
		return stored.CurrentPhase
	}
	return last.Next
}

func storyIDOf(ref accumulator.Ref) string {
	if ref.ID != "" {
		return ref.ID
	}
	if ref.Story != nil {
		return strings.TrimSpace(ref.Story.ID)
	}
	return ""
}
