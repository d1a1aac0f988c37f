package workflow

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	iofs "io/fs"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/afero"

	fsutil "github.com/YoshitsuguKoike/orchestra/internal/infra/fs"
)

// PhaseResult records the outcome of one phase execution.
type PhaseResult struct {
	Phase     string        `json:"phase"`
	Agent     string        `json:"agent,omitempty"`
	Success   bool          `json:"success"`
	Output    string        `json:"output,omitempty"`
	Error     string        `json:"error,omitempty"`
	ExitCode  int           `json:"exit_code"`
	Attempt   int           `json:"attempt"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration_ns"`
	// Next is the phase the run continues with; empty when it ends here.
	Next string `json:"next,omitempty"`
}

// Session is the state of one workflow run. It is mutated only by the
// Executor that owns it.
type Session struct {
	WorkflowID         string                 `json:"workflow_id"`
	Workflow           string                 `json:"workflow"`
	CurrentPhase       string                 `json:"current_phase"`
	CurrentStory       string                 `json:"current_story"`
	StoryTitle         string                 `json:"story_title,omitempty"`
	Executor           string                 `json:"executor,omitempty"`
	QualityGate        string                 `json:"quality_gate,omitempty"`
	AttemptCount       int                    `json:"attempt_count"`
	StartedAt          time.Time              `json:"started_at"`
	LastUpdated        time.Time              `json:"last_updated"`
	PhaseResults       map[string]PhaseResult `json:"phase_results"`
	AccumulatedContext string                 `json:"accumulated_context,omitempty"`
}

// NewSession starts a session with a fresh ULID.
func NewSession(workflow, storyID string, now time.Time, entropy io.Reader) *Session {
	if entropy == nil {
		entropy = ulid.Monotonic(rand.Reader, 0)
	}
	return &Session{
		WorkflowID:   ulid.MustNew(ulid.Timestamp(now), entropy).String(),
		Workflow:     workflow,
		CurrentStory: storyID,
		StartedAt:    now,
		LastUpdated:  now,
		PhaseResults: map[string]PhaseResult{},
	}
}

// Clone returns a deep copy of s.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.PhaseResults = make(map[string]PhaseResult, len(s.PhaseResults))
	for k, v := range s.PhaseResults {
		c.PhaseResults[k] = v
	}
	return &c
}

// SessionStore persists the active session between processes.
type SessionStore interface {
	// Load returns the stored session, or nil when none is active.
	Load() (*Session, error)
	Save(s *Session) error
	Clear() error
}

// FileSessionStore keeps the session as a JSON file written atomically.
type FileSessionStore struct {
	fs   afero.Fs
	path string
}

func NewFileSessionStore(fsys afero.Fs, path string) *FileSessionStore {
	return &FileSessionStore{fs: fsys, path: path}
}

// Path returns the session file location.
func (f *FileSessionStore) Path() string { return f.path }

func (f *FileSessionStore) Load() (*Session, error) {
	data, err := afero.ReadFile(f.fs, f.path)
	if err != nil {
		if errors.Is(err, iofs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("invalid session file %s: %w", f.path, err)
	}
	if s.PhaseResults == nil {
		s.PhaseResults = map[string]PhaseResult{}
	}
	return &s, nil
}

func (f *FileSessionStore) Save(s *Session) error {
	return fsutil.WriteJSONAtomic(f.fs, f.path, s)
}

func (f *FileSessionStore) Clear() error {
	if err := f.fs.Remove(f.path); err != nil && !errors.Is(err, iofs.ErrNotExist) {
		return err
	}
	return nil
}

// MemorySessionStore keeps the session in process memory.
type MemorySessionStore struct {
	s *Session
}

func (m *MemorySessionStore) Load() (*Session, error) { return m.s.Clone(), nil }
func (m *MemorySessionStore) Save(s *Session) error   { m.s = s.Clone(); return nil }
func (m *MemorySessionStore) Clear() error            { m.s = nil; return nil }
