package app

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/afero"
)

// Journal event kinds.
const (
	EventPhaseChange   = "phase_change"
	EventAgentSpawn    = "agent_spawn"
	EventTerminalSpawn = "terminal_spawn"
	EventPhaseResult   = "phase_result"
)

// JournalEntry is one line of the workflow journal.
type JournalEntry struct {
	Ts         string `json:"ts"`
	Event      string `json:"event"`
	WorkflowID string `json:"workflow_id,omitempty"`
	StoryID    string `json:"story_id,omitempty"`
	Phase      string `json:"phase,omitempty"`
	From       string `json:"from,omitempty"`
	Agent      string `json:"agent,omitempty"`
	Attempt    int    `json:"attempt,omitempty"`
	PID        int    `json:"pid,omitempty"`
	Success    *bool  `json:"success,omitempty"`
	Error      string `json:"error,omitempty"`
	ElapsedMs  int64  `json:"elapsed_ms,omitempty"`
	Next       string `json:"next,omitempty"`
}

// Journal appends workflow events to an NDJSON file.
type Journal struct {
	fs   afero.Fs
	path string
	now  func() time.Time

	mu sync.Mutex
}

// NewJournal returns a journal writing to path on fsys.
func NewJournal(fsys afero.Fs, path string) *Journal {
	return &Journal{fs: fsys, path: path, now: time.Now}
}

// Path returns the journal file location.
func (j *Journal) Path() string { return j.path }

// Append writes e as a single line. A missing timestamp is filled in.
func (j *Journal) Append(e JournalEntry) error {
	if e.Event == "" {
		return errors.New("journal: event is empty")
	}
	if e.Ts == "" {
		e.Ts = j.now().UTC().Format(time.RFC3339Nano)
	}
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("journal: marshal: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.fs.MkdirAll(filepath.Dir(j.path), 0o755); err != nil {
		return fmt.Errorf("journal: mkdir: %w", err)
	}
	f, err := j.fs.OpenFile(j.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("journal: open: %w", err)
	}
	if _, err := f.Write(append(b, '\n')); err != nil {
		f.Close()
		return fmt.Errorf("journal: write: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("journal: sync: %w", err)
	}
	return f.Close()
}

// Tail returns the last n entries in file order. n <= 0 returns all of them.
// Lines that do not decode are skipped and counted.
func (j *Journal) Tail(n int) ([]JournalEntry, int, error) {
	data, err := afero.ReadFile(j.fs, j.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("journal: read: %w", err)
	}

	var (
		entries []JournalEntry
		skipped int
	)
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var e JournalEntry
		if err := json.Unmarshal(line, &e); err != nil || e.Event == "" {
			skipped++
			continue
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, skipped, fmt.Errorf("journal: scan: %w", err)
	}
	if n > 0 && len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	return entries, skipped, nil
}
