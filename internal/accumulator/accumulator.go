// Package accumulator compresses the history of completed stories into a
// bounded textual context for the next workflow phase.
//
// Recent stories keep full detail, older ones are reduced to metadata, and a
// global token budget is enforced by compressing and then dropping the oldest
// entries first. The three most recent stories are always present; dropped
// stories are taken back when compressing the recent ones frees enough room.
package accumulator

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	// DefaultBudget is the global token budget for accumulated context.
	DefaultBudget = 8000
	// DefaultStoryCap is the token cap for a single formatted story.
	DefaultStoryCap = 600
	// DefaultProtectedRecent is how many of the most recent stories are never dropped.
	DefaultProtectedRecent = 3

	fieldSep       = " | "
	ellipsis       = "…"
	omittedFormat  = "[%d earlier stories omitted]"
	entrySeparator = "\n"
)

// Target describes the phase that is about to start.
type Target struct {
	Executor string
	Files    []string
}

// Config holds the budget parameters.
type Config struct {
	Budget          int
	StoryCap        int
	ProtectedRecent int
}

// DefaultConfig returns the production budget.
func DefaultConfig() Config {
	return Config{
		Budget:          DefaultBudget,
		StoryCap:        DefaultStoryCap,
		ProtectedRecent: DefaultProtectedRecent,
	}
}

// Entry is one formatted story in the result.
type Entry struct {
	ID        string
	Level     Level
	Upgraded  bool
	Truncated bool
	Text      string
	Tokens    int

	ref Ref
}

// Result is the accumulated context.
type Result struct {
	Entries []Entry
	Omitted int
	Text    string
	Tokens  int
}

// Empty reports whether the result carries no context.
func (r Result) Empty() bool { return len(r.Entries) == 0 }

// IDs returns the story IDs present in the result, oldest first.
func (r Result) IDs() []string {
	ids := make([]string, len(r.Entries))
	for i, e := range r.Entries {
		ids[i] = e.ID
	}
	return ids
}

// Accumulate builds context with the default budget. history is ordered
// oldest first; currentIndex is the position of the story being started in
// that ordering (len(history) when history holds only prior stories).
func Accumulate(history []Ref, currentIndex int, target Target) Result {
	return DefaultConfig().Accumulate(history, currentIndex, target)
}

// Accumulate builds context under c's budget.
func (c Config) Accumulate(history []Ref, currentIndex int, target Target) Result {
	if len(history) == 0 {
		return Result{}
	}

	overlapping := BuildFileIndex(history).StoriesTouching(target.Files)
	executor := strings.TrimSpace(target.Executor)

	entries := make([]Entry, 0, len(history))
	for i, ref := range history {
		if ref.ID == "" && ref.Story != nil {
			ref.ID = ref.Story.ID
		}
		level := LevelFor(currentIndex-i, len(history))
		upgraded := false
		if level == MetadataOnly && ref.Story != nil {
			_, touches := overlapping[ref.ID]
			sameExecutor := executor != "" && strings.TrimSpace(ref.Story.Executor) == executor
			if touches || sameExecutor {
				level = MetadataPlusFiles
				upgraded = true
			}
		}
		e := Entry{ID: ref.ID, Level: level, Upgraded: upgraded, ref: ref}
		c.format(&e)
		entries = append(entries, e)
	}

	entries, omitted := c.enforceBudget(entries)
	return buildResult(entries, omitted)
}

// format renders e.ref at e.Level and applies the per-story cap.
func (c Config) format(e *Entry) {
	fields := fieldsFor(e.ref, e.Level)
	e.Truncated = capFields(fields, c.StoryCap)
	e.Text = renderFields(fields)
	e.Tokens = EstimateTokens(e.Text)
}

func (c Config) enforceBudget(entries []Entry) ([]Entry, int) {
	omitted := 0
	fits := func() bool {
		return EstimateTokens(render(entries, omitted)) <= c.Budget
	}
	if fits() {
		return entries, 0
	}

	protected := c.ProtectedRecent
	if protected > len(entries) {
		protected = len(entries)
	}

	// Compress the oldest unprotected entries first.
	for i := 0; i < len(entries)-protected && !fits(); i++ {
		for entries[i].Level != MetadataOnly && !fits() {
			entries[i].Level = entries[i].Level.lower()
			c.format(&entries[i])
		}
	}

	// Drop the oldest unprotected entries.
	all := entries
	for len(entries) > protected && !fits() {
		entries = entries[1:]
		omitted++
	}

	// Compress the protected entries, oldest first.
	for i := 0; i < len(entries) && !fits(); i++ {
		for entries[i].Level != MetadataOnly && !fits() {
			entries[i].Level = entries[i].Level.lower()
			c.format(&entries[i])
		}
	}

	// Compression may have freed room: take dropped entries back, newest first.
	for omitted > 0 {
		if EstimateTokens(render(all[omitted-1:], omitted-1)) > c.Budget {
			break
		}
		omitted--
		entries = all[omitted:]
	}

	if !fits() && omitted > 0 {
		// The marker itself may be what no longer fits.
		if EstimateTokens(render(entries, 0)) <= c.Budget {
			return entries, 0
		}
	}

	// Last resort for pathological metadata: share the budget evenly.
	if !fits() {
		share := maxRunesFor(c.Budget)/len(entries) - utf8.RuneCountInString(entrySeparator)
		for i := range entries {
			if utf8.RuneCountInString(entries[i].Text) > share {
				entries[i].Text = truncateRunes(entries[i].Text, share)
				entries[i].Tokens = EstimateTokens(entries[i].Text)
				entries[i].Truncated = true
			}
		}
		omitted = 0
	}
	return entries, omitted
}

func buildResult(entries []Entry, omitted int) Result {
	text := render(entries, omitted)
	return Result{
		Entries: entries,
		Omitted: omitted,
		Text:    text,
		Tokens:  EstimateTokens(text),
	}
}

func render(entries []Entry, omitted int) string {
	lines := make([]string, 0, len(entries)+1)
	if omitted > 0 {
		lines = append(lines, fmt.Sprintf(omittedFormat, omitted))
	}
	for _, e := range entries {
		lines = append(lines, e.Text)
	}
	return strings.Join(lines, entrySeparator)
}

type field struct {
	name    string
	value   string
	textual bool
}

// fieldsFor lists the non-empty fields retained at level.
func fieldsFor(ref Ref, level Level) []field {
	s := ref.Story
	if s == nil {
		return []field{{value: ref.ID}}
	}

	var names []string
	switch level {
	case FullDetail:
		names = []string{"id", "title", "executor", "quality_gate", "status", "acceptance_criteria", "files_modified", "dev_notes"}
	case MetadataPlusFiles:
		names = []string{"id", "title", "executor", "status", "files_modified"}
	default:
		names = []string{"id", "executor", "status"}
	}

	fields := make([]field, 0, len(names))
	for _, name := range names {
		var f field
		switch name {
		case "id":
			f = field{name: name, value: ref.ID}
		case "title":
			f = field{name: name, value: s.Title, textual: true}
		case "executor":
			f = field{name: name, value: s.Executor}
		case "quality_gate":
			f = field{name: name, value: s.QualityGate}
		case "status":
			f = field{name: name, value: s.Status}
		case "acceptance_criteria":
			f = field{name: name, value: strings.Join(nonEmpty(s.AcceptanceCriteria), "; "), textual: true}
		case "files_modified":
			if files := nonEmpty(s.FilesModified); len(files) > 0 {
				f = field{name: name, value: "[" + strings.Join(files, ", ") + "]"}
			}
		case "dev_notes":
			f = field{name: name, value: s.DevNotes, textual: true}
		}
		if strings.TrimSpace(f.value) == "" {
			continue
		}
		fields = append(fields, f)
	}
	return fields
}

func renderFields(fields []field) string {
	parts := make([]string, len(fields))
	for i, f := range fields {
		if f.name == "" {
			parts[i] = f.value
			continue
		}
		parts[i] = f.name + ": " + f.value
	}
	return strings.Join(parts, fieldSep)
}

// capFields shortens textual fields (dev_notes, then acceptance_criteria,
// then title) until the rendered entry fits within capTokens. Structural
// fields are never touched.
func capFields(fields []field, capTokens int) bool {
	if capTokens <= 0 || EstimateTokens(renderFields(fields)) <= capTokens {
		return false
	}
	maxRunes := maxRunesFor(capTokens)
	order := []string{"dev_notes", "acceptance_criteria", "title"}
	truncated := false
	for _, name := range order {
		excess := utf8.RuneCountInString(renderFields(fields)) - maxRunes
		if excess <= 0 {
			break
		}
		for i := range fields {
			if fields[i].name != name || !fields[i].textual {
				continue
			}
			length := utf8.RuneCountInString(fields[i].value)
			keep := length - excess - utf8.RuneCountInString(ellipsis)
			if keep < 0 {
				keep = 0
			}
			if keep < length {
				fields[i].value = string([]rune(fields[i].value)[:keep]) + ellipsis
				truncated = true
			}
		}
	}
	return truncated
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 1 {
		return string(r[:n])
	}
	return string(r[:n-1]) + ellipsis
}

func nonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
