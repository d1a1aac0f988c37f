package accumulator

import "strings"

// Story is a completed unit of epic history. It is read-only input.
type Story struct {
	ID                 string   `yaml:"id" json:"id"`
	Title              string   `yaml:"title" json:"title,omitempty"`
	Executor           string   `yaml:"executor" json:"executor,omitempty"`
	QualityGate        string   `yaml:"quality_gate" json:"quality_gate,omitempty"`
	Status             string   `yaml:"status" json:"status,omitempty"`
	AcceptanceCriteria []string `yaml:"acceptance_criteria" json:"acceptance_criteria,omitempty"`
	FilesModified      []string `yaml:"files_modified" json:"files_modified,omitempty"`
	DevNotes           string   `yaml:"dev_notes" json:"dev_notes,omitempty"`
}

// Ref points at a story. A Ref without Story is a bare identifier and is
// rendered as the identifier alone.
type Ref struct {
	ID    string
	Story *Story
}

// RefOf wraps a story.
func RefOf(s *Story) Ref {
	return Ref{ID: s.ID, Story: s}
}

// BareRef is a reference with no associated record.
func BareRef(id string) Ref {
	return Ref{ID: id}
}

// FileIndex maps a file path to the IDs of stories that modified it.
type FileIndex map[string]map[string]struct{}

// BuildFileIndex indexes files_modified of every story in refs.
func BuildFileIndex(refs []Ref) FileIndex {
	idx := FileIndex{}
	for _, r := range refs {
		if r.Story == nil {
			continue
		}
		for _, f := range r.Story.FilesModified {
			key := normalizePath(f)
			if key == "" {
				continue
			}
			set, ok := idx[key]
			if !ok {
				set = map[string]struct{}{}
				idx[key] = set
			}
			set[r.ID] = struct{}{}
		}
	}
	return idx
}

// StoriesTouching returns the set of story IDs that modified any of files.
func (idx FileIndex) StoriesTouching(files []string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, f := range files {
		for id := range idx[normalizePath(f)] {
			out[id] = struct{}{}
		}
	}
	return out
}

func normalizePath(p string) string {
	p = strings.TrimSpace(p)
	p = strings.ReplaceAll(p, "\\", "/")
	return strings.TrimPrefix(p, "./")
}
