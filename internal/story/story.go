// Package story loads story records from markdown files with a YAML
// frontmatter block.
package story

import (
	"bytes"
	"errors"
	"fmt"
	iofs "io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/YoshitsuguKoike/orchestra/internal/accumulator"
)

var (
	// ErrMissingFrontMatter indicates the document did not start with a YAML fence.
	ErrMissingFrontMatter = errors.New("story: missing frontmatter")
	// ErrMalformedFrontMatter indicates the closing fence is missing.
	ErrMalformedFrontMatter = errors.New("story: malformed frontmatter")
)

// Parse reads one story document. The markdown body becomes DevNotes when
// the frontmatter does not set dev_notes.
func Parse(content []byte) (*accumulator.Story, error) {
	normalized := bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))
	if !bytes.HasPrefix(normalized, []byte("---\n")) {
		return nil, ErrMissingFrontMatter
	}
	rest := normalized[4:]
	var meta, body []byte
	switch {
	case bytes.HasPrefix(rest, []byte("---\n")):
		body = rest[4:]
	default:
		parts := bytes.SplitN(rest, []byte("\n---\n"), 2)
		if len(parts) < 2 {
			if !bytes.HasSuffix(rest, []byte("\n---")) {
				return nil, ErrMalformedFrontMatter
			}
			parts = [][]byte{bytes.TrimSuffix(rest, []byte("\n---")), nil}
		}
		meta, body = parts[0], parts[1]
	}

	var s accumulator.Story
	if err := yaml.Unmarshal(meta, &s); err != nil {
		return nil, fmt.Errorf("story: parse frontmatter: %w", err)
	}
	s.ID = strings.TrimSpace(s.ID)
	if s.ID == "" {
		return nil, fmt.Errorf("story: %w: \"id\" is required", ErrMalformedFrontMatter)
	}
	if strings.TrimSpace(s.DevNotes) == "" {
		s.DevNotes = strings.TrimSpace(string(body))
	}
	return &s, nil
}

// LoadDir reads every *.md file in dir in lexical file-name order. A missing
// directory yields an empty history.
func LoadDir(fsys afero.Fs, dir string) ([]accumulator.Ref, error) {
	entries, err := afero.ReadDir(fsys, dir)
	if err != nil {
		if errors.Is(err, iofs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("story: read dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".md") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	refs := make([]accumulator.Ref, 0, len(names))
	seen := map[string]string{}
	for _, name := range names {
		data, err := afero.ReadFile(fsys, filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("story: read %s: %w", name, err)
		}
		s, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		if prev, dup := seen[s.ID]; dup {
			return nil, fmt.Errorf("story: duplicate id %q in %s and %s", s.ID, prev, name)
		}
		seen[s.ID] = name
		refs = append(refs, accumulator.RefOf(s))
	}
	return refs, nil
}

// Find returns the index of id in refs, or -1.
func Find(refs []accumulator.Ref, id string) int {
	id = strings.TrimSpace(id)
	for i, r := range refs {
		if r.ID == id {
			return i
		}
	}
	return -1
}

// Resolve returns the reference for id: the loaded record when present,
// otherwise a bare identifier.
func Resolve(refs []accumulator.Ref, id string) accumulator.Ref {
	if i := Find(refs, id); i >= 0 {
		return refs[i]
	}
	return accumulator.BareRef(strings.TrimSpace(id))
}
