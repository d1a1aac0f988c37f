package story

import (
	"errors"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const doc = `---
id: "1.2"
title: Cart totals
executor: dev
quality_gate: qa
status: Done
acceptance_criteria:
  - totals include tax
files_modified:
  - internal/cart/total.go
---

Rounded with banker's rounding.
`

func TestParse(t *testing.T) {
	s, err := Parse([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, "1.2", s.ID)
	assert.Equal(t, "Cart totals", s.Title)
	assert.Equal(t, "qa", s.QualityGate)
	assert.Equal(t, []string{"totals include tax"}, s.AcceptanceCriteria)
	assert.Equal(t, []string{"internal/cart/total.go"}, s.FilesModified)
	assert.Equal(t, "Rounded with banker's rounding.", s.DevNotes)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantIs  error
		wantErr string
	}{
		{name: "no fence", content: "id: 1", wantIs: ErrMissingFrontMatter},
		{name: "unterminated", content: "---\nid: 1\nbody", wantIs: ErrMalformedFrontMatter},
		{name: "missing id", content: "---\ntitle: x\n---\n", wantIs: ErrMalformedFrontMatter},
		{name: "bad yaml", content: "---\nid: [\n---\n", wantErr: "story: parse frontmatter"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.content))
			require.Error(t, err)
			if tt.wantIs != nil {
				assert.True(t, errors.Is(err, tt.wantIs), "got %v", err)
			}
			if tt.wantErr != "" {
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestParse_CRLFAndFrontmatterNotes(t *testing.T) {
	s, err := Parse([]byte("---\r\nid: 3\r\ndev_notes: from yaml\r\n---\r\nbody\r\n"))
	require.NoError(t, err)
	assert.Equal(t, "3", s.ID)
	assert.Equal(t, "from yaml", s.DevNotes)
}

func TestLoadDir(t *testing.T) {
	fsys := afero.NewMemMapFs()
	write := func(name, content string) {
		require.NoError(t, afero.WriteFile(fsys, "/stories/"+name, []byte(content), 0o644))
	}
	write("02-second.md", "---\nid: \"1.2\"\n---\n")
	write("01-first.md", "---\nid: \"1.1\"\nexecutor: dev\n---\n")
	write("notes.txt", "ignored")
	require.NoError(t, fsys.MkdirAll("/stories/archive.md", 0o755))

	refs, err := LoadDir(fsys, "/stories")
	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.Equal(t, "1.1", refs[0].ID)
	assert.Equal(t, "1.2", refs[1].ID)

	assert.Equal(t, 1, Find(refs, " 1.2 "))
	assert.Equal(t, -1, Find(refs, "9.9"))
	assert.Equal(t, "dev", Resolve(refs, "1.1").Story.Executor)
	bare := Resolve(refs, "9.9")
	assert.Equal(t, "9.9", bare.ID)
	assert.Nil(t, bare.Story)
}

func TestLoadDir_MissingDirectory(t *testing.T) {
	refs, err := LoadDir(afero.NewMemMapFs(), "/nowhere")
	require.NoError(t, err)
	assert.Empty(t, refs)
}

func TestLoadDir_DuplicateID(t *testing.T) {
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/s/a.md", []byte("---\nid: x\n---\n"), 0o644))
	require.NoError(t, afero.WriteFile(fsys, "/s/b.md", []byte("---\nid: x\n---\n"), 0o644))
	_, err := LoadDir(fsys, "/s")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `duplicate id "x"`)
}
