package embed

import (
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YoshitsuguKoike/orchestra/internal/story"
	"github.com/YoshitsuguKoike/orchestra/internal/workflow"
)

func TestGetTemplates(t *testing.T) {
	templates, err := GetTemplates()
	require.NoError(t, err)

	paths := map[string]Template{}
	for _, tmpl := range templates {
		paths[filepath.ToSlash(tmpl.Path)] = tmpl
	}
	require.Contains(t, paths, "etc/workflow.yaml")
	require.Contains(t, paths, "prompts/develop.md")
	require.Contains(t, paths, "stories/0001-example.md", ".tmpl suffix is stripped")
}

func TestTemplatesAreValid(t *testing.T) {
	fsys := afero.NewMemMapFs()
	templates, err := GetTemplates()
	require.NoError(t, err)
	for _, tmpl := range templates {
		_, err := WriteTemplate(fsys, "/home", tmpl, false)
		require.NoError(t, err)
	}

	def, err := workflow.Load(fsys, "/home/etc/workflow.yaml")
	require.NoError(t, err)
	for _, p := range def.Phases {
		data, err := afero.ReadFile(fsys, filepath.Join("/home", p.PromptPath))
		require.NoError(t, err, "phase %s prompt", p.ID)
		unknown, _ := workflow.ValidatePlaceholders(string(data), workflow.PromptPlaceholders)
		assert.Empty(t, unknown, "phase %s prompt placeholders", p.ID)
	}

	refs, err := story.LoadDir(fsys, "/home/stories")
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "1.1", refs[0].ID)
}

func TestWriteTemplate_SkipAndForce(t *testing.T) {
	fsys := afero.NewMemMapFs()
	tmpl := Template{Path: "etc/workflow.yaml", Content: []byte("new"), Mode: 0o644}
	require.NoError(t, afero.WriteFile(fsys, "/home/etc/workflow.yaml", []byte("mine"), 0o644))

	res, err := WriteTemplate(fsys, "/home", tmpl, false)
	require.NoError(t, err)
	assert.Equal(t, "SKIP", res.Action)
	data, _ := afero.ReadFile(fsys, "/home/etc/workflow.yaml")
	assert.Equal(t, "mine", string(data))

	res, err = WriteTemplate(fsys, "/home", tmpl, true)
	require.NoError(t, err)
	assert.Equal(t, "WROTE (force)", res.Action)
	data, _ = afero.ReadFile(fsys, "/home/etc/workflow.yaml")
	assert.Equal(t, "new", string(data))
}
