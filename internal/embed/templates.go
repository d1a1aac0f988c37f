// Package embed carries the files "orchestra init" writes into a new
// project home.
package embed

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	fsutil "github.com/YoshitsuguKoike/orchestra/internal/infra/fs"
)

//go:embed templates/etc/* templates/prompts/* templates/stories/*
var templatesFS embed.FS

// Template represents a template file to be written
type Template struct {
	Path    string
	Content []byte
	Mode    os.FileMode
}

// GetTemplates returns all templates to be written during init
func GetTemplates() ([]Template, error) {
	var templates []Template

	err := fs.WalkDir(templatesFS, "templates", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		content, err := templatesFS.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}

		// Remove "templates/" prefix and ".tmpl" suffix for the destination path
		destPath := strings.TrimPrefix(path, "templates/")
		destPath = strings.TrimSuffix(destPath, ".tmpl")

		templates = append(templates, Template{
			Path:    filepath.FromSlash(destPath),
			Content: content,
			Mode:    0o644,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return templates, nil
}

// WriteTemplateResult represents the result of writing a template
type WriteTemplateResult struct {
	Path   string
	Action string // "WROTE", "SKIP", "WROTE (force)"
}

// WriteTemplate writes a template file atomically below baseDir. Existing
// files are kept unless force is set.
func WriteTemplate(fsys afero.Fs, baseDir string, tmpl Template, force bool) (*WriteTemplateResult, error) {
	fullPath := filepath.Join(baseDir, tmpl.Path)
	result := &WriteTemplateResult{Path: tmpl.Path}

	exists, err := afero.Exists(fsys, fullPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", fullPath, err)
	}
	if exists && !force {
		result.Action = "SKIP"
		return result, nil
	}

	if err := fsutil.WriteFileAtomic(fsys, fullPath, tmpl.Content); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", fullPath, err)
	}

	if force && exists {
		result.Action = "WROTE (force)"
	} else {
		result.Action = "WROTE"
	}
	return result, nil
}
