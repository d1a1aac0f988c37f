package fs

import (
	"errors"
	"fmt"
	iofs "io/fs"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

const (
	gitignoreBegin = "# >>> orchestra"
	gitignoreEnd   = "# <<< orchestra"
)

// UpdateGitignore appends a block excluding <home>/var/ to rootDir/.gitignore.
// home is relative to rootDir. It reports false when the block was already
// present.
func UpdateGitignore(fsys afero.Fs, rootDir, home string) (bool, error) {
	gitignorePath := filepath.Join(rootDir, ".gitignore")

	existing, err := afero.ReadFile(fsys, gitignorePath)
	if err != nil && !errors.Is(err, iofs.ErrNotExist) {
		return false, fmt.Errorf("failed to read .gitignore: %w", err)
	}
	content := string(existing)
	if strings.Contains(content, gitignoreBegin) {
		return false, nil
	}

	varDir := "/" + path.Join(filepath.ToSlash(home), "var") + "/"

	var b strings.Builder
	b.WriteString(content)
	if len(content) > 0 {
		if !strings.HasSuffix(content, "\n") {
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	b.WriteString(gitignoreBegin + "\n")
	b.WriteString(varDir + "\n")
	b.WriteString(gitignoreEnd + "\n")

	if err := WriteFileAtomic(fsys, gitignorePath, []byte(b.String())); err != nil {
		return false, err
	}
	return true, nil
}
