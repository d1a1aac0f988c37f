package status

import (
	"errors"
	"fmt"
	iofs "io/fs"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// ErrNotGitRepo indicates no .git entry was found at or above the project root.
var ErrNotGitRepo = errors.New("not a git repository")

// GitDirs are the resolved locations of one working tree's repository data.
type GitDirs struct {
	WorkTree  string // directory containing the .git entry
	GitDir    string // per-worktree git dir (HEAD, index)
	CommonDir string // shared git dir (refs, objects, worktrees/)
}

// Linked reports whether this is a linked worktree rather than the main one.
func (d GitDirs) Linked() bool {
	return filepath.Clean(d.GitDir) != filepath.Clean(d.CommonDir)
}

// ResolveGitDirs finds the git dir for start, walking up parent directories.
// A .git directory is a main worktree; a .git file holding "gitdir: <path>"
// is a linked worktree whose commondir file points at the shared repository.
func ResolveGitDirs(fsys afero.Fs, start string) (GitDirs, error) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return GitDirs{}, err
	}
	for {
		gitPath := filepath.Join(dir, ".git")
		info, err := fsys.Stat(gitPath)
		switch {
		case err == nil && info.IsDir():
			return GitDirs{WorkTree: dir, GitDir: gitPath, CommonDir: commonDirOf(fsys, gitPath)}, nil
		case err == nil:
			gitDir, err := readGitFile(fsys, gitPath)
			if err != nil {
				return GitDirs{}, err
			}
			return GitDirs{WorkTree: dir, GitDir: gitDir, CommonDir: commonDirOf(fsys, gitDir)}, nil
		case !errors.Is(err, iofs.ErrNotExist):
			return GitDirs{}, fmt.Errorf("stat .git: %w", err)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return GitDirs{}, fmt.Errorf("%w: %s", ErrNotGitRepo, start)
		}
		dir = parent
	}
}

func readGitFile(fsys afero.Fs, gitPath string) (string, error) {
	content, err := afero.ReadFile(fsys, gitPath)
	if err != nil {
		return "", fmt.Errorf("reading .git file: %w", err)
	}
	line := strings.TrimSpace(string(content))
	if !strings.HasPrefix(line, "gitdir:") {
		return "", fmt.Errorf("%w: invalid .git file format", ErrNotGitRepo)
	}
	gitDir := strings.TrimSpace(strings.TrimPrefix(line, "gitdir:"))
	if !filepath.IsAbs(gitDir) {
		gitDir = filepath.Join(filepath.Dir(gitPath), gitDir)
	}
	return filepath.Clean(gitDir), nil
}

func commonDirOf(fsys afero.Fs, gitDir string) string {
	content, err := afero.ReadFile(fsys, filepath.Join(gitDir, "commondir"))
	if err != nil {
		return gitDir
	}
	common := strings.TrimSpace(string(content))
	if common == "" {
		return gitDir
	}
	if !filepath.IsAbs(common) {
		common = filepath.Join(gitDir, common)
	}
	return filepath.Clean(common)
}
