package status

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// Fingerprint returns "<headRefMtimeMs>:<indexMtimeMs>" for the repository
// containing root, or nil when root is not inside a git repository or its
// HEAD cannot be read. A missing index contributes 0.
//
// The head ref mtime is taken from the loose ref HEAD points at, falling back
// to packed-refs and then to HEAD itself (detached HEAD).
func Fingerprint(fsys afero.Fs, root string) *string {
	dirs, err := ResolveGitDirs(fsys, root)
	if err != nil {
		return nil
	}
	headMtime, err := headRefMtime(fsys, dirs)
	if err != nil {
		return nil
	}
	var indexMtime int64
	if info, err := fsys.Stat(filepath.Join(dirs.GitDir, "index")); err == nil {
		indexMtime = info.ModTime().UnixMilli()
	}
	fp := fmt.Sprintf("%d:%d", headMtime, indexMtime)
	return &fp
}

func headRefMtime(fsys afero.Fs, dirs GitDirs) (int64, error) {
	headPath := filepath.Join(dirs.GitDir, "HEAD")
	content, err := afero.ReadFile(fsys, headPath)
	if err != nil {
		return 0, err
	}

	head := strings.TrimSpace(string(content))
	if ref, ok := strings.CutPrefix(head, "ref:"); ok {
		ref = filepath.FromSlash(strings.TrimSpace(ref))
		candidates := []string{
			filepath.Join(dirs.CommonDir, ref),
			filepath.Join(dirs.GitDir, ref),
			filepath.Join(dirs.CommonDir, "packed-refs"),
		}
		for _, p := range candidates {
			if info, err := fsys.Stat(p); err == nil && !info.IsDir() {
				return info.ModTime().UnixMilli(), nil
			}
		}
	}

	info, err := fsys.Stat(headPath)
	if err != nil {
		return 0, err
	}
	return info.ModTime().UnixMilli(), nil
}
