package fs

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/spf13/afero"
)

// ErrRename marks a failure of the final rename step. The temp file has been
// removed when this is returned, and the destination is untouched.
var ErrRename = errors.New("atomic rename failed")

// WriteFileAtomic writes data to path through a temp file in the same
// directory followed by a rename, so readers see either the old or the new
// content.
func WriteFileAtomic(fsys afero.Fs, path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmpFile, err := afero.TempFile(fsys, dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer fsys.Remove(tmpPath)

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write to temp file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := fsys.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("%w: %s -> %s: %v", ErrRename, tmpPath, path, err)
	}
	// fsync(file) then fsync(parent dir) so the new entry survives a crash.
	return syncDir(fsys, dir)
}

// syncDir flushes directory metadata. Filesystems that cannot sync a
// directory are ignored.
func syncDir(fsys afero.Fs, dir string) error {
	d, err := fsys.Open(dir)
	if err != nil {
		return fmt.Errorf("failed to open directory %s: %w", dir, err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil && !isNotSupported(err) {
		return fmt.Errorf("failed to sync directory %s: %w", dir, err)
	}
	return nil
}

func isNotSupported(err error) bool {
	return os.IsPermission(err) || errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.ENOTSUP) || errors.Is(err, syscall.EBADF)
}

// WriteFileAtomicOrDirect tries WriteFileAtomic and, when only the rename
// failed, writes path directly. direct reports whether the fallback was used.
func WriteFileAtomicOrDirect(fsys afero.Fs, path string, data []byte) (direct bool, err error) {
	err = WriteFileAtomic(fsys, path, data)
	if err == nil || !errors.Is(err, ErrRename) {
		return false, err
	}
	if werr := afero.WriteFile(fsys, path, data, 0o644); werr != nil {
		return true, fmt.Errorf("direct write after %v: %w", err, werr)
	}
	return true, nil
}

// WriteJSONAtomic marshals v with indentation and writes it atomically.
func WriteJSONAtomic(fsys afero.Fs, path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return WriteFileAtomic(fsys, path, b)
}
