// Package testutil holds helpers shared by command tests.
package testutil

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// NewTestWorkspace creates a temporary project, changes into it for the
// duration of the test and sets up the basic .orchestra structure.
// It returns the project root.
func NewTestWorkspace(t *testing.T) string {
	t.Helper()

	root := t.TempDir()
	t.Chdir(root)

	dirs := []string{
		".orchestra/etc",
		".orchestra/prompts",
		".orchestra/stories",
		".orchestra/var",
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("Failed to create directory %s: %v", dir, err)
		}
	}
	return root
}

// WriteFile writes content below the workspace, creating parent directories.
func WriteFile(t *testing.T, path, content string) string {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("Failed to create directory for %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write %s: %v", path, err)
	}
	return path
}

// InitGitRepo turns dir into a git repository with one commit per message.
func InitGitRepo(t *testing.T, dir string, messages ...string) *git.Repository {
	t.Helper()

	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("Failed to init repository: %v", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatalf("Failed to open worktree: %v", err)
	}
	sig := &object.Signature{Name: "test", Email: "test@example.com", When: time.Unix(1700000000, 0)}
	for i, msg := range messages {
		name := filepath.Join(dir, "history.txt")
		f, err := os.OpenFile(name, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			t.Fatalf("Failed to open %s: %v", name, err)
		}
		_, _ = f.WriteString(msg + "\n")
		_ = f.Close()
		if _, err := wt.Add("history.txt"); err != nil {
			t.Fatalf("Failed to stage: %v", err)
		}
		sig.When = sig.When.Add(time.Duration(i) * time.Minute)
		if _, err := wt.Commit(msg, &git.CommitOptions{Author: sig}); err != nil {
			t.Fatalf("Failed to commit %q: %v", msg, err)
		}
	}
	return repo
}

// AssertFileNotExists verifies that a file does not exist
func AssertFileNotExists(t *testing.T, path string) {
	t.Helper()

	if _, err := os.Stat(path); err == nil {
		t.Errorf("File should not exist but does: %s", path)
	}
}

// AssertFileExists verifies that a file exists
func AssertFileExists(t *testing.T, path string) {
	t.Helper()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Errorf("File should exist but doesn't: %s", path)
	}
}
