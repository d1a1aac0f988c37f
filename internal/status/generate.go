package status

import (
	"context"
	"errors"
	iofs "io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

// Generate builds a fresh Status. The repository queries run concurrently;
// each one that fails is logged and leaves its fields empty. Outside a git
// repository only the current story is reported.
func (c *Cache) Generate(ctx context.Context) *Status {
	st := &Status{GeneratedAt: c.now().UTC()}
	if c.story != nil {
		st.CurrentStory = c.story()
		st.Active = st.CurrentStory != nil
	}

	dirs, err := ResolveGitDirs(c.fs, c.root)
	if err != nil {
		c.logger.Debug("status: %v", err)
		return st
	}
	if _, err := c.open(); err != nil {
		c.logger.Debug("status: open repository: %v", err)
		return st
	}
	st.IsGitRepo = true

	var (
		branch    string
		modified  []string
		commits   []Commit
		worktrees []Worktree
	)

	// go-git repositories are not safe for concurrent use, so every query
	// opens its own handle.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		repo, err := c.open()
		if err == nil {
			branch, err = currentBranch(repo)
		}
		c.queryFailed("branch", err)
		return nil
	})
	g.Go(func() error {
		repo, err := c.open()
		if err == nil {
			modified, err = changedFiles(repo)
		}
		c.queryFailed("modified files", err)
		return nil
	})
	g.Go(func() error {
		repo, err := c.open()
		if err == nil {
			commits, err = recentCommits(gctx, repo, c.recentCommits)
		}
		c.queryFailed("recent commits", err)
		return nil
	})
	g.Go(func() error {
		var err error
		worktrees, err = listWorktrees(c.fs, dirs)
		c.queryFailed("worktrees", err)
		return nil
	})
	_ = g.Wait()

	st.Branch = branch
	st.ModifiedTotal = len(modified)
	if len(modified) > c.maxModified {
		modified = modified[:c.maxModified]
	}
	st.ModifiedFiles = modified
	st.RecentCommits = commits
	st.Worktrees = worktrees
	return st
}

func (c *Cache) open() (*git.Repository, error) {
	return git.PlainOpenWithOptions(c.root, &git.PlainOpenOptions{
		DetectDotGit:          true,
		EnableDotGitCommonDir: true,
	})
}

func (c *Cache) queryFailed(what string, err error) {
	if err != nil {
		c.logger.Debug("status: %s query failed: %v", what, err)
	}
}

// currentBranch returns the checked out branch. An unborn branch is reported
// by name; a detached HEAD as "HEAD@<short hash>".
func currentBranch(repo *git.Repository) (string, error) {
	head, err := repo.Head()
	if err != nil {
		if !errors.Is(err, plumbing.ErrReferenceNotFound) {
			return "", err
		}
		sym, symErr := repo.Reference(plumbing.HEAD, false)
		if symErr != nil {
			return "", symErr
		}
		return sym.Target().Short(), nil
	}
	if head.Name().IsBranch() {
		return head.Name().Short(), nil
	}
	return "HEAD@" + head.Hash().String()[:7], nil
}

// changedFiles lists every path with staged, unstaged or untracked changes,
// sorted.
func changedFiles(repo *git.Repository) ([]string, error) {
	wt, err := repo.Worktree()
	if err != nil {
		return nil, err
	}
	st, err := wt.Status()
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(st))
	for path, fst := range st {
		if fst.Staging == git.Unmodified && fst.Worktree == git.Unmodified {
			continue
		}
		files = append(files, filepath.ToSlash(path))
	}
	sort.Strings(files)
	return files, nil
}

func recentCommits(ctx context.Context, repo *git.Repository, n int) ([]Commit, error) {
	iter, err := repo.Log(&git.LogOptions{})
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return nil, nil
		}
		return nil, err
	}
	defer iter.Close()

	commits := make([]Commit, 0, n)
	err = iter.ForEach(func(c *object.Commit) error {
		if len(commits) >= n {
			return storer.ErrStop
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		subject, _, _ := strings.Cut(strings.TrimSpace(c.Message), "\n")
		commits = append(commits, Commit{
			Hash:    c.Hash.String()[:7],
			Subject: strings.TrimSpace(subject),
		})
		return nil
	})
	return commits, err
}

// listWorktrees reports the main worktree followed by every linked worktree
// registered under <common dir>/worktrees. The worktree containing the
// project root is marked current.
func listWorktrees(fsys afero.Fs, dirs GitDirs) ([]Worktree, error) {
	var out []Worktree
	if filepath.Base(dirs.CommonDir) == ".git" {
		out = append(out, Worktree{
			Path:   filepath.Dir(dirs.CommonDir),
			Branch: branchFromHeadFile(fsys, filepath.Join(dirs.CommonDir, "HEAD")),
		})
	}

	admin := filepath.Join(dirs.CommonDir, "worktrees")
	entries, err := afero.ReadDir(fsys, admin)
	if err != nil && !errors.Is(err, iofs.ErrNotExist) {
		return out, err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		wtAdmin := filepath.Join(admin, e.Name())
		gitdir, err := afero.ReadFile(fsys, filepath.Join(wtAdmin, "gitdir"))
		if err != nil {
			continue
		}
		wtGit := strings.TrimSpace(string(gitdir))
		if !filepath.IsAbs(wtGit) {
			wtGit = filepath.Join(wtAdmin, wtGit)
		}
		out = append(out, Worktree{
			Path:   filepath.Dir(filepath.Clean(wtGit)),
			Branch: branchFromHeadFile(fsys, filepath.Join(wtAdmin, "HEAD")),
		})
	}

	for i := range out {
		if filepath.Clean(out[i].Path) == filepath.Clean(dirs.WorkTree) {
			out[i].Current = true
		}
	}
	return out, nil
}

func branchFromHeadFile(fsys afero.Fs, path string) string {
	content, err := afero.ReadFile(fsys, path)
	if err != nil {
		return ""
	}
	head := strings.TrimSpace(string(content))
	if ref, ok := strings.CutPrefix(head, "ref:"); ok {
		return plumbing.ReferenceName(strings.TrimSpace(ref)).Short()
	}
	if len(head) >= 7 {
		return "HEAD@" + head[:7]
	}
	return ""
}
