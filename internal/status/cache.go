// Package status maintains a file-backed cache of project status (git state
// and the in-progress story) that many agent processes read concurrently.
//
// An entry is trusted while the repository fingerprint is unchanged and the
// entry is younger than its TTL; otherwise the status is regenerated and the
// cache rewritten under an advisory lock.
package status

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	iofs "io/fs"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	fsutil "github.com/YoshitsuguKoike/orchestra/internal/infra/fs"
	"github.com/YoshitsuguKoike/orchestra/internal/lock"
	"github.com/YoshitsuguKoike/orchestra/internal/logging"
	"github.com/YoshitsuguKoike/orchestra/internal/metrics"
)

const (
	// ActiveTTL applies while both the entry and the repository carry a fingerprint.
	ActiveTTL = 15 * time.Second
	// IdleTTL applies when either fingerprint is absent.
	IdleTTL = 60 * time.Second

	// LockResource is the lock guarding cache writes.
	LockResource = "project-status-cache"
	// LockTimeout bounds how long a writer waits for LockResource.
	LockTimeout = 3000 * time.Millisecond

	lockTTLSeconds = 10
	lockOwner      = "status-cache"

	cacheBase = "project-status"

	DefaultMaxModifiedFiles = 20
	DefaultRecentCommits    = 5
)

// StorySource reports the story currently being worked on, or nil.
type StorySource func() *StoryInfo

// Cache reads and writes the status cache for one project root.
type Cache struct {
	fs       afero.Fs
	root     string
	cacheDir string
	locks    *lock.Manager
	logger   logging.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	story    StorySource

	maxModified   int
	recentCommits int
	lockTimeout   time.Duration

	// mu serialises in-process regeneration; other processes are
	// coordinated through the lock manager.
	mu sync.Mutex
}

// Option configures a Cache.
type Option func(*Cache)

func WithFs(fsys afero.Fs) Option { return func(c *Cache) { c.fs = fsys } }
func WithCacheDir(dir string) Option { return func(c *Cache) { c.cacheDir = dir } }
func WithLogger(l logging.Logger) Option { return func(c *Cache) { c.logger = logging.OrNop(l) } }
func WithMetrics(m *metrics.Metrics) Option { return func(c *Cache) { c.metrics = m } }
func WithClock(now func() time.Time) Option { return func(c *Cache) { c.now = now } }
func WithStorySource(src StorySource) Option { return func(c *Cache) { c.story = src } }
func WithLockTimeout(d time.Duration) Option { return func(c *Cache) { c.lockTimeout = d } }

// WithLimits overrides how many modified files and commits are reported.
func WithLimits(maxModified, recentCommits int) Option {
	return func(c *Cache) {
		if maxModified > 0 {
			c.maxModified = maxModified
		}
		if recentCommits > 0 {
			c.recentCommits = recentCommits
		}
	}
}

// NewCache returns a cache for the project at root. locks may be nil, in
// which case writes are never serialised across processes.
func NewCache(root string, locks *lock.Manager, opts ...Option) *Cache {
	c := &Cache{
		fs:            afero.NewOsFs(),
		root:          root,
		cacheDir:      filepath.Join(root, ".orchestra", "var", "cache"),
		locks:         locks,
		logger:        logging.Nop(),
		now:           time.Now,
		maxModified:   DefaultMaxModifiedFiles,
		recentCommits: DefaultRecentCommits,
		lockTimeout:   LockTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Root returns the project root.
func (c *Cache) Root() string { return c.root }

// GitStateFingerprint fingerprints the project's repository; nil outside git.
func (c *Cache) GitStateFingerprint() *string {
	return Fingerprint(c.fs, c.root)
}

// Path returns the cache file location. Linked worktrees get a file of their
// own, suffixed with a short hash of the worktree path, so they never share
// an entry with the main worktree.
func (c *Cache) Path() string {
	dirs, err := ResolveGitDirs(c.fs, c.root)
	if err != nil || !dirs.Linked() {
		return filepath.Join(c.cacheDir, cacheBase+".yaml")
	}
	sum := sha256.Sum256([]byte(dirs.WorkTree))
	return filepath.Join(c.cacheDir, fmt.Sprintf("%s-%s.yaml", cacheBase, hex.EncodeToString(sum[:])[:8]))
}

// IsValid reports whether entry may be served given the current fingerprint.
// A fingerprint mismatch always invalidates; otherwise the entry must be
// younger than ActiveTTL when both fingerprints exist and IdleTTL when not.
func IsValid(entry *Entry, current *string, now time.Time) bool {
	if entry == nil || entry.Status == nil {
		return false
	}
	age := entry.Age(now)
	if entry.GitFingerprint != nil && current != nil {
		if *entry.GitFingerprint != *current {
			return false
		}
		return age < ActiveTTL
	}
	return age < IdleTTL
}

// ttlFor is the TTL recorded with an entry written under fingerprint fp.
func ttlFor(fp *string) int {
	if fp != nil {
		return int(ActiveTTL / time.Second)
	}
	return int(IdleTTL / time.Second)
}

// Load returns the cached status when valid and otherwise regenerates and
// persists it. It never fails: a write that cannot be persisted is logged
// and the freshly generated status is still returned.
func (c *Cache) Load(ctx context.Context) *Status {
	fp := c.GitStateFingerprint()
	if st := c.cached(fp); st != nil {
		return st
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Another goroutine may have refreshed the entry while we waited.
	if st := c.cached(fp); st != nil {
		return st
	}
	c.metrics.CacheLookup("miss")

	st := c.Generate(ctx)
	if err := c.SaveWithLock(ctx, st, fp); err != nil {
		c.logger.Warn("status cache not persisted: %v", err)
	}
	return st
}

// Refresh regenerates and persists the status regardless of cache validity.
func (c *Cache) Refresh(ctx context.Context) (*Status, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fp := c.GitStateFingerprint()
	st := c.Generate(ctx)
	return st, c.SaveWithLock(ctx, st, fp)
}

func (c *Cache) cached(fp *string) *Status {
	entry, err := c.Read()
	if err != nil {
		c.logger.Debug("status cache unreadable: %v", err)
		return nil
	}
	if IsValid(entry, fp, c.now()) {
		c.metrics.CacheLookup("hit")
		return entry.Status
	}
	return nil
}

// Read returns the stored entry without validating it, or nil when no entry
// exists. A corrupt entry is deleted and reported as absent.
func (c *Cache) Read() (*Entry, error) {
	path := c.Path()
	data, err := afero.ReadFile(c.fs, path)
	if err != nil {
		if errors.Is(err, iofs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	entry, err := decodeEntry(data)
	if err != nil {
		c.metrics.CacheLookup("corrupt")
		c.logger.Warn("discarding corrupt status cache %s: %v", path, err)
		if rmErr := c.fs.Remove(path); rmErr != nil && !errors.Is(rmErr, iofs.ErrNotExist) {
			c.logger.Warn("failed to remove corrupt status cache: %v", rmErr)
		}
		return nil, nil
	}
	return entry, nil
}

func decodeEntry(data []byte) (*Entry, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return nil, errors.New("cache document is not a mapping")
	}
	var entry Entry
	if err := doc.Content[0].Decode(&entry); err != nil {
		return nil, err
	}
	if entry.Status == nil {
		return nil, errors.New(`cache entry has no "status"`)
	}
	return &entry, nil
}

// SaveWithLock writes st as a new entry stamped with fp. It waits up to the
// lock timeout for the cache lock and writes anyway when the lock is not
// obtained. A failed atomic rename falls back to a direct write.
func (c *Cache) SaveWithLock(ctx context.Context, st *Status, fp *string) error {
	mode := "unlocked"
	if c.locks != nil {
		acquired, err := c.locks.AcquireWait(ctx, LockResource, c.lockTimeout,
			lock.TTL(lockTTLSeconds), lock.Owner(lockOwner))
		switch {
		case err != nil:
			c.logger.Warn("status cache lock failed, writing unlocked: %v", err)
		case !acquired:
			c.logger.Debug("status cache lock busy after %s, writing unlocked", c.lockTimeout)
		default:
			mode = "locked"
			defer func() {
				if _, err := c.locks.Release(LockResource); err != nil {
					c.logger.Warn("failed to release status cache lock: %v", err)
				}
			}()
		}
	}

	entry := Entry{
		Status:         st,
		Timestamp:      c.now().UnixMilli(),
		TTL:            ttlFor(fp),
		GitFingerprint: fp,
	}
	data, err := yaml.Marshal(&entry)
	if err != nil {
		c.metrics.CacheWrite("failed")
		return fmt.Errorf("encode status cache: %w", err)
	}

	direct, err := fsutil.WriteFileAtomicOrDirect(c.fs, c.Path(), data)
	if err != nil {
		c.metrics.CacheWrite("failed")
		return fmt.Errorf("write status cache: %w", err)
	}
	if direct {
		c.logger.Warn("status cache rename failed, wrote %s directly", c.Path())
		mode = "direct"
	}
	c.metrics.CacheWrite(mode)
	return nil
}

// Invalidate removes the cache entry so the next Load regenerates it.
func (c *Cache) Invalidate() error {
	if err := c.fs.Remove(c.Path()); err != nil && !errors.Is(err, iofs.ErrNotExist) {
		return err
	}
	return nil
}
