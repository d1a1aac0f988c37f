// Package lock implements file-based mutual exclusion over named resources.
//
// Each resource maps to one lock file under the locks directory. A lock file's
// existence means "held" unless its TTL has elapsed or the recorded PID is no
// longer running, in which case any process may remove it. PID liveness is
// checked with a zero signal, so a recycled PID can keep a dead owner's lock
// alive until its TTL expires; that is a known limitation.
package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	iofs "io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/YoshitsuguKoike/orchestra/internal/logging"
	"github.com/YoshitsuguKoike/orchestra/internal/metrics"
)

const (
	// DefaultTTLSeconds is used when Acquire is called without TTL.
	DefaultTTLSeconds = 300
	// DefaultOwner is used when Acquire is called without Owner.
	DefaultOwner = "default"

	fileExt = ".lock"
)

// Record is the content of a lock file.
type Record struct {
	Resource   string    `json:"resource"`
	PID        int       `json:"pid"`
	Owner      string    `json:"owner"`
	CreatedAt  time.Time `json:"created_at"`
	TTLSeconds int       `json:"ttl_seconds"`
}

// Age returns how long ago the lock was created.
func (r Record) Age(now time.Time) time.Duration {
	return now.Sub(r.CreatedAt)
}

// Expired reports whether the lock is older than its TTL.
func (r Record) Expired(now time.Time) bool {
	return r.Age(now) > time.Duration(r.TTLSeconds)*time.Second
}

// Manager acquires and releases locks in one directory.
type Manager struct {
	fs      afero.Fs
	dir     string
	pid     int
	now     func() time.Time
	alive   func(pid int) bool
	logger  logging.Logger
	metrics *metrics.Metrics
}

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(l logging.Logger) Option { return func(m *Manager) { m.logger = logging.OrNop(l) } }

func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// WithPID overrides the caller's process id recorded in new locks.
func WithPID(pid int) Option { return func(m *Manager) { m.pid = pid } }

// WithProcessProbe replaces the PID liveness check.
func WithProcessProbe(alive func(pid int) bool) Option {
	return func(m *Manager) { m.alive = alive }
}

func WithMetrics(mt *metrics.Metrics) Option { return func(m *Manager) { m.metrics = mt } }

// NewManager returns a Manager storing lock files in dir.
func NewManager(fsys afero.Fs, dir string, opts ...Option) *Manager {
	m := &Manager{
		fs:     fsys,
		dir:    dir,
		pid:    os.Getpid(),
		now:    time.Now,
		alive:  processAlive,
		logger: logging.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Dir returns the locks directory.
func (m *Manager) Dir() string { return m.dir }

// PID returns the process id this manager records as owner.
func (m *Manager) PID() int { return m.pid }

// Path returns the lock file path for resource.
func (m *Manager) Path(resource string) string {
	return filepath.Join(m.dir, Sanitize(resource)+fileExt)
}

type acquireConfig struct {
	ttlSeconds int
	owner      string
}

// AcquireOption configures a single Acquire call.
type AcquireOption func(*acquireConfig)

// TTL sets the lock lifetime in seconds. Non-positive values keep the default.
func TTL(seconds int) AcquireOption {
	return func(c *acquireConfig) {
		if seconds > 0 {
			c.ttlSeconds = seconds
		}
	}
}

// Owner sets the descriptive owner name stored in the lock.
func Owner(name string) AcquireOption {
	return func(c *acquireConfig) {
		if name != "" {
			c.owner = name
		}
	}
}

// Acquire tries once to take the lock for resource. A stale, dead-owner or
// unreadable lock (past UnreadableGrace) is removed and creation is retried
// once. It returns false with a nil error when a live owner holds the lock;
// unexpected I/O failures return false with the error.
func (m *Manager) Acquire(resource string, opts ...AcquireOption) (bool, error) {
	cfg := acquireConfig{ttlSeconds: DefaultTTLSeconds, owner: DefaultOwner}
	for _, opt := range opts {
		opt(&cfg)
	}

	if err := m.fs.MkdirAll(m.dir, 0o755); err != nil {
		m.metrics.LockAcquire("error")
		return false, fmt.Errorf("create locks dir: %w", err)
	}

	path := m.Path(resource)
	rec := Record{
		Resource:   resource,
		PID:        m.pid,
		Owner:      cfg.owner,
		CreatedAt:  m.now().UTC(),
		TTLSeconds: cfg.ttlSeconds,
	}

	for attempt := 0; attempt < 2; attempt++ {
		created, err := m.create(path, rec)
		if err != nil {
			m.metrics.LockAcquire("error")
			return false, err
		}
		if created {
			m.metrics.LockAcquire("acquired")
			m.logger.Debug("lock acquired: %s (owner=%s pid=%d ttl=%ds)", resource, rec.Owner, rec.PID, rec.TTLSeconds)
			return true, nil
		}
		if attempt > 0 {
			break
		}

		existing, err := m.read(path)
		switch {
		case errors.Is(err, iofs.ErrNotExist):
			// Released between our create and read; try again.
			continue
		case err != nil && !isCorrupt(err):
			m.metrics.LockAcquire("error")
			return false, err
		case err != nil && m.settling(path):
			m.metrics.LockAcquire("contended")
			return false, nil
		case err == nil && !m.stale(existing):
			m.metrics.LockAcquire("contended")
			return false, nil
		}

		if existing != nil {
			m.logger.Info("removing stale lock %s (pid=%d owner=%s age=%s)", resource, existing.PID, existing.Owner, existing.Age(m.now()).Round(time.Second))
		} else {
			m.logger.Warn("removing unreadable lock file %s", path)
		}
		if err := m.fs.Remove(path); err != nil && !errors.Is(err, iofs.ErrNotExist) {
			m.metrics.LockAcquire("error")
			return false, fmt.Errorf("remove stale lock: %w", err)
		}
		m.metrics.StaleLockRemoved()
	}

	m.metrics.LockAcquire("contended")
	return false, nil
}

// create publishes rec at path without replacing an existing file. It
// returns false, nil when the file already exists. On an OS filesystem the
// record is written to a temp file and hard-linked into place, so readers
// never see a partial record.
func (m *Manager) create(path string, rec Record) (bool, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("serialize lock: %w", err)
	}
	if _, ok := m.fs.(*afero.OsFs); ok {
		created, err := m.createLinked(path, data)
		if !errors.Is(err, errLinkUnsupported) {
			return created, err
		}
	}
	return m.createExclusive(path, data)
}

var errLinkUnsupported = errors.New("hard links unsupported")

func (m *Manager) createLinked(path string, data []byte) (bool, error) {
	tmp, err := afero.TempFile(m.fs, m.dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return false, fmt.Errorf("create lock temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer m.fs.Remove(tmpPath)

	_, writeErr := tmp.Write(data)
	closeErr := tmp.Close()
	if writeErr != nil {
		return false, fmt.Errorf("write lock file: %w", writeErr)
	}
	if closeErr != nil {
		return false, fmt.Errorf("close lock file: %w", closeErr)
	}

	if err := os.Link(tmpPath, path); err != nil {
		if errors.Is(err, iofs.ErrExist) {
			return false, nil
		}
		m.logger.Debug("link %s: %v; falling back to exclusive create", path, err)
		return false, errLinkUnsupported
	}
	return true, nil
}

func (m *Manager) createExclusive(path string, data []byte) (bool, error) {
	f, err := m.fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, iofs.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("create lock file: %w", err)
	}

	_, writeErr := f.Write(data)
	closeErr := f.Close()
	if writeErr != nil {
		m.fs.Remove(path)
		return false, fmt.Errorf("write lock file: %w", writeErr)
	}
	if closeErr != nil {
		m.fs.Remove(path)
		return false, fmt.Errorf("close lock file: %w", closeErr)
	}
	return true, nil
}

// UnreadableGrace is how long an undecodable lock file counts as held. A
// file written with exclusive create is briefly empty, so a young unreadable
// file most likely belongs to an owner that is still writing it.
const UnreadableGrace = 2 * time.Second

// settling reports whether the unreadable lock file at path is younger than
// UnreadableGrace. File times come from the wall clock, not the Manager clock.
func (m *Manager) settling(path string) bool {
	info, err := m.fs.Stat(path)
	if err != nil {
		return false
	}
	return time.Since(info.ModTime()) < UnreadableGrace
}

// Release removes the lock for resource if this process owns it.
func (m *Manager) Release(resource string) (bool, error) {
	path := m.Path(resource)
	rec, err := m.read(path)
	if err != nil {
		if errors.Is(err, iofs.ErrNotExist) || isCorrupt(err) {
			return false, nil
		}
		return false, err
	}
	if rec.PID != m.pid {
		m.logger.Debug("not releasing %s: held by pid %d, we are %d", resource, rec.PID, m.pid)
		return false, nil
	}
	if err := m.fs.Remove(path); err != nil {
		if errors.Is(err, iofs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("remove lock file: %w", err)
	}
	m.logger.Debug("lock released: %s", resource)
	return true, nil
}

// IsLocked reports whether resource is held by a live, unexpired owner, or
// by an owner still writing its record.
func (m *Manager) IsLocked(resource string) bool {
	path := m.Path(resource)
	rec, err := m.read(path)
	if err != nil {
		return isCorrupt(err) && m.settling(path)
	}
	return !m.stale(rec)
}

// Get returns the lock record for resource, or nil when none exists.
func (m *Manager) Get(resource string) (*Record, error) {
	rec, err := m.read(m.Path(resource))
	if errors.Is(err, iofs.ErrNotExist) {
		return nil, nil
	}
	return rec, err
}

// Stale reports whether rec is expired or its owner process is gone.
func (m *Manager) Stale(rec Record) bool {
	return m.stale(&rec)
}

func (m *Manager) stale(rec *Record) bool {
	return rec.Expired(m.now()) || !m.alive(rec.PID)
}

// List returns every readable lock in the directory, sorted by resource.
func (m *Manager) List() ([]Record, error) {
	entries, err := afero.ReadDir(m.fs, m.dir)
	if err != nil {
		if errors.Is(err, iofs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read locks dir: %w", err)
	}
	var out []Record
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileExt) {
			continue
		}
		rec, err := m.read(filepath.Join(m.dir, e.Name()))
		if err != nil {
			continue
		}
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Resource < out[j].Resource })
	return out, nil
}

// CleanupStale removes every lock that is expired, owned by a dead process,
// or unreadable for longer than UnreadableGrace, and returns how many were
// removed.
func (m *Manager) CleanupStale() (int, error) {
	entries, err := afero.ReadDir(m.fs, m.dir)
	if err != nil {
		if errors.Is(err, iofs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("read locks dir: %w", err)
	}

	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileExt) {
			continue
		}
		path := filepath.Join(m.dir, e.Name())
		rec, err := m.read(path)
		if err != nil {
			if errors.Is(err, iofs.ErrNotExist) {
				continue
			}
			if !isCorrupt(err) {
				return removed, err
			}
			if m.settling(path) {
				continue
			}
		} else if !m.stale(rec) {
			continue
		}
		if err := m.fs.Remove(path); err != nil {
			if errors.Is(err, iofs.ErrNotExist) {
				continue
			}
			return removed, fmt.Errorf("remove %s: %w", path, err)
		}
		removed++
		m.metrics.StaleLockRemoved()
	}
	if removed > 0 {
		m.logger.Info("removed %d stale lock(s) from %s", removed, m.dir)
	}
	return removed, nil
}

// corruptError wraps lock files that exist but cannot be decoded.
type corruptError struct {
	path string
	err  error
}

func (e *corruptError) Error() string { return fmt.Sprintf("corrupt lock file %s: %v", e.path, e.err) }
func (e *corruptError) Unwrap() error { return e.err }

func isCorrupt(err error) bool {
	var ce *corruptError
	return errors.As(err, &ce)
}

func (m *Manager) read(path string) (*Record, error) {
	data, err := afero.ReadFile(m.fs, path)
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, &corruptError{path: path, err: err}
	}
	return &rec, nil
}
