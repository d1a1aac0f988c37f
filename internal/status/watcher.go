package status

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// ErrWatcherFailed indicates the filesystem watcher failed to initialise.
var ErrWatcherFailed = errors.New("failed to initialize filesystem watcher")

// Watcher invalidates the cache as soon as git rewrites HEAD, the index,
// packed-refs or a branch ref, and notifies subscribers.
//
// Git replaces these files by renaming "<name>.lock" over them, so the
// containing directories are watched rather than the files.
type Watcher struct {
	cache   *Cache
	watcher *fsnotify.Watcher
	refsDir string

	mu   sync.Mutex
	subs map[chan struct{}]struct{}

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// Watch starts watching the project's repository. It fails with
// ErrNotGitRepo outside a repository. Call Close to release the watcher.
func (c *Cache) Watch(ctx context.Context) (*Watcher, error) {
	dirs, err := ResolveGitDirs(c.fs, c.root)
	if err != nil {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}

	watched := []string{dirs.GitDir}
	if dirs.Linked() {
		watched = append(watched, dirs.CommonDir)
	}
	refsDir := filepath.Join(dirs.CommonDir, "refs", "heads")
	watched = append(watched, refsDir)

	for i, dir := range watched {
		if err := fw.Add(dir); err != nil {
			// refs/heads is missing in a freshly initialised repository.
			if i == len(watched)-1 {
				c.logger.Debug("status watcher: skipping %s: %v", dir, err)
				continue
			}
			_ = fw.Close()
			return nil, fmt.Errorf("watching %s: %w", dir, err)
		}
	}

	w := &Watcher{
		cache:   c,
		watcher: fw,
		refsDir: refsDir,
		subs:    make(map[chan struct{}]struct{}),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go w.run(ctx)
	return w, nil
}

// Subscribe returns a channel that receives a value after each invalidation
// and a function that unsubscribes. Notifications are coalesced: a slow
// reader sees at most one pending value.
func (w *Watcher) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	w.mu.Lock()
	w.subs[ch] = struct{}{}
	w.mu.Unlock()
	return ch, func() {
		w.mu.Lock()
		delete(w.subs, ch)
		w.mu.Unlock()
	}
}

// Close stops the watcher and waits for its goroutine to exit.
func (w *Watcher) Close() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stop)
		err = w.watcher.Close()
	})
	<-w.done
	return err
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if w.relevant(event) {
				w.invalidate(event.Name)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.cache.logger.Warn("status watcher: %v", err)
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
		!event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
		return false
	}
	name := filepath.Base(event.Name)
	if strings.HasSuffix(name, ".lock") {
		return false
	}
	switch name {
	case "HEAD", "index", "packed-refs":
		return true
	}
	return filepath.Dir(event.Name) == w.refsDir
}

func (w *Watcher) invalidate(path string) {
	if err := w.cache.Invalidate(); err != nil {
		w.cache.logger.Warn("status watcher: invalidate after %s: %v", path, err)
	}
	w.cache.logger.Debug("status cache invalidated by %s", path)

	w.mu.Lock()
	defer w.mu.Unlock()
	for ch := range w.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
