package imagecache

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/gogpu/basalt/internal/logging"
)

// Watcher reloads Path images when their files are written.
//
// Reloaded pixels are used by the next acquisition of the key; images
// already resident on a device are not replaced.
type Watcher struct {
	c *Cache
	w *fsnotify.Watcher

	mu      sync.Mutex
	watched map[string]bool
}

// Watch creates a Watcher for every Path image loaded now or later.
// Call Run to process file events.
func (c *Cache) Watch() (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("imagecache: watch: %w", err)
	}
	w := &Watcher{c: c, w: fw, watched: make(map[string]bool)}

	c.mu.Lock()
	c.watcher = w
	var paths []string
	for k := range c.entries {
		if k.Kind() == KindPath {
			paths = append(paths, k.Str())
		}
	}
	c.mu.Unlock()

	for _, p := range paths {
		w.add(p)
	}
	return w, nil
}

func (w *Watcher) add(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watched[path] {
		return
	}
	if err := w.w.Add(path); err != nil {
		logging.Logger().Warn("imagecache: cannot watch", "path", path, "err", err)
		return
	}
	w.watched[path] = true
}

// Run reloads changed files until ctx is done or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.w.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
				w.reload(ev.Name)
			}
		case err, ok := <-w.w.Errors:
			if !ok {
				return nil
			}
			logging.Logger().Warn("imagecache: watch error", "err", err)
		}
	}
}

func (w *Watcher) reload(path string) {
	key := Path(path)
	w.c.mu.Lock()
	e := w.c.entries[key]
	var lifetime Lifetime
	if e != nil {
		lifetime = e.lifetime
	}
	w.c.mu.Unlock()
	if e == nil {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		logging.Logger().Warn("imagecache: reload failed", "path", path, "err", err)
		return
	}
	if err := w.c.LoadEncoded(key, lifetime, data); err != nil {
		logging.Logger().Warn("imagecache: reload failed", "path", path, "err", err)
		return
	}
	logging.Logger().Debug("imagecache: reloaded", "path", path)
}

// Close stops watching.
func (w *Watcher) Close() error {
	w.c.mu.Lock()
	if w.c.watcher == w {
		w.c.watcher = nil
	}
	w.c.mu.Unlock()
	return w.w.Close()
}
