package registry

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultWatchDebounce = 250 * time.Millisecond

// Watch reloads the catalog whenever path changes on disk. The parent
// directory is watched so editors that replace the file atomically are
// picked up. A file that fails to parse is logged and the active catalog
// stays in place. The returned stop function blocks until the watcher exits.
func (r *Registry) Watch(ctx context.Context, path string, debounce time.Duration) (stop func(), err error) {
	if debounce <= 0 {
		debounce = defaultWatchDebounce
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve catalog path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create catalog watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.watchLoop(watchCtx, watcher, abs, debounce)
	}()

	r.logger.Info("Watching catalog file", "path", abs)
	return func() {
		cancel()
		_ = watcher.Close()
		wg.Wait()
	}, nil
}

func (r *Registry) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, path string, debounce time.Duration) {
	var mu sync.Mutex
	var timer *time.Timer
	scheduleReload := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(debounce, func() {
			if ctx.Err() != nil {
				return
			}
			r.reloadFromFile(path)
		})
	}
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				scheduleReload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			r.logger.Warn("Catalog watch error", "error", err)
		}
	}
}

func (r *Registry) reloadFromFile(path string) {
	snap, err := LoadFile(path)
	if err != nil {
		r.logger.Error("Catalog reload from file failed, keeping active snapshot", "path", path, "error", err)
		return
	}
	if err := r.Reload(snap); err != nil {
		r.logger.Error("Catalog reload rejected", "path", path, "error", err)
	}
}
