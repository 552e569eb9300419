// Package filewatch turns filesystem changes to a single file into debounced
// refresh triggers.
package filewatch

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/errors"
)

// DefaultDebounce is the quiet period after the last change before a trigger fires.
const DefaultDebounce = 250 * time.Millisecond

// Watch watches the directory containing path and sends on the returned
// channel once per burst of Write/Create/Rename events naming path. Editors
// that replace files atomically are covered by watching the directory rather
// than the file. The channel is closed when ctx is done.
func Watch(ctx context.Context, path string, debounce time.Duration, logger *slog.Logger) (<-chan struct{}, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.WrapInvalid(err, "filewatch", "Watch", "resolve path")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.WrapTransient(err, "filewatch", "Watch", "create watcher")
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, errors.WrapInvalid(err, "filewatch", "Watch", "watch directory")
	}

	out := make(chan struct{}, 1)
	w := &debouncer{delay: debounce, out: out}

	go func() {
		defer close(out)
		defer watcher.Close()
		defer w.stop()

		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != abs {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				w.touch()

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("File watcher error", "path", abs, "error", err)
			}
		}
	}()

	return out, nil
}

type debouncer struct {
	mu      sync.Mutex
	delay   time.Duration
	timer   *time.Timer
	out     chan struct{}
	stopped bool
}

func (d *debouncer) touch() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, d.fire)
}

func (d *debouncer) fire() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	// A pending trigger already covers this change.
	select {
	case d.out <- struct{}{}:
	default:
	}
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
	}
}
