package contextcache

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const debounce = 50 * time.Millisecond

// fileWatcher calls onChange after the watched file is written, created or
// replaced. Watching the parent directory catches atomic rename saves.
type fileWatcher struct {
	watcher  *fsnotify.Watcher
	path     string
	onChange func()
	logger   zerolog.Logger

	mu       sync.Mutex
	timer    *time.Timer
	done     chan struct{}
	stopOnce sync.Once
}

func newFileWatcher(path string, onChange func(), logger zerolog.Logger) (*fileWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to resolve watch path: %w", err)
	}

	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	w := &fileWatcher{
		watcher:  watcher,
		path:     abs,
		onChange: onChange,
		logger:   logger,
		done:     make(chan struct{}),
	}
	go w.eventLoop()
	return w, nil
}

func (w *fileWatcher) eventLoop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				w.schedule()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		case <-w.done:
			return
		}
	}
}

func (w *fileWatcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(debounce, func() {
		select {
		case <-w.done:
		default:
			w.onChange()
		}
	})
}

func (w *fileWatcher) Close() error {
	w.stopOnce.Do(func() { close(w.done) })

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()

	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}
