package lifecycle

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/pipehost/pipehost/internal/pipeline"
)

// debounceWindow coalesces the burst of write events editors produce when
// saving a file.
const debounceWindow = 200 * time.Millisecond

// Watcher reloads pipelines when their source files change on disk and drops
// them when the files disappear.
type Watcher struct {
	manager *Manager
	logger  *slog.Logger

	watcher *fsnotify.Watcher
	mu      sync.Mutex
	pending map[string]*time.Timer
}

// NewWatcher creates a watcher over the manager's pipeline directory.
func NewWatcher(manager *Manager, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(manager.Dir()); err != nil {
		fsw.Close()
		return nil, err
	}
	return &Watcher{
		manager: manager,
		logger:  logger,
		watcher: fsw,
		pending: make(map[string]*time.Timer),
	}, nil
}

// Run processes filesystem events until the context is canceled.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()

	w.logger.Info("watching pipeline directory", slog.String("dir", w.manager.Dir()))

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			name := filepath.Base(event.Name)
			if !strings.HasSuffix(name, pipeline.SourceExt) {
				continue
			}
			identifier := strings.TrimSuffix(name, pipeline.SourceExt)

			switch {
			case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
				w.scheduleReload(ctx, identifier)
			case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				w.logger.Info("pipeline source removed", slog.String("pipeline", identifier))
				w.manager.Forget(identifier)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("pipeline watch error", slog.String("error", err.Error()))
		}
	}
}

// scheduleReload arms (or re-arms) a per-identifier debounce timer.
func (w *Watcher) scheduleReload(ctx context.Context, identifier string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if timer, ok := w.pending[identifier]; ok {
		timer.Reset(debounceWindow)
		return
	}
	w.pending[identifier] = time.AfterFunc(debounceWindow, func() {
		w.mu.Lock()
		delete(w.pending, identifier)
		w.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		w.logger.Info("pipeline source changed, reloading", slog.String("pipeline", identifier))
		if err := w.manager.ReloadPipeline(ctx, identifier); err != nil {
			w.logger.Error("pipeline reload failed",
				slog.String("pipeline", identifier),
				slog.String("error", err.Error()))
		}
	})
}
