package hotswap

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// descriptorExts are the file extensions the watcher treats as module
// descriptors.
var descriptorExts = map[string]struct{}{
	".yaml": {},
	".yml":  {},
}

// DescriptorWatcher watches a drop directory for module descriptor
// files and deploys them through the normal gated load/reload path.
// Rapid successive writes to the same file are debounced so editors
// that save in multiple chunks trigger a single deployment.
type DescriptorWatcher struct {
	watcher  *fsnotify.Watcher
	dir      string
	deploy   func(ctx context.Context, path string) error
	logger   Logger
	debounce time.Duration

	mu      sync.Mutex
	pending map[string]time.Time
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewDescriptorWatcher creates a watcher over dir. deploy is called
// once per settled descriptor file.
func NewDescriptorWatcher(dir string, deploy func(ctx context.Context, path string) error, logger Logger) (*DescriptorWatcher, error) {
	if logger == nil {
		logger = NoopLogger{}
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &DescriptorWatcher{
		watcher:  fw,
		dir:      dir,
		deploy:   deploy,
		logger:   logger,
		debounce: 500 * time.Millisecond,
		pending:  make(map[string]time.Time),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start begins watching. Non-blocking; the event loop runs in its own
// goroutine until Stop or context cancellation.
func (w *DescriptorWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		w.logger.Warn("descriptor watcher could not create drop dir", "dir", w.dir, "error", err)
	}
	if err := w.watcher.Add(w.dir); err != nil {
		w.logger.Warn("descriptor watcher failed to watch drop dir", "dir", w.dir, "error", err)
	} else {
		w.logger.Info("watching descriptor drop directory", "dir", w.dir)
	}

	go w.run(ctx)
	return nil
}

// Stop stops the watcher and waits for the event loop to drain.
func (w *DescriptorWatcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh
	if err := w.watcher.Close(); err != nil {
		w.logger.Error("error closing descriptor watcher", "error", err)
	}
}

func (w *DescriptorWatcher) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("descriptor watcher error", "error", err)
		case <-ticker.C:
			w.flushSettled(ctx)
		}
	}
}

func (w *DescriptorWatcher) handleEvent(event fsnotify.Event) {
	ext := strings.ToLower(filepath.Ext(event.Name))
	if _, ok := descriptorExts[ext]; !ok {
		return
	}
	if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}
	w.mu.Lock()
	w.pending[event.Name] = time.Now()
	w.mu.Unlock()
}

// flushSettled deploys files whose last event is older than the
// debounce window.
func (w *DescriptorWatcher) flushSettled(ctx context.Context) {
	w.mu.Lock()
	now := time.Now()
	var settled []string
	for path, last := range w.pending {
		if now.Sub(last) >= w.debounce {
			settled = append(settled, path)
			delete(w.pending, path)
		}
	}
	w.mu.Unlock()

	for _, path := range settled {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := w.deploy(ctx, path); err != nil {
			w.logger.Error("descriptor deployment failed", "path", path, "error", err)
			continue
		}
		w.logger.Info("descriptor deployed", "path", path)
	}
}
