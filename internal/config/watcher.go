package config

import (
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ChangeHandler is invoked with the freshly reloaded configuration.
type ChangeHandler func(cfg *Config)

// Watcher hot-reloads the config file and fans the new snapshot out to
// registered handlers. Only components that opt in (rate limits, step
// budgets) react to reloads; structural settings such as ports and bridge
// endpoints require a restart.
type Watcher struct {
	path     string
	logger   *zap.Logger
	fw       *fsnotify.Watcher
	stopCh   chan struct{}
	stopOnce sync.Once

	mu       sync.RWMutex
	handlers []ChangeHandler
}

// NewWatcher watches the directory containing path for changes to it.
func NewWatcher(path string, logger *zap.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, err
	}
	w := &Watcher{
		path:   path,
		logger: logger,
		fw:     fw,
		stopCh: make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// OnChange registers a handler called after each successful reload.
func (w *Watcher) OnChange(h ChangeHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers = append(w.handlers, h)
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load()
			if err != nil {
				w.logger.Warn("Config reload failed, keeping previous settings",
					zap.String("path", w.path),
					zap.Error(err),
				)
				continue
			}
			w.logger.Info("Config reloaded", zap.String("path", w.path))
			w.mu.RLock()
			handlers := append([]ChangeHandler(nil), w.handlers...)
			w.mu.RUnlock()
			for _, h := range handlers {
				h(cfg)
			}
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Config watcher error", zap.Error(err))
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	w.stopOnce.Do(func() { close(w.stopCh) })
	return w.fw.Close()
}
