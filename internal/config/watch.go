package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/mkoster/foreman/internal/logging"
)

// Watcher reloads the configuration when its file changes on disk and
// delivers the validated result via callback. Invalid edits are logged and
// skipped; the previous configuration stays in effect.
type Watcher struct {
	watcher  *fsnotify.Watcher
	path     string
	onChange func(*Config)
	log      *logging.Logger
	stopCh   chan struct{}
}

// NewWatcher creates a watcher for the config file at path.
func NewWatcher(path string, log *logging.Logger, onChange func(*Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}

	// Watch the directory: editors replace files, which breaks a watch on
	// the file itself.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch config directory: %w", err)
	}

	return &Watcher{
		watcher:  fw,
		path:     path,
		onChange: onChange,
		log:      log.WithComponent("config"),
		stopCh:   make(chan struct{}),
	}, nil
}

// Start begins watching for changes.
func (w *Watcher) Start() {
	go w.watchLoop()
}

// Stop stops the watcher.
func (w *Watcher) Stop() {
	close(w.stopCh)
	w.watcher.Close()
}

func (w *Watcher) watchLoop() {
	target := filepath.Base(w.path)
	debounce := time.NewTimer(0)
	<-debounce.C

	for {
		select {
		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			// Debounce rapid write bursts from editors.
			debounce.Reset(100 * time.Millisecond)

		case <-debounce.C:
			cfg, err := reloadFile(w.path)
			if err != nil {
				w.log.Warn("config reload rejected", "path", w.path, "error", err)
				continue
			}
			w.log.Info("config reloaded", "path", w.path)
			if w.onChange != nil {
				w.onChange(cfg)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("config watch error", "error", err)
		}
	}
}

// reloadFile re-reads the viper state from disk and validates it.
func reloadFile(path string) (*Config, error) {
	if err := ReadFile(path); err != nil {
		return nil, err
	}
	return Load()
}
