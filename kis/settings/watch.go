package settings

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// LoadFile reads credentials from a YAML file with app_key and app_secret.
func LoadFile(path string) (Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Credentials{}, fmt.Errorf("read settings file: %w", err)
	}
	var creds Credentials
	if err := yaml.Unmarshal(data, &creds); err != nil {
		return Credentials{}, fmt.Errorf("parse settings file: %w", err)
	}
	return creds, nil
}

// Watcher re-applies a YAML settings file to a Store whenever it changes.
type Watcher struct {
	path    string
	store   *Store
	logger  *slog.Logger
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// Watch loads path into s and keeps it in sync until Close.
// The parent directory is watched so editors that replace the file are seen.
func Watch(path string, s *Store, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve settings path: %w", err)
	}
	creds, err := LoadFile(abs)
	if err != nil {
		return nil, err
	}
	s.Set(creds)

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	w := &Watcher{
		path:    abs,
		store:   s,
		logger:  logger,
		watcher: fw,
		done:    make(chan struct{}),
	}
	go w.run()
	logger.Info("Watching settings file", "path", abs)
	return w, nil
}

func (w *Watcher) run() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			creds, err := LoadFile(w.path)
			if err != nil {
				w.logger.Warn("Ignoring unreadable settings file", "path", w.path, "error", err)
				continue
			}
			if creds == (Credentials{}) {
				// Editors truncate before writing; wait for the content.
				continue
			}
			w.logger.Info("Settings file changed", "path", w.path)
			w.store.Set(creds)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Settings watcher error", "error", err)
		}
	}
}

// Close stops watching and waits for the event loop to exit.
func (w *Watcher) Close() error {
	err := w.watcher.Close()
	<-w.done
	return err
}
