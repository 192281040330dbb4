package interaction

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/loomlabs/loom/internal/observability"
)

// CredentialWatcher hot-reloads per-source tool credentials from a YAML
// file (a flat map of source name to secret). On every change it pushes the
// new credentials into the manager, which re-initializes its provider graph
// if anything actually changed.
type CredentialWatcher struct {
	path    string
	manager *Manager
	logger  *observability.Logger
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewCredentialWatcher builds a watcher for the given credentials file.
func NewCredentialWatcher(path string, manager *Manager, logger *observability.Logger) (*CredentialWatcher, error) {
	if logger == nil {
		logger = observability.NopLogger()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("credential watcher: %w", err)
	}
	// Watch the directory: editors replace files rather than writing in
	// place, which drops a direct file watch.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("credential watcher: %w", err)
	}
	return &CredentialWatcher{
		path:    path,
		manager: manager,
		logger:  logger,
		watcher: fsw,
		done:    make(chan struct{}),
	}, nil
}

// Start loads the file once and then applies every subsequent change until
// the context ends or Close is called.
func (w *CredentialWatcher) Start(ctx context.Context) error {
	if err := w.load(ctx); err != nil {
		w.logger.Warn(ctx, "initial credential load failed", "path", w.path, "error", err.Error())
	}
	go w.run(ctx)
	return nil
}

func (w *CredentialWatcher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Name != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := w.load(ctx); err != nil {
				w.logger.Warn(ctx, "credential reload failed", "path", w.path, "error", err.Error())
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn(ctx, "credential watcher error", "error", err.Error())
		}
	}
}

func (w *CredentialWatcher) load(ctx context.Context) error {
	raw, err := os.ReadFile(w.path)
	if err != nil {
		return err
	}
	var creds map[string]string
	if err := yaml.Unmarshal(raw, &creds); err != nil {
		return fmt.Errorf("parse %s: %w", w.path, err)
	}
	if err := w.manager.UpdateAuthentication(ctx, creds); err != nil {
		return err
	}
	w.logger.Info(ctx, "credentials loaded", "path", w.path, "sources", len(creds))
	return nil
}

// Close stops the watcher.
func (w *CredentialWatcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}
