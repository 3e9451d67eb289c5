// Package filestore persists a serialized provider snapshot as a JSON file
// and can watch the file for rewrites, letting an operator distribute a warm
// set of issuers to a fleet of resource servers.
package filestore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/ggoodman/oauth-resource-go/providers"
)

// Store reads and writes provider snapshots at a fixed path.
type Store struct {
	path string
	log  *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used by Watch.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.log = logger }
}

// New returns a store for the snapshot file at path.
func New(path string, opts ...Option) *Store {
	s := &Store{path: path, log: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load reads and decodes the snapshot. A missing file yields a nil snapshot
// and no error so cold starts need no special casing.
func (s *Store) Load() (*providers.Snapshot, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("filestore: read %s: %w", s.path, err)
	}
	var snap providers.Snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return nil, fmt.Errorf("filestore: decode %s: %w", s.path, err)
	}
	return &snap, nil
}

// Save writes the snapshot atomically via a temp file rename.
func (s *Store) Save(snap *providers.Snapshot) error {
	b, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("filestore: encode snapshot: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("filestore: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("filestore: rename %s: %w", tmp, err)
	}
	return nil
}

// Watch invokes fn with a freshly loaded snapshot whenever the file is
// created or rewritten. It blocks until ctx is done. Load failures during
// watching are logged and skipped; the previous snapshot stays in effect.
func (s *Store) Watch(ctx context.Context, fn func(*providers.Snapshot)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("filestore: watcher: %w", err)
	}
	defer func() {
		// Best-effort watcher close; no actionable error handling path.
		_ = w.Close()
	}()

	// Watch the directory: atomic rename-into-place does not fire events on
	// a watch of the destination path itself.
	if err := w.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("filestore: watch %s: %w", filepath.Dir(s.path), err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(s.path) {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			snap, err := s.Load()
			if err != nil {
				s.log.WarnContext(ctx, "filestore.reload.fail", slog.String("err", err.Error()))
				continue
			}
			if snap != nil {
				fn(snap)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.log.WarnContext(ctx, "filestore.watch.err", slog.String("err", err.Error()))
		}
	}
}
