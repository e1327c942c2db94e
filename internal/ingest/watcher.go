package ingest

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 500 * time.Millisecond

// Watcher re-ingests files as they change under a directory tree. Removed
// files stay indexed; eviction is an explicit Remove.
type Watcher struct {
	service  *Service
	debounce time.Duration
}

func NewWatcher(service *Service) *Watcher {
	return &Watcher{service: service, debounce: defaultDebounce}
}

// Watch blocks until ctx is done, re-processing supported files on create
// and write events. Events for the same path are coalesced over a short
// debounce window, as editors fire several writes per save.
func (w *Watcher) Watch(ctx context.Context, root string) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("starting watcher: %w", err)
	}
	defer fw.Close()

	if err := addRecursive(fw, root); err != nil {
		return err
	}
	slog.Info("watching for changes", "root", root)

	pending := make(map[string]time.Time)
	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(fw, event, pending)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("watch error", "error", err)
		case now := <-ticker.C:
			for path, due := range pending {
				if !now.After(due) {
					continue
				}
				delete(pending, path)
				if _, err := w.service.ProcessFile(ctx, path); err != nil {
					slog.Warn("watched file failed to ingest", "path", path, "error", err)
				}
			}
		}
	}
}

func (w *Watcher) handleEvent(fw *fsnotify.Watcher, event fsnotify.Event, pending map[string]time.Time) {
	if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}
	if strings.HasPrefix(filepath.Base(event.Name), ".") {
		return
	}
	if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
		// New subdirectories need their own watch.
		if event.Op&fsnotify.Create != 0 {
			if err := fw.Add(event.Name); err != nil {
				slog.Warn("cannot watch new directory", "path", event.Name, "error", err)
			}
		}
		return
	}
	if !SupportedType(event.Name) {
		return
	}
	pending[event.Name] = time.Now().Add(w.debounce)
}

func addRecursive(fw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			return fs.SkipDir
		}
		if err := fw.Add(path); err != nil {
			return fmt.Errorf("watching %s: %w", path, err)
		}
		return nil
	})
}
