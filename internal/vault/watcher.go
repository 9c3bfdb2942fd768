package vault

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Notifier receives vault change events.
type Notifier interface {
	Notify(Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Event)

// Notify calls f(ev).
func (f NotifierFunc) Notify(ev Event) { f(ev) }

// Watch starts an fsnotify watcher on the vault root and forwards Markdown
// changes to n until ctx is cancelled. New directories created at runtime
// are added to the watch list.
func Watch(ctx context.Context, root string, n Notifier, logger *slog.Logger) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := addDirsRecursive(w, root); err != nil {
		return err
	}

	logger.Info("watcher: started", slog.String("root", root))

	for {
		select {
		case <-ctx.Done():
			logger.Info("watcher: stopped")
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			abs := ev.Name

			if ev.Op&fsnotify.Create != 0 {
				if info, statErr := os.Stat(abs); statErr == nil && info.IsDir() {
					if strings.HasPrefix(info.Name(), ".") {
						continue
					}
					if addErr := addDirsRecursive(w, abs); addErr != nil {
						logger.Warn("watcher: add new dir failed",
							slog.String("path", abs),
							slog.String("error", addErr.Error()))
					} else {
						logger.Debug("watcher: watching new dir", slog.String("path", abs))
					}
					// A moved-in directory may already hold notes.
					n.Notify(Event{Kind: Created, Path: relPath(root, abs)})
					continue
				}
			}

			if !strings.HasSuffix(abs, ".md") {
				continue
			}
			rel := relPath(root, abs)

			switch {
			case ev.Op&fsnotify.Create != 0:
				n.Notify(Event{Kind: Created, Path: rel})
			case ev.Op&fsnotify.Write != 0:
				n.Notify(Event{Kind: Changed, Path: rel})
			case ev.Op&fsnotify.Remove != 0:
				n.Notify(Event{Kind: Deleted, Path: rel})
			case ev.Op&fsnotify.Rename != 0:
				// fsnotify reports the old path; the new one arrives as Create.
				n.Notify(Event{Kind: Renamed, OldPath: rel})
			}

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Error("watcher: error", slog.String("error", watchErr.Error()))
		}
	}
}

func relPath(root, abs string) string {
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return filepath.ToSlash(abs)
	}
	return filepath.ToSlash(rel)
}

// addDirsRecursive adds root and its non-hidden subdirectories to the watcher.
func addDirsRecursive(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if p != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		return w.Add(p)
	})
}
