package render

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/livetemplate/livepreview/internal/pipeline"
)

// watchDebounce coalesces the burst of events editors produce on save.
const watchDebounce = 100 * time.Millisecond

// Watcher watches a templates directory and triggers reload.
type Watcher struct {
	watcher  *fsnotify.Watcher
	rootDir  string
	onReload func(filePath string) error
	reload   *pipeline.Debouncer[string]
	done     chan struct{}
	log      zerolog.Logger
	debug    bool
}

// NewWatcher creates a new file watcher for the given directory.
func NewWatcher(rootDir string, onReload func(string) error, log zerolog.Logger, debug bool) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		watcher:  fsWatcher,
		rootDir:  rootDir,
		onReload: onReload,
		done:     make(chan struct{}),
		log:      log.With().Str("component", "watch").Logger(),
		debug:    debug,
	}
	w.reload = pipeline.NewDebouncer(watchDebounce, func(relPath string) {
		if err := w.onReload(relPath); err != nil {
			w.log.Error().Err(err).Str("file", relPath).Msg("Reload failed")
		}
	})

	if err := w.addDirectoryRecursive(rootDir); err != nil {
		fsWatcher.Close()
		return nil, err
	}

	return w, nil
}

// addDirectoryRecursive watches dir and every non-hidden directory below it.
func (w *Watcher) addDirectoryRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return err
		}
		if path != dir && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			return err
		}
		if w.debug {
			w.log.Debug().Str("dir", path).Msg("Watching directory")
		}
		return nil
	})
}

// handle turns one fsnotify event into a debounced reload. New
// subdirectories are watched as they appear.
func (w *Watcher) handle(event fsnotify.Event) {
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addDirectoryRecursive(event.Name); err != nil {
				w.log.Warn().Err(err).Str("dir", event.Name).Msg("Failed to watch new directory")
			}
			return
		}
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}
	if filepath.Ext(event.Name) != templateExt {
		return
	}

	rel, err := filepath.Rel(w.rootDir, event.Name)
	if err != nil {
		rel = event.Name
	}
	if w.debug {
		w.log.Debug().Str("file", rel).Stringer("op", event.Op).Msg("Template changed")
	}
	w.reload.Trigger(rel)
}

// Start begins watching for template changes.
func (w *Watcher) Start() {
	go func() {
		for {
			select {
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				w.handle(event)
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				w.log.Error().Err(err).Msg("Watch error")
			case <-w.done:
				return
			}
		}
	}()
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	w.reload.Stop()
	close(w.done)
	return w.watcher.Close()
}
