package internal

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const DefaultWatchDebounce = 500 * time.Millisecond

// AtlasWatcher reloads a SearchProvider whenever the atlas artifacts in dir
// change. Bursts of events within the debounce window cause a single reload.
type AtlasWatcher struct {
	dir      string
	provider *SearchProvider
	debounce time.Duration
	log      *zap.Logger

	// onReload, when set, observes every reload attempt.
	onReload func(error)
}

func NewAtlasWatcher(dir string, provider *SearchProvider, debounce time.Duration, log *zap.Logger) *AtlasWatcher {
	if debounce <= 0 {
		debounce = DefaultWatchDebounce
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &AtlasWatcher{dir: dir, provider: provider, debounce: debounce, log: log}
}

// Run watches until ctx is cancelled.
func (w *AtlasWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}

	w.log.Info("watching atlas", zap.String("dir", w.dir), zap.Duration("debounce", w.debounce))

	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	pending := false

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isAtlasEvent(event) {
				continue
			}
			if !pending {
				timer.Reset(w.debounce)
				pending = true
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("atlas watch error", zap.Error(err))
		case <-timer.C:
			pending = false
			err := w.provider.Reload(ctx)
			if w.onReload != nil {
				w.onReload(err)
			}
		}
	}
}

// isAtlasEvent keeps writes that land one of the two artifact files. The
// builder renames temp files into place, so Create and Rename count too.
func isAtlasEvent(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return false
	}
	switch filepath.Base(event.Name) {
	case MetadataFilename, BundleFilename:
		return true
	}
	return false
}
