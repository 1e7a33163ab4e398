package localcache

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// DefaultWatchDebounce collapses the burst of events one atomic rewrite
// produces.
const DefaultWatchDebounce = 100 * time.Millisecond

// Reload drops the in-memory copy and re-reads the backing file, so writes
// made by other processes become visible.
func (f *FileCache) Reload() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loaded = false
	f.data = nil
	return f.loadLocked()
}

func (f *FileCache) snapshot() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return maps.Clone(f.data)
}

// Watch reloads the cache whenever its file is rewritten and calls onChange
// when the stored entries differ from the last ones seen. The directory watch
// is registered before Watch returns. stop ends the watch and waits for an
// onChange call in progress.
func (f *FileCache) Watch(ctx context.Context, debounce time.Duration, onChange func()) (stop func(), err error) {
	if debounce <= 0 {
		debounce = DefaultWatchDebounce
	}
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, privateDirPerm); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create cache watcher: %w", err)
	}
	// Atomic rewrites replace the file, so the directory is watched.
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch cache dir %s: %w", dir, err)
	}

	if err := f.Reload(); err != nil {
		log.Warn().Err(err).Str("path", f.path).Msg("Local cache unreadable at watch start")
	}
	last := f.snapshot()

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer watcher.Close()

		var fire <-chan time.Time
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != f.path {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
					continue
				}
				fire = time.After(debounce)

			case <-fire:
				fire = nil
				if err := f.Reload(); err != nil {
					log.Warn().Err(err).Str("path", f.path).Msg("Failed to reload local cache")
					continue
				}
				current := f.snapshot()
				if maps.Equal(current, last) {
					continue
				}
				last = current
				log.Debug().Str("path", f.path).Msg("Local cache changed on disk")
				onChange()

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if !errors.Is(err, fsnotify.ErrEventOverflow) {
					log.Error().Err(err).Msg("Local cache watcher error")
					continue
				}
				fire = time.After(debounce)

			case <-ctx.Done():
				return
			}
		}
	}()

	log.Info().Str("path", f.path).Msg("Watching local cache for changes")
	return func() {
		cancel()
		wg.Wait()
	}, nil
}
