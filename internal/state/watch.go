package state

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

const (
	// debounceWindow coalesces a burst of writes into one callback. It
	// only collapses redundant notifications, never reorders them: all
	// callbacks run on a single goroutine in arrival order.
	debounceWindow = 500 * time.Millisecond

	// pollInterval is the fallback cadence when native filesystem
	// notification is unavailable. Well inside the 5s freshness bound.
	pollInterval = 2 * time.Second
)

// Watch invokes fn with the freshly re-read state whenever the persisted
// record changes, until ctx is cancelled. It prefers fsnotify on the state
// file's directory (the atomic rename lands as a create/rename event) and
// falls back to mtime polling when the watcher cannot be established.
//
// fn is only called for readable states; a transiently missing or corrupt
// file is logged and skipped.
func (s *Store) Watch(ctx context.Context, fn func(*InstallationState)) {
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		err = watcher.Add(filepath.Dir(s.path))
	}
	if err != nil {
		if watcher != nil {
			watcher.Close()
		}
		log.Warn().Err(err).Msg("Filesystem notification unavailable, falling back to polling")
		s.watchPolling(ctx, fn)
		return
	}

	defer watcher.Close()
	log.Debug().Str("path", s.path).Msg("Watching installation state")

	var debounce *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				s.watchPolling(ctx, fn)
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(s.path) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(debounceWindow)
			} else {
				if !debounce.Stop() {
					select {
					case <-debounce.C:
					default:
					}
				}
				debounce.Reset(debounceWindow)
			}
			fire = debounce.C

		case err, ok := <-watcher.Errors:
			if !ok {
				s.watchPolling(ctx, fn)
				return
			}
			log.Warn().Err(err).Msg("State watcher error")

		case <-fire:
			fire = nil
			s.deliver(fn)
		}
	}
}

// watchPolling compares mtime and size on a fixed interval.
func (s *Store) watchPolling(ctx context.Context, fn func(*InstallationState)) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var lastMod time.Time
	var lastSize int64
	if info, err := os.Stat(s.path); err == nil {
		lastMod = info.ModTime()
		lastSize = info.Size()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			info, err := os.Stat(s.path)
			if err != nil {
				continue
			}
			if info.ModTime().Equal(lastMod) && info.Size() == lastSize {
				continue
			}
			lastMod = info.ModTime()
			lastSize = info.Size()
			s.deliver(fn)
		}
	}
}

func (s *Store) deliver(fn func(*InstallationState)) {
	st, err := s.Read()
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			log.Debug().Msg("State file removed while watching")
		} else {
			log.Warn().Err(err).Msg("State changed but could not be re-read")
		}
		return
	}
	fn(st)
}
