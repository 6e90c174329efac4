package authz

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// RoleMapWatcher reloads a RoleMap whenever its file changes.
type RoleMapWatcher struct {
	watcher  *fsnotify.Watcher
	roles    *RoleMap
	path     string
	logger   zerolog.Logger
	debounce time.Duration
	onReload func(err error)

	mu       sync.Mutex
	timer    *time.Timer
	stopCh   chan struct{}
	stopOnce sync.Once
}

// WatchRoleMap loads path into roles and keeps it in sync.
// The parent directory is watched so editors that replace the file are handled.
func WatchRoleMap(roles *RoleMap, path string, logger zerolog.Logger) (*RoleMapWatcher, error) {
	if err := LoadRoleMapFile(roles, path); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, err
	}

	rw := &RoleMapWatcher{
		watcher:  watcher,
		roles:    roles,
		path:     filepath.Clean(path),
		logger:   logger.With().Str("component", "authz_watcher").Logger(),
		debounce: 250 * time.Millisecond,
		stopCh:   make(chan struct{}),
	}

	go rw.run()

	return rw, nil
}

// OnReload registers a callback invoked after every reload attempt.
func (rw *RoleMapWatcher) OnReload(fn func(err error)) {
	rw.mu.Lock()
	rw.onReload = fn
	rw.mu.Unlock()
}

// Stop stops watching.
func (rw *RoleMapWatcher) Stop() error {
	var err error
	rw.stopOnce.Do(func() {
		close(rw.stopCh)
		err = rw.watcher.Close()
	})
	return err
}

func (rw *RoleMapWatcher) run() {
	for {
		select {
		case event, ok := <-rw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != rw.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				rw.scheduleReload()
			}

		case err, ok := <-rw.watcher.Errors:
			if !ok {
				return
			}
			rw.logger.Error().Err(err).Msg("Role map watcher error")

		case <-rw.stopCh:
			return
		}
	}
}

func (rw *RoleMapWatcher) scheduleReload() {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.timer != nil {
		rw.timer.Stop()
	}
	rw.timer = time.AfterFunc(rw.debounce, rw.reload)
}

func (rw *RoleMapWatcher) reload() {
	err := LoadRoleMapFile(rw.roles, rw.path)
	if err != nil {
		rw.logger.Error().Err(err).Str("path", rw.path).Msg("Role map reload failed, keeping previous mapping")
	} else {
		rw.logger.Info().Str("path", rw.path).Msg("Role map reloaded")
	}

	rw.mu.Lock()
	fn := rw.onReload
	rw.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}
