// SPDX-License-Identifier: MIT

package config

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/ManuGH/flaregql/internal/log"
)

// ReloadDebounce coalesces bursts of file events into one reload.
const ReloadDebounce = 500 * time.Millisecond

// Holder holds configuration with atomic reloading capability.
type Holder struct {
	mu      sync.RWMutex
	current AppConfig
	loader  *Loader
	logger  zerolog.Logger

	listenMu  sync.RWMutex
	listeners []func(old, cfg AppConfig)
}

// NewHolder creates a holder serving initial until the first reload.
func NewHolder(initial AppConfig, loader *Loader) *Holder {
	return &Holder{
		current: initial,
		loader:  loader,
		logger:  log.WithComponent("config"),
	}
}

// Get returns the current configuration.
func (h *Holder) Get() AppConfig {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// OnChange registers fn to run after every successful reload. Listeners run
// synchronously, in registration order.
func (h *Holder) OnChange(fn func(old, cfg AppConfig)) {
	h.listenMu.Lock()
	defer h.listenMu.Unlock()
	h.listeners = append(h.listeners, fn)
}

// Reload loads and validates the configuration again. On failure the
// current configuration is kept.
func (h *Holder) Reload() error {
	h.logger.Info().Str(log.FieldEvent, "config.reload_start").Msg("reloading configuration")

	cfg, err := h.loader.Load()
	if err != nil {
		h.logger.Error().
			Err(err).
			Str(log.FieldEvent, "config.reload_failed").
			Msg("new configuration rejected, keeping current")
		return fmt.Errorf("reload config: %w", err)
	}

	h.mu.Lock()
	old := h.current
	h.current = cfg
	h.mu.Unlock()

	h.logChanges(old, cfg)

	h.listenMu.RLock()
	listeners := slices.Clone(h.listeners)
	h.listenMu.RUnlock()
	for _, fn := range listeners {
		fn(old, cfg)
	}

	h.logger.Info().Str(log.FieldEvent, "config.reload_success").Msg("configuration reloaded successfully")
	return nil
}

// Run watches the config file and reloads it on change until ctx is done.
// Without a config file Run just waits for ctx.
func (h *Holder) Run(ctx context.Context) error {
	path := h.loader.Path()
	if path == "" {
		h.logger.Info().
			Str(log.FieldEvent, "config.watcher_disabled").
			Msg("config file watcher disabled (using ENV-only configuration)")
		<-ctx.Done()
		return nil
	}
	path = filepath.Clean(path)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	// The directory is watched so editors that replace the file by rename
	// keep triggering reloads.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch config dir: %w", err)
	}
	h.logger.Info().
		Str(log.FieldEvent, "config.watcher_started").
		Str(log.FieldPath, path).
		Msg("watching config file for changes")

	var (
		debounce *time.Timer
		fire     <-chan time.Time
	)
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info().Str(log.FieldEvent, "config.watcher_stopped").Msg("config watcher stopped")
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path || !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			h.logger.Debug().
				Str(log.FieldEvent, "config.file_changed").
				Str("op", event.Op.String()).
				Msg("config file changed")
			if debounce == nil {
				debounce = time.NewTimer(ReloadDebounce)
			} else {
				debounce.Reset(ReloadDebounce)
			}
			fire = debounce.C

		case <-fire:
			fire = nil
			_ = h.Reload()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			h.logger.Error().
				Err(err).
				Str(log.FieldEvent, "config.watcher_error").
				Msg("config watcher error")
		}
	}
}

func (h *Holder) logChanges(old, cfg AppConfig) {
	if !slices.Equal(old.CORS.Origins, cfg.CORS.Origins) {
		h.logger.Info().
			Strs("old", old.CORS.Origins).
			Strs("new", cfg.CORS.Origins).
			Msg("config changed: cors.origins")
	}
	if old.CORS.Credentials != cfg.CORS.Credentials {
		h.logger.Info().
			Bool("old", old.CORS.Credentials).
			Bool("new", cfg.CORS.Credentials).
			Msg("config changed: cors.credentials")
	}
	if old.LogLevel != cfg.LogLevel {
		h.logger.Info().
			Str("old", old.LogLevel).
			Str("new", cfg.LogLevel).
			Msg("config changed: logLevel")
	}
	if old.ListenAddr != cfg.ListenAddr || old.GraphQLPath != cfg.GraphQLPath {
		h.logger.Warn().
			Str(log.FieldEvent, "config.restart_required").
			Msg("listenAddr and graphqlPath changes apply on restart")
	}
}
