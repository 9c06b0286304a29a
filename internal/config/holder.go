// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/callforge/dialer/internal/log"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// ConfigHolder holds configuration with atomic hot-reload support. Fields
// that affect in-flight concurrency accounting (pre-dial TTLs, pool
// capacity) are read at session/lease creation time; callers that care
// about their own stability should snapshot once rather than re-reading the
// holder mid-operation.
type ConfigHolder struct {
	mu     sync.Mutex
	epoch  atomic.Uint64
	value  atomic.Pointer[AppConfig]
	loader *Loader

	configPath string
	configDir  string
	configFile string
	watcher    *fsnotify.Watcher
	logger     zerolog.Logger

	listenerMu sync.RWMutex
	listeners  []chan<- AppConfig
}

// NewConfigHolder wraps an already-loaded AppConfig for hot reload via loader.
func NewConfigHolder(initial AppConfig, loader *Loader, configPath string) *ConfigHolder {
	h := &ConfigHolder{
		loader:     loader,
		configPath: configPath,
		logger:     log.WithComponent("config"),
	}
	h.value.Store(&initial)
	return h
}

// Get returns the current configuration.
func (h *ConfigHolder) Get() AppConfig {
	v := h.value.Load()
	if v == nil {
		return AppConfig{}
	}
	return *v
}

// Epoch returns the number of successful reloads applied so far.
func (h *ConfigHolder) Epoch() uint64 {
	return h.epoch.Load()
}

// Reload re-reads and validates configuration; on failure the previous
// config remains active and is returned unchanged.
func (h *ConfigHolder) Reload(_ context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	next, err := h.loader.Load()
	if err != nil {
		h.logger.Error().Err(err).Str("event", "config.reload_failed").Msg("failed to load new configuration")
		return fmt.Errorf("load config: %w", err)
	}

	old := h.Get()
	h.value.Store(&next)
	h.epoch.Add(1)
	h.notifyListeners(next)
	h.logChanges(old, next)

	h.logger.Info().Str("event", "config.reload_success").Uint64("epoch", h.epoch.Load()).Msg("configuration reloaded")
	return nil
}

// StartWatcher watches the config file directory (to survive atomic
// tmp+rename writes) and debounce-triggers Reload on change. No-op if the
// holder was built without a file path (ENV-only configuration).
func (h *ConfigHolder) StartWatcher(ctx context.Context) error {
	if h.configPath == "" {
		h.logger.Info().Str("event", "config.watcher_disabled").Msg("config file watcher disabled (ENV-only configuration)")
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	h.watcher = watcher
	h.configDir = filepath.Dir(h.configPath)
	h.configFile = filepath.Base(h.configPath)

	if err := watcher.Add(h.configDir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch config dir: %w", err)
	}

	h.logger.Info().Str("event", "config.watcher_started").Str("path", h.configPath).Msg("watching config file for changes")
	go h.watchLoop(ctx)
	return nil
}

func (h *ConfigHolder) watchLoop(ctx context.Context) {
	const debounce = 500 * time.Millisecond
	var timer *time.Timer

	for {
		select {
		case <-ctx.Done():
			if h.watcher != nil {
				_ = h.watcher.Close()
			}
			return
		case ev, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != h.configFile {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(debounce, func() {
					if err := h.Reload(ctx); err != nil {
						h.logger.Error().Err(err).Str("event", "config.auto_reload_failed").Msg("automatic config reload failed")
					}
				})
			}
		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			h.logger.Error().Err(err).Str("event", "config.watcher_error").Msg("config watcher error")
		}
	}
}

// Stop closes the file watcher, if running.
func (h *ConfigHolder) Stop() {
	if h.watcher != nil {
		_ = h.watcher.Close()
	}
}

// RegisterListener registers a channel notified (non-blocking, best-effort)
// on every successful reload. The caller owns the channel's lifecycle.
func (h *ConfigHolder) RegisterListener(ch chan<- AppConfig) {
	h.listenerMu.Lock()
	defer h.listenerMu.Unlock()
	h.listeners = append(h.listeners, ch)
}

func (h *ConfigHolder) notifyListeners(cfg AppConfig) {
	h.listenerMu.RLock()
	defer h.listenerMu.RUnlock()
	for _, ch := range h.listeners {
		select {
		case ch <- cfg:
		default:
			h.logger.Warn().Str("event", "config.listener_skip").Msg("skipped notifying listener (channel full)")
		}
	}
}

func (h *ConfigHolder) logChanges(old, next AppConfig) {
	if old.Log.Level != next.Log.Level {
		h.logger.Info().Str("old", old.Log.Level).Str("new", next.Log.Level).Msg("config changed: log.level")
	}
	if old.Dialer.InterCallDelay != next.Dialer.InterCallDelay {
		h.logger.Info().Dur("old", old.Dialer.InterCallDelay).Dur("new", next.Dialer.InterCallDelay).Msg("config changed: dialer.interCallDelay")
	}
	if old.RateLimit.Enabled != next.RateLimit.Enabled {
		h.logger.Info().Bool("old", old.RateLimit.Enabled).Bool("new", next.RateLimit.Enabled).Msg("config changed: rateLimit.enabled")
	}
	if old.Voice.STTPoolCapacity != next.Voice.STTPoolCapacity {
		h.logger.Warn().Int("old", old.Voice.STTPoolCapacity).Int("new", next.Voice.STTPoolCapacity).Msg("config changed: voice.sttPoolCapacity (existing pool workers are not resized live)")
	}
}
