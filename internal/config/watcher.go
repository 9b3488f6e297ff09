package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const defaultDebounce = 500 * time.Millisecond

// Watcher reloads the config file whenever it changes on disk.
type Watcher struct {
	loader   *Loader
	path     string
	debounce time.Duration
	onChange func(*Config)
	logger   zerolog.Logger
}

// NewWatcher creates a watcher that calls onChange with every successfully
// reloaded config. A config that fails to load or validate is logged and
// skipped.
func NewWatcher(loader *Loader, onChange func(*Config), logger zerolog.Logger) *Watcher {
	return &Watcher{
		loader:   loader,
		path:     filepath.Clean(loader.GetConfigPath()),
		debounce: defaultDebounce,
		onChange: onChange,
		logger:   logger.With().Str("component", "config").Logger(),
	}
}

// Run watches until ctx ends. The file's directory is watched so editors
// that replace the file are noticed too.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(w.path), err)
	}

	debounce := time.NewTimer(w.debounce)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				debounce.Reset(w.debounce)
			}

		case <-debounce.C:
			w.reload()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn().Err(err).Msg("Config watcher error")

		case <-ctx.Done():
			return nil
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := w.loader.Load()
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		w.logger.Error().Err(err).Str("path", w.path).Msg("Failed to reload config")
		return
	}
	w.logger.Info().Str("path", w.path).Msg("Config reloaded")
	w.onChange(cfg)
}
