package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watch re-reads the config file whenever it changes on disk and hands
// the freshly parsed result to onChange. The watch is on the parent
// directory so editor rename-and-replace saves are picked up too. A
// file that fails to parse is logged and skipped; the previous config
// stays in effect.
//
// Only restart-free settings should be applied from onChange (today:
// the log level).
func Watch(ctx context.Context, path string, log zerolog.Logger, onChange func(*Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		return err
	}
	target := filepath.Clean(path)

	// Debounce: editors fire several events per save.
	var pending <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(250 * time.Millisecond)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("config watch error")
		case <-pending:
			pending = nil
			cfg, err := Load(path)
			if err != nil {
				log.Warn().Err(err).Msg("config reload failed, keeping previous")
				continue
			}
			log.Info().Msg("config reloaded")
			onChange(cfg)
		}
	}
}
