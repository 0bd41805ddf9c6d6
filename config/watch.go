package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/optiflows/nyuki-go/eventbus"
)

// Watch reloads the config file whenever it changes on disk and publishes
// the new *Config on the internal bus topic TopicReload. Invalid rewrites
// are logged and skipped; the previous configuration stays in effect.
// Watch blocks until ctx is cancelled.
func Watch(ctx context.Context, path string, bus *eventbus.Bus, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	// Watch the directory: editors and config managers typically replace
	// the file rather than writing it in place.
	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		return err
	}
	target := filepath.Clean(path)

	for {
		select {
		case <-ctx.Done():
			return nil
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
			cfg, err := Load(path)
			if err != nil {
				log.WarnContext(ctx, "config.reload.fail", slog.String("err", err.Error()))
				continue
			}
			log.InfoContext(ctx, "config.reload.ok", slog.String("path", path))
			bus.Publish(TopicReload, cfg)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.WarnContext(ctx, "config.watch.err", slog.String("err", err.Error()))
		}
	}
}
