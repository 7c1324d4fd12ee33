package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/flipgate/flipgate/internal/core"
)

// debounce coalesces editor write bursts into one reload.
const watchDebounce = 250 * time.Millisecond

// flagFileDoc is the YAML shape of the local flag file:
//
//	flags:
//	  dark_mode:
//	    default: true
type flagFileDoc struct {
	Flags map[string]core.Flag `yaml:"flags"`
}

// LoadFlagFile reads flag definitions from a local YAML file. Flag names come
// from the map keys; a name set inside a definition is overridden by its key.
func LoadFlagFile(path string) (map[string]core.Flag, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read flag file: %w", err)
	}

	var doc flagFileDoc
	if err := yaml.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("parse flag file %s: %w", path, err)
	}

	flags := make(map[string]core.Flag, len(doc.Flags))
	for name, flag := range doc.Flags {
		flag.Name = name
		flags[name] = flag
	}

	return flags, nil
}

// WatchFlagFile watches the flag file and invokes apply with a fresh snapshot
// after every change. It watches the parent directory so atomic rename-based
// saves are observed. Blocks until ctx is cancelled.
func WatchFlagFile(ctx context.Context, path string, log *slog.Logger, apply func(map[string]core.Flag)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	target, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	reload := func() {
		flags, err := LoadFlagFile(path)
		if err != nil {
			log.Warn("flag file reload failed", "path", path, "error", err)
			return
		}
		log.Info("flag file reloaded", "path", path, "flags", len(flags))
		apply(flags)
	}

	var debounceCh <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			changed, err := filepath.Abs(event.Name)
			if err != nil || changed != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(watchDebounce)
			} else {
				debounce.Reset(watchDebounce)
			}
			debounceCh = debounce.C
		case <-debounceCh:
			debounceCh = nil
			reload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("flag file watcher error", "error", err)
		}
	}
}
