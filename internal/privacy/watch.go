package privacy

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchRules loads the rules file into the filter and reloads it on
// every change until ctx is done. A file that fails to parse keeps the
// previous rule set active. Blocks; run in its own goroutine.
func (f *Filter) WatchRules(ctx context.Context, path string) error {
	if rules, err := LoadRules(path); err == nil {
		f.SetCustomRules(rules)
	} else {
		f.log.Warn().Err(err).Str("path", path).Msg("privacy rules file not loaded")
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	// Watch the directory: editors replace files by rename, which
	// drops a watch on the file itself.
	if err := w.Add(filepath.Dir(path)); err != nil {
		return err
	}

	clean := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != clean {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			rules, err := LoadRules(path)
			if err != nil {
				f.log.Error().Err(err).Msg("privacy rules reload failed, keeping previous set")
				continue
			}
			f.SetCustomRules(rules)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			f.log.Error().Err(err).Msg("privacy rules watcher error")
		}
	}
}
