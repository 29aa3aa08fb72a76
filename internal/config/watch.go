package config

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/patrickspencer/tickrun/internal/command"
)

const (
	watchDebounce      = 300 * time.Millisecond
	restartBackoffBase = 250 * time.Millisecond
	restartBackoffMax  = 5 * time.Second
)

// Watch calls onChange with the new definitions whenever the file content
// changes on disk. Our own Save calls and editor write bursts that leave the
// content unchanged are ignored. Unparseable content is logged and skipped so
// the previous definitions stay in effect. Watch blocks until ctx is done.
func (f *DefinitionsFile) Watch(ctx context.Context, onChange func([]command.Definition)) error {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return &PersistenceError{Op: "watch", Path: f.path, Err: err}
	}

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(watchDebounce, func() {
			if ctx.Err() != nil {
				return
			}
			f.reload(onChange)
		})
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	backoff := restartBackoffBase
	for {
		err := f.watchOnce(ctx, dir, debounce)
		if ctx.Err() != nil {
			return nil
		}
		f.log.Warn().Err(err).Dur("backoff", backoff).Msg("definitions watcher stopped, restarting")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > restartBackoffMax {
			backoff = restartBackoffMax
		}
	}
}

// watchOnce runs one fsnotify watcher until it fails or ctx is done.
func (f *DefinitionsFile) watchOnce(ctx context.Context, dir string, debounce func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	// Watch the directory: editors and Save replace the file by rename.
	if err := w.Add(dir); err != nil {
		return err
	}
	base := filepath.Base(f.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("event channel closed")
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) || ev.Has(fsnotify.Remove) {
				debounce()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("error channel closed")
			}
			return err
		}
	}
}

func (f *DefinitionsFile) reload(onChange func([]command.Definition)) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		// Mid-rename or deleted; the file reappearing triggers another event.
		return
	}
	if err != nil {
		f.log.Error().Err(err).Str("path", f.path).Msg("failed to read definitions")
		return
	}
	if !f.changed(hashBytes(data)) {
		return
	}
	defs, assigned, err := ParseDefinitions(data)
	if err != nil {
		f.log.Error().Err(err).Str("path", f.path).Msg("invalid definitions file, keeping previous commands")
		return
	}
	if assigned {
		if err := f.Save(defs); err != nil {
			f.log.Warn().Err(err).Msg("failed to persist generated command ids")
		}
	}
	f.log.Info().Int("commands", len(defs)).Msg("definitions reloaded")
	onChange(defs)
}
