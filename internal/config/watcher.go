package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher reloads the config when the file changes on disk. Editors and the
// atomic save path both replace the file rather than rewriting it in place,
// so the watch is on the parent directory.
type Watcher struct {
	path     string
	log      zerolog.Logger
	onChange func(Config)
	fsw      *fsnotify.Watcher
}

// debounce window for editor save storms (tmp write + rename + chmod).
const watchDebounce = 200 * time.Millisecond

// NewWatcher watches path and invokes onChange with each successfully
// parsed new config. Parse failures are logged and skipped; the previous
// config stays in effect.
func NewWatcher(path string, log zerolog.Logger, onChange func(Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	return &Watcher{path: path, log: log, onChange: onChange, fsw: fsw}, nil
}

// Run processes events until ctx is done.
func (x *Watcher) Run(ctx context.Context) error {
	defer x.fsw.Close()

	var timer *time.Timer
	var timerC <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-x.fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(x.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(watchDebounce)
			}

		case <-timerC:
			timer = nil
			timerC = nil
			cfg, err := readConfig(x.path)
			if err != nil {
				x.log.Warn().Err(err).Msg("config change ignored")
				continue
			}
			x.log.Info().Msg("config reloaded")
			x.onChange(cfg)

		case err, ok := <-x.fsw.Errors:
			if !ok {
				return nil
			}
			x.log.Warn().Err(err).Msg("config watcher error")
		}
	}
}
