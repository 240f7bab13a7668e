package guide

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const debounce = 500 * time.Millisecond

// Watcher recompiles the guide when the supplementary XMLTV file changes.
// The parent directory is watched so atomic replaces are seen.
type Watcher struct {
	path      string
	recompile func() error
	watcher   *fsnotify.Watcher
	logger    zerolog.Logger

	mu      sync.Mutex
	pending *time.Timer
	done    chan struct{}
	wg      sync.WaitGroup
}

func NewWatcher(path string, recompile func() error, logger zerolog.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		_ = fw.Close()
		return nil, err
	}
	w := &Watcher{
		path:      abs,
		recompile: recompile,
		watcher:   fw,
		logger:    logger.With().Str("component", "guide-watcher").Str("path", abs).Logger(),
		done:      make(chan struct{}),
	}
	w.wg.Add(1)
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			w.schedule()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("watch error")
		case <-w.done:
			return
		}
	}
}

// schedule coalesces bursts of events into one recompile.
func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending != nil {
		w.pending.Stop()
	}
	w.pending = time.AfterFunc(debounce, func() {
		if err := w.recompile(); err != nil {
			w.logger.Error().Err(err).Msg("recompile guide")
			return
		}
		w.logger.Info().Msg("guide recompiled after extra guide change")
	})
}

func (w *Watcher) Close() error {
	close(w.done)
	err := w.watcher.Close()
	w.wg.Wait()
	w.mu.Lock()
	if w.pending != nil {
		w.pending.Stop()
	}
	w.mu.Unlock()
	return err
}
