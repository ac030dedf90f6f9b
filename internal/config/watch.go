package config

import (
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher reloads a config file on change and swaps in the tunable subset.
// The full config stays fixed for the process lifetime; only the pipeline
// and calibration sections take effect live. Readers call Current.
type Watcher struct {
	path string
	log  zerolog.Logger

	mu      sync.RWMutex
	current Config

	fw     *fsnotify.Watcher
	done   chan struct{}
	onSwap func(Config)
}

// NewWatcher starts watching path. initial is the config already loaded at
// startup; onSwap, if set, runs after every successful reload.
func NewWatcher(path string, initial Config, onSwap func(Config), log zerolog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: editors and atomic writers replace the file,
	// which drops a watch set on the file itself.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, err
	}
	w := &Watcher{
		path:    path,
		log:     log,
		current: initial,
		fw:      fw,
		done:    make(chan struct{}),
		onSwap:  onSwap,
	}
	go w.loop()
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fw.Close()
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			w.reload()
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Msg("config watch error")
		}
	}
}

// reload keeps the old config when the new file does not load or validate.
func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.log.Warn().Err(err).Str("path", w.path).Msg("config reload rejected")
		return
	}
	w.mu.Lock()
	w.current = cfg
	w.mu.Unlock()
	w.log.Info().Str("path", w.path).Msg("config reloaded")
	if w.onSwap != nil {
		w.onSwap(cfg)
	}
}
