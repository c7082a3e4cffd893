package config

import (
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/sourcecheck-ai/sourcecheck/internal/logging"
)

// configNames are the project file names the watcher reacts to.
var configNames = map[string]bool{
	"sourcecheck.json":  true,
	"sourcecheck.jsonc": true,
	"sourcecheck.yaml":  true,
}

// Watcher watches a project directory for configuration file changes and
// reloads the merged configuration when one changes.
type Watcher struct {
	watcher   *fsnotify.Watcher
	directory string
	onReload  func(*Config)

	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
	mu      sync.Mutex

	log zerolog.Logger
}

// NewWatcher creates a watcher for the project configuration under directory.
// onReload is invoked with the freshly merged configuration after each change.
func NewWatcher(directory string, onReload func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	// Watch the directory rather than the files: watching a file directly
	// breaks when editors replace it on save.
	if err := w.Add(directory); err != nil {
		w.Close()
		return nil, err
	}
	// The .sourcecheck subdirectory is optional.
	_ = w.Add(filepath.Join(directory, ".sourcecheck"))

	return &Watcher{
		watcher:   w,
		directory: directory,
		onReload:  onReload,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		log:       logging.Component("config"),
	}, nil
}

// Start begins watching for configuration changes.
func (w *Watcher) Start() {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()
	go w.run()
}

func (w *Watcher) run() {
	defer close(w.doneCh)

	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 && configNames[filepath.Base(ev.Name)] {
				w.reload(ev.Name)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error().Err(err).Msg("config watcher error")
		}
	}
}

func (w *Watcher) reload(path string) {
	cfg, err := Load(w.directory)
	if err != nil {
		w.log.Warn().Err(err).Str("path", path).Msg("config reload failed")
		return
	}

	w.log.Info().Str("path", path).Msg("configuration reloaded")
	if w.onReload != nil {
		w.onReload(cfg)
	}
}

// Stop stops the watcher and waits for the event loop to drain.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()

	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}

	if started {
		<-w.doneCh
	}

	return w.watcher.Close()
}
