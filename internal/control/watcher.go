package control

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// controlFile is the on-disk control document.
type controlFile struct {
	EmergencyStop bool   `yaml:"emergency_stop"`
	Reason        string `yaml:"reason"`
}

// Watcher mirrors the control file into State. A missing file means not
// stopped; a file that fails to parse leaves the current state untouched.
type Watcher struct {
	dir    string
	file   string
	state  *State
	logger *zap.Logger

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewWatcher creates a watcher for dir/file feeding state.
func NewWatcher(dir, file string, state *State, logger *zap.Logger) *Watcher {
	return &Watcher{
		dir:    dir,
		file:   file,
		state:  state,
		logger: logger.Named("control"),
	}
}

// Start applies the current file contents and begins watching the control
// directory. The directory is created when absent so the watch can be
// established before the operator first writes the file.
func (w *Watcher) Start() error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}
	w.apply()

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.dir); err != nil {
		_ = fsw.Close()
		return err
	}
	w.watcher = fsw

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.loop(ctx)
	return nil
}

// Stop ends the watch.
func (w *Watcher) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
	_ = w.watcher.Close()
}

func (w *Watcher) path() string {
	return filepath.Join(w.dir, w.file)
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path()) {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				w.apply()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Control file watch error", zap.Error(err))
		}
	}
}

// apply reads the control file and mirrors it into state.
func (w *Watcher) apply() {
	data, err := os.ReadFile(w.path())
	if errors.Is(err, os.ErrNotExist) {
		w.state.SetEmergencyStop(false, "")
		return
	}
	if err != nil {
		w.logger.Warn("Failed to read control file", zap.Error(err))
		return
	}

	var doc controlFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		w.logger.Warn("Ignoring unparseable control file",
			zap.String("path", w.path()),
			zap.Error(err),
		)
		return
	}

	if doc.EmergencyStop {
		w.logger.Warn("Emergency stop engaged via control file",
			zap.String("reason", doc.Reason),
		)
	}
	w.state.SetEmergencyStop(doc.EmergencyStop, doc.Reason)
}
