package classifier

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reloads the classifier's model when the artifact changes on
// disk. Retraining happens out-of-band (possibly on another machine); the
// rename of a fresh artifact into place is the hot-swap trigger.
type Watcher struct {
	logger     *zap.Logger
	classifier *Classifier
	path       string
	debounce   time.Duration

	fsw      *fsnotify.Watcher
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewWatcher starts watching the model artifact's directory. Watching the
// directory instead of the file survives the write-and-rename pattern used
// by SaveArtifact.
func NewWatcher(logger *zap.Logger, classifier *Classifier, path string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create model watcher: %w", err)
	}

	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch model directory: %w", err)
	}

	w := &Watcher{
		logger:     logger,
		classifier: classifier,
		path:       path,
		debounce:   500 * time.Millisecond,
		fsw:        fsw,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}

	go w.run()
	return w, nil
}

// Close stops the watcher.
func (w *Watcher) Close() {
	w.stopOnce.Do(func() {
		close(w.stop)
		w.fsw.Close()
	})
	<-w.done
}

func (w *Watcher) run() {
	defer close(w.done)

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			// Debounce: editors and SaveArtifact both produce event bursts.
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}

		case <-timerC:
			timer = nil
			timerC = nil
			if err := w.classifier.LoadModel(w.path); err != nil {
				w.logger.Warn("Model reload failed, keeping previous model",
					zap.String("path", w.path),
					zap.Error(err),
				)
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Model watcher error", zap.Error(err))

		case <-w.stop:
			return
		}
	}
}
