package storygen

import (
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// SpoolWatcher observes the spool file and invokes onChange when another
// process rewrites it. The watch is on the parent directory because the
// spool is replaced by rename, which retires the watched inode.
type SpoolWatcher struct {
	watcher *fsnotify.Watcher
	done    chan struct{}
}

func WatchSpool(path string, onChange func(), logger *zap.Logger) (*SpoolWatcher, error) {
	path = strings.TrimSpace(path)
	if path == "" || onChange == nil {
		return nil, ErrInvalidInput
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	base := filepath.Base(path)
	sw := &SpoolWatcher{
		watcher: watcher,
		done:    make(chan struct{}),
	}
	go func() {
		defer close(sw.done)
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != base {
					continue
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
					continue
				}
				logger.Debug("spool file changed", zap.String("path", path), zap.String("op", event.Op.String()))
				onChange()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("spool watcher error", zap.Error(err))
			}
		}
	}()
	return sw, nil
}

func (w *SpoolWatcher) Close() error {
	if w == nil || w.watcher == nil {
		return nil
	}
	err := w.watcher.Close()
	<-w.done
	return err
}
