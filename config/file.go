package config

import (
	"context"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/yosuke-furukawa/json5/encoding/json5"
	"go.uber.org/multierr"

	"go.viam.com/multisense/logging"
	"go.viam.com/multisense/utils"
)

// ReadFile reads a parameter file holding one JSON5 object of key to value.
func ReadFile(path string) (map[string]interface{}, error) {
	//nolint:gosec
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "cannot read parameter file")
	}
	values := map[string]interface{}{}
	if err := json5.Unmarshal(data, &values); err != nil {
		return nil, errors.Wrapf(err, "cannot parse parameter file %q", path)
	}
	return values, nil
}

// FileWatcher applies a parameter file to a Store every time the file is written.
type FileWatcher struct {
	path    string
	store   *Store
	logger  logging.Logger
	watcher *fsnotify.Watcher
	workers utils.StoppableWorkers
}

// WatchFile starts watching path. The directory is watched rather than the file so editors that
// replace the file are followed.
func WatchFile(path string, store *Store, logger logging.Logger) (*FileWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "cannot create file watcher")
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return nil, errors.Wrapf(multierr.Combine(err, watcher.Close()), "cannot watch %q", abs)
	}
	fw := &FileWatcher{path: abs, store: store, logger: logger, watcher: watcher}
	fw.workers = utils.NewStoppableWorkers(fw.run)
	return fw, nil
}

func (fw *FileWatcher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != fw.path || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			fw.apply()
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.logger.Warnw("parameter file watch error", "error", err)
		}
	}
}

func (fw *FileWatcher) apply() {
	values, err := ReadFile(fw.path)
	if err == nil {
		err = fw.store.SetMany(values)
	}
	if err != nil {
		fw.logger.Warnw("cannot apply parameter file", "path", fw.path, "error", err)
		return
	}
	fw.logger.Infow("parameter file applied", "path", fw.path)
}

// Close stops watching.
func (fw *FileWatcher) Close() error {
	fw.workers.Stop()
	return fw.watcher.Close()
}
