// Package provider loads allow-list files and watches them for changes.
// A list file holds one entry per line, blank lines and '#' comments are
// skipped.
package provider

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

var nopLogger = zap.NewNop()

// LoadList reads all entries from the file at path.
func LoadList(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []string
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if len(line) == 0 || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return out, nil
}

// Watcher invokes a callback whenever one of the watched files is rewritten.
// Editors and config tools typically replace files, so the parent directory
// is watched and events are matched by file name.
type Watcher struct {
	logger  *zap.Logger
	w       *fsnotify.Watcher
	matched map[string]struct{}
}

// NewWatcher watches paths and calls onChange after any of them changes.
// onChange runs on the watcher goroutine and must not block.
func NewWatcher(logger *zap.Logger, paths []string, onChange func()) (*Watcher, error) {
	if logger == nil {
		logger = nopLogger
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to init fs watcher: %w", err)
	}

	w := &Watcher{
		logger:  logger,
		w:       fw,
		matched: make(map[string]struct{}, len(paths)),
	}

	dirs := make(map[string]struct{})
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			fw.Close()
			return nil, err
		}
		w.matched[abs] = struct{}{}
		dirs[filepath.Dir(abs)] = struct{}{}
	}
	for dir := range dirs {
		if err := fw.Add(dir); err != nil {
			fw.Close()
			return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}

	go w.loop(onChange)
	return w, nil
}

func (w *Watcher) loop(onChange func()) {
	for {
		select {
		case ev, ok := <-w.w.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			abs, err := filepath.Abs(ev.Name)
			if err != nil {
				continue
			}
			if _, ok := w.matched[abs]; !ok {
				continue
			}
			w.logger.Info("list file changed", zap.String("file", abs))
			onChange()
		case err, ok := <-w.w.Errors:
			if !ok {
				return
			}
			w.logger.Warn("fs watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) Close() error {
	return w.w.Close()
}
