// Package watcher turns writes in a project's communication directory into
// debounced status events for the scheduler.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ErrDirRemoved is returned by a Source when the watched directory goes away.
var ErrDirRemoved = errors.New("watched directory removed")

// Source reports files that changed under a directory. Run first reports
// every file already present, then each later create or write, until ctx is
// done (returning nil) or the directory becomes unwatchable (returning an
// error). emit is called from a single goroutine.
type Source interface {
	Run(ctx context.Context, dir string, emit func(path string)) error
}

// FSNotify is a Source backed by OS filesystem notifications.
type FSNotify struct{}

func (FSNotify) Run(ctx context.Context, dir string, emit func(path string)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	// Subscribe before the rescan so nothing written in between is missed.
	if err := scanDir(dir, emit); err != nil {
		return err
	}

	clean := filepath.Clean(dir)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return ErrDirRemoved
			}
			if filepath.Clean(ev.Name) == clean && ev.Has(fsnotify.Remove|fsnotify.Rename) {
				return ErrDirRemoved
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) {
				emit(ev.Name)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return ErrDirRemoved
			}
			return fmt.Errorf("fsnotify %s: %w", dir, err)
		}
	}
}

// Poll is a Source that rescans the directory on a fixed interval and
// reports files whose size or modification time changed.
type Poll struct {
	Interval time.Duration
}

type fileStamp struct {
	size    int64
	modTime time.Time
}

func (p Poll) Run(ctx context.Context, dir string, emit func(path string)) error {
	interval := p.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	seen := make(map[string]fileStamp)
	scan := func() error {
		entries, err := os.ReadDir(dir)
		if errors.Is(err, fs.ErrNotExist) {
			return ErrDirRemoved
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", dir, err)
		}
		present := make(map[string]struct{}, len(entries))
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue // removed between ReadDir and Info
			}
			name := e.Name()
			present[name] = struct{}{}
			stamp := fileStamp{size: info.Size(), modTime: info.ModTime()}
			if prev, ok := seen[name]; ok && prev == stamp {
				continue
			}
			seen[name] = stamp
			emit(filepath.Join(dir, name))
		}
		for name := range seen {
			if _, ok := present[name]; !ok {
				delete(seen, name)
			}
		}
		return nil
	}

	if err := scan(); err != nil {
		return err
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := scan(); err != nil {
				return err
			}
		}
	}
}

func scanDir(dir string, emit func(path string)) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("rescan %s: %w", dir, err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			emit(filepath.Join(dir, e.Name()))
		}
	}
	return nil
}
