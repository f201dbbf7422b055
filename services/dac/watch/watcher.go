// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package watch provides a recursive filesystem watcher over the
// submission root.
//
// The watcher converts raw fsnotify events into typed Events and
// delivers them on a buffered channel. Delivery never blocks on
// downstream I/O: when the channel is full the event is dropped and
// counted, and the debounced reconciler recovers on the next event for
// the same deployment.
//
// Rsync and sftp uploads generate bursts of raw events, frequently with
// OS-level duplicates. Consumers must tolerate duplicate events for the
// same (kind, path).
package watch

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"log/slog"

	"github.com/fsnotify/fsnotify"

	"github.com/ioos/glider-dac-sub000/services/dac/telemetry"
)

// Kind is the type of filesystem change.
type Kind int

const (
	// DirCreated indicates a new directory under the root.
	DirCreated Kind = iota

	// DirDeleted indicates a watched directory was removed or renamed away.
	DirDeleted

	// FileCreated indicates a new regular file.
	FileCreated

	// FileModified indicates a write to an existing file.
	FileModified

	// FileMoved indicates a file was renamed. Dst carries the
	// destination when the platform reports it; it is empty otherwise.
	FileMoved
)

// String returns the event kind name.
func (k Kind) String() string {
	switch k {
	case DirCreated:
		return "dir-created"
	case DirDeleted:
		return "dir-deleted"
	case FileCreated:
		return "file-created"
	case FileModified:
		return "file-modified"
	case FileMoved:
		return "file-moved"
	default:
		return "unknown"
	}
}

// Event is a typed filesystem change under the submission root.
type Event struct {
	Kind Kind

	// Path is the absolute path of the changed entry.
	Path string

	// Dst is the destination path for moves, when known.
	Dst string

	// Time is when the change was observed.
	Time time.Time
}

// Options configures the Watcher.
type Options struct {
	// BufferSize is the capacity of the event channel. Default: 1024.
	BufferSize int

	// Logger receives watcher diagnostics. Default: slog.Default().
	Logger *slog.Logger

	// Metrics, when set, counts buffer-overflow drops.
	Metrics *telemetry.Metrics
}

// Watcher is a recursive fsnotify watcher rooted at a single directory.
//
// Thread safety: Start and Stop may be called from any goroutine;
// events are delivered from a single internal goroutine so their
// channel order matches observation order.
type Watcher struct {
	root    string
	watcher *fsnotify.Watcher
	events  chan Event
	logger  *slog.Logger

	metrics *telemetry.Metrics

	done     chan struct{}
	stopOnce sync.Once

	// dirs tracks directories added to the fsnotify watch set, so a
	// Remove/Rename for a path we watched classifies as DirDeleted
	// even though the path no longer stats.
	dirs   map[string]struct{}
	dirsMu sync.Mutex

	dropped atomic.Uint64

	mu       sync.RWMutex
	watching bool
}

// New creates a watcher for root. The root must exist; subdirectories
// are discovered and watched recursively on Start.
func New(root string, opts *Options) (*Watcher, error) {
	if opts == nil {
		opts = &Options{}
	}
	bufSize := opts.BufferSize
	if bufSize <= 0 {
		bufSize = 1024
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		root:    filepath.Clean(root),
		watcher: fsw,
		events:  make(chan Event, bufSize),
		logger:  logger,
		metrics: opts.Metrics,
		done:    make(chan struct{}),
		dirs:    make(map[string]struct{}),
	}, nil
}

// Events returns the delivery channel. The channel is closed when the
// watcher stops.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Dropped returns the number of events discarded because the delivery
// channel was full.
func (w *Watcher) Dropped() uint64 {
	return w.dropped.Load()
}

// Start adds the root tree to the watch set and begins delivering
// events. Safe to call once; subsequent calls are no-ops.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.watching {
		w.mu.Unlock()
		return nil
	}
	w.watching = true
	w.mu.Unlock()

	if err := w.addRecursive(w.root); err != nil {
		return err
	}

	go w.processEvents(ctx)
	return nil
}

// Stop stops the watcher and closes the event channel.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.watcher.Close()

		w.mu.Lock()
		w.watching = false
		w.mu.Unlock()
	})
}

// IsWatching reports whether the watcher is active.
func (w *Watcher) IsWatching() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.watching
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped, not fatal
		}
		if !d.IsDir() {
			return nil
		}
		if hidden(path) && path != root {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			w.logger.Warn("watch add failed", "path", path, "error", err)
			return nil
		}
		w.trackDir(path)
		return nil
	})
}

func (w *Watcher) trackDir(path string) {
	w.dirsMu.Lock()
	w.dirs[path] = struct{}{}
	w.dirsMu.Unlock()
}

func (w *Watcher) untrackDir(path string) bool {
	w.dirsMu.Lock()
	defer w.dirsMu.Unlock()
	if _, ok := w.dirs[path]; !ok {
		return false
	}
	delete(w.dirs, path)
	// A removed directory takes its subtree with it.
	prefix := path + string(filepath.Separator)
	for d := range w.dirs {
		if strings.HasPrefix(d, prefix) {
			delete(w.dirs, d)
		}
	}
	return true
}

// hidden reports whether the basename starts with a dot.
func hidden(path string) bool {
	return strings.HasPrefix(filepath.Base(path), ".")
}

// contains reports whether path is inside the watch root.
func (w *Watcher) contains(path string) bool {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func (w *Watcher) processEvents(ctx context.Context) {
	defer close(w.events)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleRaw(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", "error", err)
		}
	}
}

func (w *Watcher) handleRaw(raw fsnotify.Event) {
	path := filepath.Clean(raw.Name)
	if !w.contains(path) || hidden(path) {
		return
	}

	now := time.Now()

	switch {
	case raw.Has(fsnotify.Create):
		info, err := os.Stat(path)
		if err != nil {
			// Gone already; an upload burst can create and replace
			// files faster than we stat them.
			return
		}
		if info.IsDir() {
			if err := w.watcher.Add(path); err != nil {
				w.logger.Warn("watch add failed", "path", path, "error", err)
			} else {
				w.trackDir(path)
			}
			w.deliver(Event{Kind: DirCreated, Path: path, Time: now})
			return
		}
		w.deliver(Event{Kind: FileCreated, Path: path, Time: now})

	case raw.Has(fsnotify.Write):
		w.deliver(Event{Kind: FileModified, Path: path, Time: now})

	case raw.Has(fsnotify.Remove):
		if w.untrackDir(path) {
			w.deliver(Event{Kind: DirDeleted, Path: path, Time: now})
			return
		}
		// File removals carry no pipeline action of their own; the
		// containing deployment is reconciled on the next event.

	case raw.Has(fsnotify.Rename):
		if w.untrackDir(path) {
			w.deliver(Event{Kind: DirDeleted, Path: path, Time: now})
			return
		}
		w.deliver(Event{Kind: FileMoved, Path: path, Time: now})
	}
}

// deliver sends without blocking. The watcher must never stall behind
// reconciler I/O; when the buffer is full the oldest queued event is
// evicted to make room for the new one.
func (w *Watcher) deliver(ev Event) {
	for {
		select {
		case w.events <- ev:
			return
		default:
		}
		select {
		case old := <-w.events:
			w.dropped.Add(1)
			if w.metrics != nil {
				w.metrics.EventsDropped.Inc()
			}
			w.logger.Warn("event buffer full, dropping oldest",
				"kind", old.Kind.String(), "path", old.Path)
		default:
		}
	}
}
