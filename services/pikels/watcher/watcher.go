// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package watcher reports changes to Pike sources under a workspace root.
package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Change is one debounced file change.
type Change struct {
	// Path is the absolute path of the changed file.
	Path string

	Op Op

	// Time is when the last event for Path was seen.
	Time time.Time
}

// Removed reports whether the file is gone.
func (c Change) Removed() bool {
	return c.Op == OpRemove || c.Op == OpRename
}

// Op is the kind of change.
type Op int

const (
	OpCreate Op = iota
	OpWrite
	OpRemove

	// OpRename is reported for the old name; the new name arrives as a
	// create.
	OpRename
)

// String returns the operation name.
func (op Op) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpWrite:
		return "write"
	case OpRemove:
		return "remove"
	case OpRename:
		return "rename"
	default:
		return "unknown"
	}
}

// Handler receives batches of changes, one call at a time.
type Handler func(changes []Change)

// Sink consumes file changes. *pikels.Service implements it.
type Sink interface {
	FileChanged(path string, removed bool) []string
}

// Forward returns a Handler that feeds each change to sink.
func Forward(sink Sink) Handler {
	return func(changes []Change) {
		for _, c := range changes {
			rescheduled := sink.FileChanged(c.Path, c.Removed())
			slog.Debug("Source file changed",
				slog.String("path", c.Path),
				slog.String("op", c.Op.String()),
				slog.Int("rescheduled", len(rescheduled)))
		}
	}
}

// Options configures a Watcher.
type Options struct {
	// DebounceWindow is how long the watcher waits for more changes before
	// delivering a batch. Default: 200ms
	DebounceWindow time.Duration

	// Extensions are the file suffixes reported. Default: .pike .pmod .h
	Extensions []string

	// IgnorePatterns are base names or globs of files and directories to
	// skip. Default: .git node_modules .idea *.swp *.tmp
	IgnorePatterns []string

	// BufferSize bounds events queued ahead of the debouncer. Default: 1000
	BufferSize int
}

// DefaultOptions returns the default watcher options.
func DefaultOptions() Options {
	return Options{
		DebounceWindow: 200 * time.Millisecond,
		Extensions:     []string{".pike", ".pmod", ".h"},
		IgnorePatterns: []string{".git", "node_modules", ".idea", "*.swp", "*.tmp", "*~"},
		BufferSize:     1000,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.DebounceWindow <= 0 {
		o.DebounceWindow = d.DebounceWindow
	}
	if o.Extensions == nil {
		o.Extensions = d.Extensions
	}
	if o.IgnorePatterns == nil {
		o.IgnorePatterns = d.IgnorePatterns
	}
	if o.BufferSize <= 0 {
		o.BufferSize = d.BufferSize
	}
	return o
}

// Watcher watches a directory tree for changes to Pike sources.
//
// Description:
//
//	Events are filtered by extension and ignore patterns, collected while
//	they keep arriving within the debounce window, deduplicated per path
//	and delivered as one batch. New subdirectories are watched as they
//	appear.
//
// Thread Safety:
//
//	Safe for concurrent use. The handler is called from a single goroutine.
type Watcher struct {
	root    string
	opts    Options
	fsw     *fsnotify.Watcher
	handler Handler

	changes  chan Change
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	mu       sync.Mutex
	watching bool
	dropped  int
}

// New creates a watcher for root. Call Start to begin watching.
func New(root string, handler Handler, opts Options) (*Watcher, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root %s is not a directory", abs)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	opts = opts.withDefaults()
	return &Watcher{
		root:    abs,
		opts:    opts,
		fsw:     fsw,
		handler: handler,
		changes: make(chan Change, opts.BufferSize),
		done:    make(chan struct{}),
	}, nil
}

// Start watches root and every subdirectory not ignored.
//
// The watcher stops when ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.watching {
		w.mu.Unlock()
		return nil
	}
	w.watching = true
	w.mu.Unlock()

	dirs, err := w.addRecursive(w.root)
	if err != nil {
		return err
	}
	slog.Info("Watching workspace",
		slog.String("root", w.root),
		slog.Int("directories", dirs))

	w.wg.Add(2)
	go w.processEvents(ctx)
	go w.debounceLoop(ctx)
	return nil
}

// Stop stops watching and waits for the watcher goroutines. A batch still
// collecting is delivered first.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.wg.Wait()
		_ = w.fsw.Close()

		w.mu.Lock()
		w.watching = false
		w.mu.Unlock()
	})
}

// Root returns the absolute watched directory.
func (w *Watcher) Root() string {
	return w.root
}

// Dropped returns how many events were dropped because the buffer was full.
func (w *Watcher) Dropped() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dropped
}

func (w *Watcher) addRecursive(root string) (int, error) {
	count := 0
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable entries are skipped.
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.root && w.ignored(path) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		count++
		return nil
	})
	return count, err
}

// ignored reports whether any element of path below root matches an ignore
// pattern.
func (w *Watcher) ignored(path string) bool {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || rel == "." {
		return false
	}
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		for _, pattern := range w.opts.IgnorePatterns {
			if part == pattern {
				return true
			}
			if matched, _ := filepath.Match(pattern, part); matched {
				return true
			}
		}
	}
	return false
}

func (w *Watcher) relevant(path string) bool {
	ext := filepath.Ext(path)
	for _, want := range w.opts.Extensions {
		if ext == want {
			return true
		}
	}
	return false
}

func (w *Watcher) processEvents(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if w.ignored(event.Name) {
				continue
			}

			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if _, err := w.addRecursive(event.Name); err != nil {
						slog.Warn("Failed to watch new directory",
							slog.String("path", event.Name),
							slog.String("error", err.Error()))
					}
					continue
				}
			}
			if !w.relevant(event.Name) {
				continue
			}

			change := Change{Path: event.Name, Op: convertOp(event.Op), Time: time.Now()}
			select {
			case w.changes <- change:
			default:
				w.mu.Lock()
				w.dropped++
				w.mu.Unlock()
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("File watcher error", slog.String("error", err.Error()))
		}
	}
}

func convertOp(op fsnotify.Op) Op {
	switch {
	case op.Has(fsnotify.Remove):
		return OpRemove
	case op.Has(fsnotify.Rename):
		return OpRename
	case op.Has(fsnotify.Create):
		return OpCreate
	default:
		return OpWrite
	}
}

func (w *Watcher) debounceLoop(ctx context.Context) {
	defer w.wg.Done()

	var (
		batch  []Change
		timer  *time.Timer
		timerC <-chan time.Time
	)

	flush := func() {
		if len(batch) > 0 && w.handler != nil {
			w.handler(dedupe(batch))
		}
		batch = batch[:0]
		if timer != nil {
			timer.Stop()
			timer = nil
			timerC = nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case <-w.done:
			flush()
			return
		case change := <-w.changes:
			batch = append(batch, change)
			if timer == nil {
				timer = time.NewTimer(w.opts.DebounceWindow)
				timerC = timer.C
			} else {
				timer.Reset(w.opts.DebounceWindow)
			}
		case <-timerC:
			timer = nil
			timerC = nil
			flush()
		}
	}
}

// dedupe keeps the last change per path, in first-seen order.
func dedupe(changes []Change) []Change {
	seen := make(map[string]int, len(changes))
	out := make([]Change, 0, len(changes))
	for _, c := range changes {
		if i, ok := seen[c.Path]; ok {
			out[i] = c
			continue
		}
		seen[c.Path] = len(out)
		out = append(out, c)
	}
	return out
}
