// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

// Package watcher reports filesystem changes recursively under a
// session's source directory. Events are advisory: consumers re-stat
// every reported path, so a dropped or spurious event can degrade
// efficiency but never correctness. On kernel queue overflow (or
// when the consumer falls behind) the watcher raises Overflow and
// the updater answers with a full rescan.
package watcher

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/conveyor-fs/conveyor/lib/clock"
)

// Op classifies a change event.
type Op uint8

const (
	Created Op = iota + 1
	Modified
	Deleted
	Renamed
)

// String returns the op's name.
func (o Op) String() string {
	switch o {
	case Created:
		return "created"
	case Modified:
		return "modified"
	case Deleted:
		return "deleted"
	case Renamed:
		return "renamed"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

// Event is one coalesced filesystem change.
type Event struct {
	// Path is absolute.
	Path string
	Op   Op
}

// coalesceWindow drops repeat events for the same path arriving
// within this interval. Editors and build tools hammer files with
// bursts of writes; one event per burst is enough because consumers
// re-stat.
const coalesceWindow = 20 * time.Millisecond

// eventBuffer bounds the delivery channel. When the consumer falls
// this far behind, further events are folded into an Overflow signal
// instead of blocking the watch loop.
const eventBuffer = 1024

// Watcher watches one directory tree.
type Watcher struct {
	root   string
	inner  *fsnotify.Watcher
	clock  clock.Clock
	logger *slog.Logger

	events   chan Event
	overflow chan struct{}
	done     chan struct{}
}

// New starts watching root recursively. Close releases the kernel
// watches.
func New(root string, clk clock.Clock, logger *slog.Logger) (*Watcher, error) {
	inner, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating filesystem watcher: %w", err)
	}

	w := &Watcher{
		root:     root,
		inner:    inner,
		clock:    clk,
		logger:   logger,
		events:   make(chan Event, eventBuffer),
		overflow: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}

	if err := w.watchTree(root); err != nil {
		inner.Close()
		return nil, err
	}

	go w.run()
	return w, nil
}

// Events delivers coalesced change events.
func (w *Watcher) Events() <-chan Event { return w.events }

// Overflow signals that events were lost (kernel queue overflow or a
// slow consumer). The consumer must treat the whole tree as dirty.
func (w *Watcher) Overflow() <-chan struct{} { return w.overflow }

// Close stops the watcher and releases kernel resources.
func (w *Watcher) Close() error {
	close(w.done)
	return w.inner.Close()
}

// watchTree registers watches for dir and every subdirectory.
func (w *Watcher) watchTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			// A directory that vanished mid-walk is not an error;
			// its deletion event is already queued.
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !entry.IsDir() {
			return nil
		}
		if err := w.inner.Add(path); err != nil {
			return fmt.Errorf("watching %s: %w", path, err)
		}
		return nil
	})
}

// run pumps fsnotify events into the coalesced event channel.
func (w *Watcher) run() {
	lastEmit := make(map[string]time.Time)

	for {
		select {
		case <-w.done:
			return

		case raw, ok := <-w.inner.Events:
			if !ok {
				return
			}
			w.handle(raw, lastEmit)

		case err, ok := <-w.inner.Errors:
			if !ok {
				return
			}
			if err == fsnotify.ErrEventOverflow {
				w.signalOverflow()
				continue
			}
			w.logger.Warn("watcher error", "error", err)
		}
	}
}

func (w *Watcher) handle(raw fsnotify.Event, lastEmit map[string]time.Time) {
	op, ok := mapOp(raw.Op)
	if !ok {
		return
	}

	// A new directory needs its own watch, and a recursive one: files
	// may already exist inside by the time the create event arrives.
	if op == Created {
		if info, err := os.Lstat(raw.Name); err == nil && info.IsDir() {
			if err := w.watchTree(raw.Name); err != nil {
				w.logger.Warn("watching new directory failed", "path", raw.Name, "error", err)
				w.signalOverflow()
			}
		}
	}

	now := w.clock.Now()
	if last, seen := lastEmit[raw.Name]; seen && now.Sub(last) < coalesceWindow {
		return
	}
	lastEmit[raw.Name] = now

	// Bound the map: entries older than the window carry no
	// information. Cheap amortized cleanup once it grows.
	if len(lastEmit) > 4*eventBuffer {
		for path, stamp := range lastEmit {
			if now.Sub(stamp) >= coalesceWindow {
				delete(lastEmit, path)
			}
		}
	}

	select {
	case w.events <- Event{Path: raw.Name, Op: op}:
	default:
		// Consumer is behind; fold into an overflow.
		w.signalOverflow()
	}
}

func (w *Watcher) signalOverflow() {
	select {
	case w.overflow <- struct{}{}:
	default:
	}
}

// mapOp translates fsnotify's bitmask into the watcher's op set.
func mapOp(op fsnotify.Op) (Op, bool) {
	switch {
	case op.Has(fsnotify.Create):
		return Created, true
	case op.Has(fsnotify.Write):
		return Modified, true
	case op.Has(fsnotify.Remove):
		return Deleted, true
	case op.Has(fsnotify.Rename):
		return Renamed, true
	case op.Has(fsnotify.Chmod):
		return Modified, true
	default:
		return 0, false
	}
}
