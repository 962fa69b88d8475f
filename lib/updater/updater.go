// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

// Package updater owns a session's manifest and keeps it converged
// with the source directory as change events arrive.
//
// Events accumulate into a dirty set during a coalescing window; when
// the window closes the dirty paths are re-stat'ed and resolved
// bottom-up, changed files are re-chunked into the CAS, and the
// ancestor chain is re-serialized up to a new root that is published
// with a single atomic swap. Reference edges move with the changes:
// novel chunks and nodes are incref'd before the references they
// replace are dropped, so shared blobs never transit through zero.
//
// Events are advisory. Every dirty path is re-stat'ed before acting,
// so duplicated, reordered, or stale events cannot corrupt the
// manifest — at worst they cost a redundant re-chunk. Overflow (or a
// dirty set beyond the configured bound) degrades to a full rescan,
// which rebuilds the tree from disk and releases the old one; Merkle
// sharing makes the unchanged majority of that rebuild cheap.
package updater

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/conveyor-fs/conveyor/lib/cas"
	"github.com/conveyor-fs/conveyor/lib/chunk"
	"github.com/conveyor-fs/conveyor/lib/clock"
	"github.com/conveyor-fs/conveyor/lib/manifest"
	"github.com/conveyor-fs/conveyor/lib/watcher"
)

// Options configures an Updater.
type Options struct {
	// SourceDir is the absolute path of the streamed directory.
	SourceDir string

	// ChunkParams controls content-defined chunking.
	ChunkParams chunk.Params

	// CoalesceWindow is how long the updater waits after the last
	// event before resolving the dirty set.
	CoalesceWindow time.Duration

	// MaxWindow bounds how long resolution can be deferred while
	// events keep arriving.
	MaxWindow time.Duration

	// DirtyMax is the dirty-set size beyond which the updater
	// abandons incremental resolution and rescans the whole tree.
	DirtyMax int

	Clock  clock.Clock
	Logger *slog.Logger
}

func (o *Options) applyDefaults() {
	if o.CoalesceWindow <= 0 {
		o.CoalesceWindow = 100 * time.Millisecond
	}
	if o.MaxWindow <= 0 {
		o.MaxWindow = time.Second
	}
	if o.DirtyMax <= 0 {
		o.DirtyMax = 100_000
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Updater maintains one session's manifest. A single goroutine (the
// session's updater worker, running Run) mutates state; Root may be
// called from any goroutine.
type Updater struct {
	store   *cas.Store
	options Options

	// mu guards root for the publish swap. All other state is only
	// touched by the worker.
	mu   sync.RWMutex
	root chunk.Hash

	// dirs holds the live directory nodes by relative path ("" is
	// the root). File and symlink nodes are not cached — they are
	// rebuilt from disk when dirty.
	dirs map[string]*manifest.Node

	// hashes is the stored node hash per relative path, all kinds.
	hashes map[string]chunk.Hash

	// dirty is the pending set of relative paths.
	dirty map[string]struct{}

	// rescanPending forces a full rescan at the next flush.
	rescanPending bool
}

// New builds the initial manifest of options.SourceDir and returns
// the updater holding it.
func New(store *cas.Store, options Options) (*Updater, error) {
	options.applyDefaults()

	u := &Updater{
		store:   store,
		options: options,
		dirs:    make(map[string]*manifest.Node),
		hashes:  make(map[string]chunk.Hash),
		dirty:   make(map[string]struct{}),
	}

	rootHash, err := u.buildSubtree("", options.SourceDir)
	if err != nil {
		return nil, fmt.Errorf("building initial manifest: %w", err)
	}
	if err := store.Incref(rootHash); err != nil {
		return nil, err
	}
	u.root = rootHash
	return u, nil
}

// Root returns the currently published manifest root. Readers that
// captured an older root keep resolving against it consistently.
func (u *Updater) Root() chunk.Hash {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.root
}

// Close releases the published manifest's references.
func (u *Updater) Close() error {
	u.mu.Lock()
	root := u.root
	u.root = chunk.Hash{}
	u.mu.Unlock()
	if root.IsZero() {
		return nil
	}
	return manifest.Release(u.store, root)
}

// Run consumes watcher events until done is closed. This is the
// session's updater worker: the only goroutine that mutates the
// manifest.
func (u *Updater) Run(events <-chan watcher.Event, overflow <-chan struct{}, done <-chan struct{}) {
	var (
		idle      *clock.Timer
		deadline  *clock.Timer
		idleC     <-chan time.Time
		deadlineC <-chan time.Time
	)

	stopTimers := func() {
		if idle != nil {
			idle.Stop()
			idle, idleC = nil, nil
		}
		if deadline != nil {
			deadline.Stop()
			deadline, deadlineC = nil, nil
		}
	}

	flush := func() {
		stopTimers()
		if err := u.Flush(); err != nil {
			u.options.Logger.Error("manifest update failed", "error", err)
		}
	}

	for {
		select {
		case <-done:
			stopTimers()
			return

		case event, ok := <-events:
			if !ok {
				stopTimers()
				return
			}
			u.Mark(event.Path)

			if len(u.dirty) > u.options.DirtyMax {
				u.rescanPending = true
			}
			if idle == nil {
				idle = u.options.Clock.NewTimer(u.options.CoalesceWindow)
				idleC = idle.C
			} else {
				idle.Reset(u.options.CoalesceWindow)
			}
			if deadline == nil {
				deadline = u.options.Clock.NewTimer(u.options.MaxWindow)
				deadlineC = deadline.C
			}

		case <-overflow:
			u.rescanPending = true
			flush()

		case <-idleC:
			flush()

		case <-deadlineC:
			flush()
		}
	}
}

// Mark adds one absolute path to the dirty set. Paths outside the
// source directory are ignored.
func (u *Updater) Mark(absolutePath string) {
	relative, err := filepath.Rel(u.options.SourceDir, absolutePath)
	if err != nil || relative == ".." || strings.HasPrefix(relative, "../") {
		return
	}
	if relative == "." {
		relative = ""
	}
	u.dirty[relative] = struct{}{}
}

// Flush resolves the dirty set (or performs a pending rescan) and
// publishes the new root. Called by the worker; tests call it
// directly for deterministic sequencing.
func (u *Updater) Flush() error {
	if u.rescanPending || len(u.dirty) > u.options.DirtyMax {
		u.rescanPending = false
		u.dirty = make(map[string]struct{})
		return u.Rescan()
	}
	if len(u.dirty) == 0 {
		return nil
	}

	paths := make([]string, 0, len(u.dirty))
	for path := range u.dirty {
		paths = append(paths, path)
	}
	u.dirty = make(map[string]struct{})

	// Deepest first: a deleted directory's children resolve before
	// the directory itself.
	sort.Slice(paths, func(i, j int) bool { return depth(paths[i]) > depth(paths[j]) })

	parents := make(map[string]struct{})
	for _, path := range paths {
		if err := u.resolve(path, parents); err != nil {
			// One broken path must not abort the batch.
			u.options.Logger.Warn("dirty path not resolved", "path", path, "error", err)
		}
	}

	return u.rebuildAndPublish(parents)
}

// Rescan rebuilds the manifest from disk and atomically replaces the
// current one. Blobs shared between old and new trees are incref'd
// by the build before the release drops the old edges, so they never
// become eviction candidates in between.
func (u *Updater) Rescan() error {
	u.options.Logger.Info("manifest full rescan", "dir", u.options.SourceDir)

	oldRoot := u.Root()
	oldDirs, oldHashes := u.dirs, u.hashes
	u.dirs = make(map[string]*manifest.Node)
	u.hashes = make(map[string]chunk.Hash)

	newRoot, err := u.buildSubtree("", u.options.SourceDir)
	if err != nil {
		u.dirs, u.hashes = oldDirs, oldHashes
		return fmt.Errorf("rescanning %s: %w", u.options.SourceDir, err)
	}
	if err := u.store.Incref(newRoot); err != nil {
		return err
	}

	u.publish(newRoot)

	if !oldRoot.IsZero() {
		if err := manifest.Release(u.store, oldRoot); err != nil {
			return fmt.Errorf("releasing previous manifest: %w", err)
		}
	}
	return nil
}

// resolve re-stats one dirty path and applies the difference to the
// in-memory tree, recording the parent directories that now need
// re-serialization.
func (u *Updater) resolve(relative string, parents map[string]struct{}) error {
	if relative == "" {
		// The source directory itself: refresh its stat at publish.
		parents[""] = struct{}{}
		return nil
	}

	absolute := filepath.Join(u.options.SourceDir, relative)
	parent := parentPath(relative)
	parentNode, ok := u.dirs[parent]
	if !ok {
		// The parent is not part of the manifest (yet): it is either
		// dirty itself and will be built as a subtree, or it vanished.
		return nil
	}

	info, err := os.Lstat(absolute)
	switch {
	case os.IsNotExist(err):
		return u.removePath(relative, parentNode, parents)
	case err != nil:
		return fmt.Errorf("stat %s: %w", absolute, err)
	}

	name := filepath.Base(relative)

	switch {
	case info.IsDir():
		if _, known := u.dirs[relative]; known {
			// Existing directory: its own stat fields are refreshed
			// when its node is re-serialized.
			parents[relative] = struct{}{}
			parents[parent] = struct{}{}
			return nil
		}
		// New directory (or a file replaced by one): build the whole
		// subtree — its contents may predate the watch.
		if err := u.releaseTree(relative); err != nil {
			return err
		}
		subtreeHash, err := u.buildSubtree(relative, absolute)
		if err != nil {
			return err
		}
		if err := u.store.Incref(subtreeHash); err != nil {
			return err
		}
		parentNode.ReplaceEntry(manifest.EntryFor(u.dirs[relative], subtreeHash))
		parents[parent] = struct{}{}
		return nil

	case info.Mode().IsRegular():
		_, hash, err := manifest.BuildFile(u.store, absolute, name, u.options.ChunkParams)
		if os.IsNotExist(err) {
			// Vanished mid-chunking: treat as a delete.
			return u.removePath(relative, parentNode, parents)
		}
		if err != nil {
			return err
		}
		u.linkChild(parentNode, relative, hash, parents)
		return nil

	case info.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(absolute)
		if err != nil {
			return fmt.Errorf("readlink %s: %w", absolute, err)
		}
		node := &manifest.Node{
			Kind:   manifest.KindSymlink,
			Name:   name,
			Mode:   uint32(info.Mode().Perm()),
			MTime:  info.ModTime().UnixNano(),
			Target: target,
		}
		hash, err := manifest.StoreNode(u.store, node)
		if err != nil {
			return err
		}
		u.linkChild(parentNode, relative, hash, parents)
		return nil

	default:
		// Irregular file: remove any manifested predecessor.
		return u.removePath(relative, parentNode, parents)
	}
}

// linkChild installs the new node version for relative into its
// parent directory, moving the reference edge from the previous
// version. The new node's own references (chunks) were incref'd when
// it was built, before the old version is released, so blobs shared
// between versions never transit through refcount zero. No-op if the
// version is unchanged.
func (u *Updater) linkChild(parentNode *manifest.Node, relative string, newHash chunk.Hash, parents map[string]struct{}) {
	node, err := manifest.LoadNode(u.store, newHash)
	if err != nil {
		u.options.Logger.Error("freshly stored node unreadable", "path", relative, "error", err)
		return
	}

	previous := u.hashes[relative]
	if previous == newHash {
		// Same version re-chunked (spurious event): drop the chunk
		// edges the rebuild just added, the existing ones stand.
		for _, ref := range node.Chunks {
			if _, err := u.store.Decref(ref.Hash); err != nil {
				u.options.Logger.Warn("dropping duplicate chunk edge failed", "path", relative, "error", err)
			}
		}
		return
	}

	if err := u.store.Incref(newHash); err != nil {
		u.options.Logger.Error("incref of new node failed", "path", relative, "error", err)
		return
	}
	parentNode.ReplaceEntry(manifest.EntryFor(node, newHash))

	if !previous.IsZero() {
		if err := u.releaseTree(relative); err != nil {
			u.options.Logger.Warn("releasing replaced node failed", "path", relative, "error", err)
		}
	}
	u.hashes[relative] = newHash
	parents[parentPath(relative)] = struct{}{}
}

// removePath drops relative (and, for directories, its whole
// subtree) from the manifest.
func (u *Updater) removePath(relative string, parentNode *manifest.Node, parents map[string]struct{}) error {
	name := filepath.Base(relative)
	entry := parentNode.RemoveEntry(name)
	if entry == nil {
		return nil
	}
	parents[parentPath(relative)] = struct{}{}
	return u.releaseTree(relative)
}

// releaseTree drops the reference edges of the subtree rooted at
// relative, walking the in-memory state rather than the stored
// directory nodes: mid-batch, stored directory blobs are stale (they
// still reference children whose edges were already moved or
// dropped), so cascading through them would double-release.
func (u *Updater) releaseTree(relative string) error {
	hash, ok := u.hashes[relative]
	if !ok {
		return nil
	}
	dirNode, isDir := u.dirs[relative]
	delete(u.hashes, relative)
	delete(u.dirs, relative)

	if !isDir {
		// Files and symlinks are immutable nodes: the stored form is
		// accurate, so the transitive release is safe.
		return manifest.Release(u.store, hash)
	}

	for _, entry := range dirNode.Entries {
		childRelative := entry.Name
		if relative != "" {
			childRelative = relative + "/" + entry.Name
		}
		if err := u.releaseTree(childRelative); err != nil {
			return err
		}
	}
	_, err := u.store.Decref(hash)
	return err
}

// rebuildAndPublish re-serializes the changed directories strictly
// bottom-up and publishes the new root. Directories are processed in
// descending-depth buckets so a parent queued mid-pass is always
// handled after every changed child, never before.
func (u *Updater) rebuildAndPublish(parents map[string]struct{}) error {
	if len(parents) == 0 {
		return nil
	}

	byDepth := make(map[int][]string)
	queued := make(map[string]struct{})
	maxDepth := -1
	enqueue := func(dirPath string) {
		if _, ok := queued[dirPath]; ok {
			return
		}
		queued[dirPath] = struct{}{}
		d := depth(dirPath)
		byDepth[d] = append(byDepth[d], dirPath)
		if d > maxDepth {
			maxDepth = d
		}
	}
	for dirPath := range parents {
		enqueue(dirPath)
	}

	for d := maxDepth; d >= -1; d-- {
		for _, dirPath := range byDepth[d] {
			dirNode, ok := u.dirs[dirPath]
			if !ok {
				// Removed while dirty.
				continue
			}

			// Refresh the directory's own stat fields: its content
			// changed, so its mtime did too.
			absolute := filepath.Join(u.options.SourceDir, dirPath)
			if info, err := os.Lstat(absolute); err == nil {
				dirNode.Mode = uint32(info.Mode().Perm())
				dirNode.MTime = info.ModTime().UnixNano()
			}

			newHash, err := manifest.StoreNode(u.store, dirNode)
			if err != nil {
				return err
			}
			previous := u.hashes[dirPath]
			if newHash == previous {
				continue
			}

			if err := u.store.Incref(newHash); err != nil {
				return err
			}
			u.hashes[dirPath] = newHash

			if dirPath == "" {
				// The root: swap the published pointer.
				u.publish(newHash)
			} else {
				// Move the parent's edge to the new version and
				// queue the parent for its own re-serialization.
				parentOfDir := parentPath(dirPath)
				if parentNode, ok := u.dirs[parentOfDir]; ok {
					parentNode.ReplaceEntry(manifest.EntryFor(dirNode, newHash))
				}
				enqueue(parentOfDir)
			}

			if !previous.IsZero() {
				if _, err := u.store.Decref(previous); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// publish swaps the published root pointer. The only writer is the
// updater worker; the lock makes the swap visible to readers.
func (u *Updater) publish(root chunk.Hash) {
	u.mu.Lock()
	u.root = root
	u.mu.Unlock()
}

// buildSubtree manifests the directory at absolute (relative path
// relative within the manifest) and registers every built node in
// the updater's maps. Mirrors manifest.Build but keeps the path
// index the incremental path needs.
func (u *Updater) buildSubtree(relative, absolute string) (chunk.Hash, error) {
	info, err := os.Lstat(absolute)
	if err != nil {
		return chunk.Hash{}, err
	}

	listing, err := os.ReadDir(absolute)
	if err != nil {
		return chunk.Hash{}, fmt.Errorf("listing %s: %w", absolute, err)
	}

	name := ""
	if relative != "" {
		name = filepath.Base(relative)
	}
	node := &manifest.Node{
		Kind:  manifest.KindDir,
		Name:  name,
		Mode:  uint32(info.Mode().Perm()),
		MTime: info.ModTime().UnixNano(),
	}

	for _, child := range listing {
		childRelative := child.Name()
		if relative != "" {
			childRelative = relative + "/" + child.Name()
		}
		childAbsolute := filepath.Join(absolute, child.Name())

		childInfo, err := os.Lstat(childAbsolute)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return chunk.Hash{}, err
		}

		var childNode *manifest.Node
		var childHash chunk.Hash

		switch {
		case childInfo.IsDir():
			childHash, err = u.buildSubtree(childRelative, childAbsolute)
			if err != nil {
				return chunk.Hash{}, err
			}
			childNode = u.dirs[childRelative]

		case childInfo.Mode().IsRegular():
			childNode, childHash, err = manifest.BuildFile(u.store, childAbsolute, child.Name(), u.options.ChunkParams)
			if os.IsNotExist(err) {
				continue
			}
			if err != nil {
				u.options.Logger.Warn("file skipped during build", "path", childAbsolute, "error", err)
				continue
			}

		case childInfo.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(childAbsolute)
			if err != nil {
				continue
			}
			childNode = &manifest.Node{
				Kind:   manifest.KindSymlink,
				Name:   child.Name(),
				Mode:   uint32(childInfo.Mode().Perm()),
				MTime:  childInfo.ModTime().UnixNano(),
				Target: target,
			}
			childHash, err = manifest.StoreNode(u.store, childNode)
			if err != nil {
				return chunk.Hash{}, err
			}

		default:
			continue
		}

		if err := u.store.Incref(childHash); err != nil {
			return chunk.Hash{}, err
		}
		u.hashes[childRelative] = childHash
		node.Entries = append(node.Entries, manifest.EntryFor(childNode, childHash))
	}

	node.SortEntries()
	hash, err := manifest.StoreNode(u.store, node)
	if err != nil {
		return chunk.Hash{}, err
	}
	u.dirs[relative] = node
	u.hashes[relative] = hash
	return hash, nil
}

// depth counts path separators; "" (the root) is depth -1 so it
// sorts last in deepest-first order.
func depth(path string) int {
	if path == "" {
		return -1
	}
	return strings.Count(path, "/")
}

func parentPath(path string) string {
	index := strings.LastIndexByte(path, '/')
	if index < 0 {
		return ""
	}
	return path[:index]
}
