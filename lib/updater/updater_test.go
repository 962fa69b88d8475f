// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

package updater

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/conveyor-fs/conveyor/lib/cas"
	"github.com/conveyor-fs/conveyor/lib/chunk"
	"github.com/conveyor-fs/conveyor/lib/clock"
	"github.com/conveyor-fs/conveyor/lib/manifest"
	"github.com/conveyor-fs/conveyor/lib/watcher"
)

func openStore(t *testing.T) *cas.Store {
	t.Helper()
	store, err := cas.Open(cas.Options{Root: t.TempDir(), Codec: cas.CodecZstd, Clock: clock.Real()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func newUpdater(t *testing.T, store *cas.Store, sourceDir string) *Updater {
	t.Helper()
	u, err := New(store, Options{
		SourceDir:   sourceDir,
		ChunkParams: chunk.DefaultParams(),
	})
	if err != nil {
		t.Fatal(err)
	}
	return u
}

// assertConverged rebuilds the source tree into a fresh store and
// checks the updater's published root matches bit-for-bit.
func assertConverged(t *testing.T, u *Updater, sourceDir string) {
	t.Helper()
	reference, err := manifest.Build(openStore(t), sourceDir, chunk.DefaultParams())
	if err != nil {
		t.Fatal(err)
	}
	if got := u.Root(); got != reference {
		t.Errorf("updater root %s does not match fresh build %s", got, reference)
	}
}

func mustWrite(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestCreateModifyDelete(t *testing.T) {
	sourceDir := t.TempDir()
	store := openStore(t)
	u := newUpdater(t, store, sourceDir)

	emptyRoot := u.Root()

	// Create a 10 KiB file.
	content := make([]byte, 10*1024)
	for i := range content {
		content[i] = byte(i % 251)
	}
	filePath := filepath.Join(sourceDir, "f")
	mustWrite(t, filePath, content)
	u.Mark(filePath)
	if err := u.Flush(); err != nil {
		t.Fatal(err)
	}
	if u.Root() == emptyRoot {
		t.Fatal("root unchanged after file creation")
	}
	assertConverged(t, u, sourceDir)

	// Remember the chunks of the first version.
	var firstChunks []chunk.Hash
	err := manifest.Walk(store, u.Root(), func(path string, hash chunk.Hash, node *manifest.Node) error {
		for _, ref := range node.Chunks {
			firstChunks = append(firstChunks, ref.Hash)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(firstChunks) == 0 {
		t.Fatal("no chunks recorded for f")
	}

	// Append 100 bytes.
	mustWrite(t, filePath, append(content, make([]byte, 100)...))
	u.Mark(filePath)
	if err := u.Flush(); err != nil {
		t.Fatal(err)
	}
	assertConverged(t, u, sourceDir)

	// Delete.
	if err := os.Remove(filePath); err != nil {
		t.Fatal(err)
	}
	u.Mark(filePath)
	if err := u.Flush(); err != nil {
		t.Fatal(err)
	}
	assertConverged(t, u, sourceDir)

	// Every chunk of the original version is unreferenced now.
	for _, hash := range firstChunks {
		count, err := store.Refcount(hash)
		if err != nil {
			t.Fatalf("refcount(%s): %v", hash, err)
		}
		if count != 0 {
			t.Errorf("chunk %s refcount = %d after delete, want 0", hash, count)
		}
	}
}

func TestNestedDirectoryLifecycle(t *testing.T) {
	sourceDir := t.TempDir()
	store := openStore(t)
	u := newUpdater(t, store, sourceDir)

	// A new directory with content that predates its create event.
	mustWrite(t, filepath.Join(sourceDir, "pkg", "deep", "one.txt"), []byte("one"))
	mustWrite(t, filepath.Join(sourceDir, "pkg", "two.txt"), []byte("two"))
	u.Mark(filepath.Join(sourceDir, "pkg"))
	if err := u.Flush(); err != nil {
		t.Fatal(err)
	}
	assertConverged(t, u, sourceDir)

	// Deleting the directory tree.
	if err := os.RemoveAll(filepath.Join(sourceDir, "pkg")); err != nil {
		t.Fatal(err)
	}
	u.Mark(filepath.Join(sourceDir, "pkg", "deep", "one.txt"))
	u.Mark(filepath.Join(sourceDir, "pkg", "deep"))
	u.Mark(filepath.Join(sourceDir, "pkg", "two.txt"))
	u.Mark(filepath.Join(sourceDir, "pkg"))
	if err := u.Flush(); err != nil {
		t.Fatal(err)
	}
	assertConverged(t, u, sourceDir)
}

func TestRenameAsDeletePlusCreate(t *testing.T) {
	sourceDir := t.TempDir()
	store := openStore(t)

	mustWrite(t, filepath.Join(sourceDir, "old.txt"), []byte("payload"))
	u := newUpdater(t, store, sourceDir)

	if err := os.Rename(filepath.Join(sourceDir, "old.txt"), filepath.Join(sourceDir, "new.txt")); err != nil {
		t.Fatal(err)
	}
	u.Mark(filepath.Join(sourceDir, "old.txt"))
	u.Mark(filepath.Join(sourceDir, "new.txt"))
	if err := u.Flush(); err != nil {
		t.Fatal(err)
	}
	assertConverged(t, u, sourceDir)
}

func TestSymlinkReplacesFile(t *testing.T) {
	sourceDir := t.TempDir()
	store := openStore(t)

	mustWrite(t, filepath.Join(sourceDir, "config"), []byte("inline"))
	u := newUpdater(t, store, sourceDir)

	path := filepath.Join(sourceDir, "config")
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("configs/default.yaml", path); err != nil {
		t.Fatal(err)
	}
	u.Mark(path)
	if err := u.Flush(); err != nil {
		t.Fatal(err)
	}
	assertConverged(t, u, sourceDir)
}

func TestRescanConverges(t *testing.T) {
	sourceDir := t.TempDir()
	store := openStore(t)

	mustWrite(t, filepath.Join(sourceDir, "a.txt"), []byte("alpha"))
	u := newUpdater(t, store, sourceDir)

	// Mutate behind the updater's back, then rescan.
	mustWrite(t, filepath.Join(sourceDir, "b", "beta.txt"), []byte("beta"))
	if err := os.Remove(filepath.Join(sourceDir, "a.txt")); err != nil {
		t.Fatal(err)
	}
	if err := u.Rescan(); err != nil {
		t.Fatal(err)
	}
	assertConverged(t, u, sourceDir)
}

func TestFlushWithoutChangesKeepsRoot(t *testing.T) {
	sourceDir := t.TempDir()
	store := openStore(t)

	mustWrite(t, filepath.Join(sourceDir, "stable.txt"), []byte("stable"))
	u := newUpdater(t, store, sourceDir)

	before := u.Root()
	u.Mark(filepath.Join(sourceDir, "stable.txt"))
	if err := u.Flush(); err != nil {
		t.Fatal(err)
	}
	// The file was re-stat'ed and re-chunked to the same node hash;
	// nothing above it changes.
	if u.Root() != before {
		t.Error("root changed though the tree did not")
	}
}

func TestCloseReleasesEverything(t *testing.T) {
	sourceDir := t.TempDir()
	store := openStore(t)

	mustWrite(t, filepath.Join(sourceDir, "x", "y.txt"), []byte("payload"))
	u := newUpdater(t, store, sourceDir)

	var reachable []chunk.Hash
	err := manifest.Walk(store, u.Root(), func(path string, hash chunk.Hash, node *manifest.Node) error {
		reachable = append(reachable, hash)
		for _, ref := range node.Chunks {
			reachable = append(reachable, ref.Hash)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := u.Close(); err != nil {
		t.Fatal(err)
	}
	for _, hash := range reachable {
		count, err := store.Refcount(hash)
		if err != nil {
			t.Fatal(err)
		}
		if count != 0 {
			t.Errorf("blob %s refcount = %d after close, want 0", hash, count)
		}
	}
}

func TestRunCoalescesEvents(t *testing.T) {
	sourceDir := t.TempDir()
	store := openStore(t)
	fake := clock.Fake(time.Unix(0, 0))

	u, err := New(store, Options{
		SourceDir:   sourceDir,
		ChunkParams: chunk.DefaultParams(),
		Clock:       fake,
	})
	if err != nil {
		t.Fatal(err)
	}

	events := make(chan watcher.Event, 16)
	overflow := make(chan struct{})
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		u.Run(events, overflow, done)
		close(finished)
	}()

	before := u.Root()
	path := filepath.Join(sourceDir, "burst.txt")
	mustWrite(t, path, []byte("burst"))
	events <- watcher.Event{Path: path, Op: watcher.Created}
	events <- watcher.Event{Path: path, Op: watcher.Modified}

	// Drive the fake clock until the coalescing window elapses and
	// the worker publishes.
	deadline := time.Now().Add(5 * time.Second)
	for u.Root() == before {
		if time.Now().After(deadline) {
			t.Fatal("updater did not publish within the test deadline")
		}
		fake.Advance(100 * time.Millisecond)
		time.Sleep(time.Millisecond)
	}

	close(done)
	<-finished
	assertConverged(t, u, sourceDir)
}
