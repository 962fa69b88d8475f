// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

package manifest

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/conveyor-fs/conveyor/lib/cas"
	"github.com/conveyor-fs/conveyor/lib/chunk"
	"github.com/conveyor-fs/conveyor/lib/clock"
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

// writeTree creates the S2 fixture: a.txt and sub/b.txt. Fixed mtimes
// keep the manifest bit-identical across test runs.
func writeTree(t *testing.T, root string) {
	t.Helper()
	mtime := time.Unix(1700000000, 0)

	write := func(relative, content string) {
		path := filepath.Join(root, relative)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
		if err := os.Chtimes(path, mtime, mtime); err != nil {
			t.Fatal(err)
		}
	}
	write("a.txt", "hello")
	write("sub/b.txt", "world")
	for _, dir := range []string{filepath.Join(root, "sub"), root} {
		if err := os.Chtimes(dir, mtime, mtime); err != nil {
			t.Fatal(err)
		}
	}
}

func TestBuildDeterministic(t *testing.T) {
	sourceDir := t.TempDir()
	writeTree(t, sourceDir)

	// Two independent stores simulate two independent processes.
	first, err := Build(openStore(t), sourceDir, chunk.DefaultParams())
	if err != nil {
		t.Fatal(err)
	}
	second, err := Build(openStore(t), sourceDir, chunk.DefaultParams())
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Errorf("root hashes differ across builds: %s vs %s", first, second)
	}
}

func TestModifyChangesOnlyAffectedHashes(t *testing.T) {
	sourceDir := t.TempDir()
	writeTree(t, sourceDir)
	store := openStore(t)

	before, err := Build(store, sourceDir, chunk.DefaultParams())
	if err != nil {
		t.Fatal(err)
	}
	hashesBefore := map[string]chunk.Hash{}
	err = Walk(store, before, func(path string, hash chunk.Hash, node *Node) error {
		hashesBefore[path] = hash
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(filepath.Join(sourceDir, "sub", "b.txt"), []byte("world!"), 0o644); err != nil {
		t.Fatal(err)
	}

	after, err := Build(store, sourceDir, chunk.DefaultParams())
	if err != nil {
		t.Fatal(err)
	}
	hashesAfter := map[string]chunk.Hash{}
	err = Walk(store, after, func(path string, hash chunk.Hash, node *Node) error {
		hashesAfter[path] = hash
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	if hashesAfter["a.txt"] != hashesBefore["a.txt"] {
		t.Error("a.txt hash changed though the file did not")
	}
	for _, path := range []string{"", "sub", "sub/b.txt"} {
		if hashesAfter[path] == hashesBefore[path] {
			t.Errorf("%q hash unchanged though b.txt was modified", path)
		}
	}
}

func TestNodeRoundTrip(t *testing.T) {
	node := &Node{
		Kind:  KindFile,
		Name:  "model.bin",
		Mode:  0o644,
		MTime: 1700000000_000000001,
		Size:  10,
		Chunks: []ChunkRef{
			{Hash: chunk.HashBytes([]byte("x")), Length: 4},
			{Hash: chunk.HashBytes([]byte("y")), Length: 6},
		},
	}

	data, err := node.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := Unmarshal(data)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.Name != node.Name || decoded.Size != node.Size || len(decoded.Chunks) != 2 {
		t.Error("round trip lost fields")
	}

	// Canonical bytes: marshaling again must be identical.
	again, err := decoded.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	if string(again) != string(data) {
		t.Error("re-marshal produced different bytes")
	}
}

func TestNodeValidate(t *testing.T) {
	bad := &Node{
		Kind:   KindFile,
		Name:   "f",
		Size:   100,
		Chunks: []ChunkRef{{Length: 50}},
	}
	if err := bad.Validate(); err == nil {
		t.Error("chunk length sum mismatch not caught")
	}

	unsorted := &Node{
		Kind: KindDir,
		Name: "d",
		Entries: []Entry{
			{Name: "b", Kind: KindFile},
			{Name: "a", Kind: KindFile},
		},
	}
	if err := unsorted.Validate(); err == nil {
		t.Error("unsorted entries not caught")
	}
}

func TestDirEntryOperations(t *testing.T) {
	dir := &Node{Kind: KindDir, Name: "d"}
	for _, name := range []string{"charlie", "alpha", "bravo"} {
		dir.ReplaceEntry(Entry{Name: name, Kind: KindFile})
	}
	if dir.Entries[0].Name != "alpha" || dir.Entries[2].Name != "charlie" {
		t.Fatalf("entries not sorted: %v", dir.Entries)
	}
	if dir.FindEntry("bravo") == nil {
		t.Error("FindEntry missed an existing entry")
	}
	if dir.FindEntry("delta") != nil {
		t.Error("FindEntry invented an entry")
	}
	if removed := dir.RemoveEntry("bravo"); removed == nil {
		t.Error("RemoveEntry missed an existing entry")
	}
	if len(dir.Entries) != 2 {
		t.Errorf("entries = %d after removal, want 2", len(dir.Entries))
	}
}

func TestReleaseDropsExclusiveBlobs(t *testing.T) {
	sourceDir := t.TempDir()
	writeTree(t, sourceDir)
	store := openStore(t)

	root, err := Build(store, sourceDir, chunk.DefaultParams())
	if err != nil {
		t.Fatal(err)
	}

	// Collect every reachable hash before releasing.
	var reachable []chunk.Hash
	err = Walk(store, root, func(path string, hash chunk.Hash, node *Node) error {
		reachable = append(reachable, hash)
		for _, ref := range node.Chunks {
			reachable = append(reachable, ref.Hash)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := Release(store, root); err != nil {
		t.Fatal(err)
	}

	for _, hash := range reachable {
		count, err := store.Refcount(hash)
		if err != nil {
			t.Fatalf("refcount(%s): %v", hash, err)
		}
		if count != 0 {
			t.Errorf("blob %s refcount = %d after release, want 0", hash, count)
		}
	}
}
