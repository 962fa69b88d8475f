// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/conveyor-fs/conveyor/lib/cas"
	"github.com/conveyor-fs/conveyor/lib/chunk"
)

// Build manifests the source directory from scratch: every file is
// chunked into the store, every node serialized and stored, every
// reference edge incref'd, and the root edge incref'd for the caller.
// The caller owns the returned root and must Release it when done.
//
// Used for the initial manifest of a new session and for the
// updater's full-rescan mode.
func Build(store *cas.Store, sourceDir string, params chunk.Params) (chunk.Hash, error) {
	_, rootHash, err := buildDir(store, sourceDir, "", params)
	if err != nil {
		return chunk.Hash{}, err
	}
	if err := store.Incref(rootHash); err != nil {
		return chunk.Hash{}, fmt.Errorf("pinning manifest root: %w", err)
	}
	return rootHash, nil
}

// buildDir manifests one directory. The returned hash has no parent
// edge yet; the caller increfs it when linking.
func buildDir(store *cas.Store, path, name string, params chunk.Params) (*Node, chunk.Hash, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return nil, chunk.Hash{}, err
	}

	listing, err := os.ReadDir(path)
	if err != nil {
		return nil, chunk.Hash{}, fmt.Errorf("listing %s: %w", path, err)
	}
	sort.Slice(listing, func(i, j int) bool { return listing[i].Name() < listing[j].Name() })

	node := &Node{
		Kind:  KindDir,
		Name:  name,
		Mode:  uint32(info.Mode().Perm()),
		MTime: info.ModTime().UnixNano(),
	}

	for _, child := range listing {
		childPath := filepath.Join(path, child.Name())

		childNode, childHash, err := buildEntry(store, childPath, child.Name(), params)
		if os.IsNotExist(err) {
			// Vanished between the listing and the visit; the
			// watcher will report it if it comes back.
			continue
		}
		if err != nil {
			return nil, chunk.Hash{}, err
		}
		if childNode == nil {
			// Irregular file (socket, device): not manifested.
			continue
		}

		if err := store.Incref(childHash); err != nil {
			return nil, chunk.Hash{}, err
		}
		node.Entries = append(node.Entries, EntryFor(childNode, childHash))
	}

	hash, err := StoreNode(store, node)
	if err != nil {
		return nil, chunk.Hash{}, err
	}
	return node, hash, nil
}

// buildEntry manifests one directory child of any kind. Returns
// (nil, zero, nil) for irregular files.
func buildEntry(store *cas.Store, path, name string, params chunk.Params) (*Node, chunk.Hash, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return nil, chunk.Hash{}, err
	}

	switch {
	case info.IsDir():
		return buildDir(store, path, name, params)

	case info.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(path)
		if err != nil {
			return nil, chunk.Hash{}, fmt.Errorf("reading symlink %s: %w", path, err)
		}
		node := &Node{
			Kind:   KindSymlink,
			Name:   name,
			Mode:   uint32(info.Mode().Perm()),
			MTime:  info.ModTime().UnixNano(),
			Target: target,
		}
		hash, err := StoreNode(store, node)
		if err != nil {
			return nil, chunk.Hash{}, err
		}
		return node, hash, nil

	case info.Mode().IsRegular():
		return BuildFile(store, path, name, params)

	default:
		return nil, chunk.Hash{}, nil
	}
}

// BuildFile chunks one regular file into the store and returns its
// FileNode (stored, chunk edges incref'd, no parent edge yet).
func BuildFile(store *cas.Store, path, name string, params chunk.Params) (*Node, chunk.Hash, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, chunk.Hash{}, err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, chunk.Hash{}, err
	}

	chunker, err := chunk.New(file, params)
	if err != nil {
		return nil, chunk.Hash{}, err
	}

	node := &Node{
		Kind:  KindFile,
		Name:  name,
		Mode:  uint32(info.Mode().Perm()),
		MTime: info.ModTime().UnixNano(),
	}

	for {
		next, err := chunker.Next()
		if err != nil {
			return nil, chunk.Hash{}, fmt.Errorf("chunking %s: %w", path, err)
		}
		if next == nil {
			break
		}
		if _, err := store.PutDurable(next.Hash, next.Data); err != nil {
			return nil, chunk.Hash{}, fmt.Errorf("storing chunk of %s: %w", path, err)
		}
		if err := store.Incref(next.Hash); err != nil {
			return nil, chunk.Hash{}, err
		}
		node.Chunks = append(node.Chunks, ChunkRef{Hash: next.Hash, Length: uint32(len(next.Data))})
		node.Size += int64(len(next.Data))
	}

	hash, err := StoreNode(store, node)
	if err != nil {
		return nil, chunk.Hash{}, err
	}
	return node, hash, nil
}
