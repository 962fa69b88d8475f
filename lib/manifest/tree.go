// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

package manifest

import (
	"fmt"

	"github.com/conveyor-fs/conveyor/lib/cas"
	"github.com/conveyor-fs/conveyor/lib/chunk"
	"github.com/conveyor-fs/conveyor/lib/status"
)

// Reference counting model: a blob's refcount is the number of
// reference edges pointing at it — one per parent directory entry
// for nodes, one per referencing FileNode for chunks, plus one for
// the published root itself. Edges are added with incref as nodes
// are stored and hooked into parents, and removed transitively by
// Release. Blobs whose count reaches zero stay readable until the
// CAS sweeps them, which is what lets readers holding an old root
// finish their lookups after a manifest swap.

// StoreNode serializes node, writes the blob, and returns the node
// hash. The caller is responsible for the reference edges (chunk
// refs were incref'd when the file node was assembled; the parent
// increfs this node when it links it).
func StoreNode(store *cas.Store, node *Node) (chunk.Hash, error) {
	hash, data, err := node.HashOf()
	if err != nil {
		return chunk.Hash{}, err
	}
	if _, err := store.PutDurable(hash, data); err != nil {
		return chunk.Hash{}, fmt.Errorf("storing node %q: %w", node.Name, err)
	}
	return hash, nil
}

// LoadNode reads and decodes the node blob with the given hash.
func LoadNode(store *cas.Store, hash chunk.Hash) (*Node, error) {
	data, err := store.Get(hash)
	if err != nil {
		return nil, err
	}
	node, err := Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("node %s: %w", hash, err)
	}
	return node, nil
}

// Release removes one reference edge to hash. When the count reaches
// zero the node's own outgoing edges are released transitively, so
// dropping a manifest root releases exactly the blobs no other
// manifest shares.
func Release(store *cas.Store, hash chunk.Hash) error {
	remaining, err := store.Decref(hash)
	if err != nil {
		return err
	}
	if remaining > 0 {
		return nil
	}

	data, err := store.Get(hash)
	if err != nil {
		if status.Is(err, status.NotFound) {
			// Swept between the decref and the read; its edges went
			// with it.
			return nil
		}
		return err
	}
	node, err := Unmarshal(data)
	if err != nil {
		// Chunk blobs are not nodes; they have no outgoing edges.
		return nil
	}

	switch node.Kind {
	case KindFile:
		for _, ref := range node.Chunks {
			if _, err := store.Decref(ref.Hash); err != nil {
				return err
			}
		}
	case KindDir:
		for _, entry := range node.Entries {
			if err := Release(store, entry.Hash); err != nil {
				return err
			}
		}
	}
	return nil
}

// Walk visits every node reachable from root in depth-first order.
// The callback receives the node's path relative to the root ("" for
// the root itself).
func Walk(store *cas.Store, root chunk.Hash, fn func(path string, hash chunk.Hash, node *Node) error) error {
	return walk(store, root, "", fn)
}

func walk(store *cas.Store, hash chunk.Hash, path string, fn func(string, chunk.Hash, *Node) error) error {
	node, err := LoadNode(store, hash)
	if err != nil {
		return err
	}
	if err := fn(path, hash, node); err != nil {
		return err
	}
	if node.Kind != KindDir {
		return nil
	}
	for _, entry := range node.Entries {
		childPath := entry.Name
		if path != "" {
			childPath = path + "/" + entry.Name
		}
		if err := walk(store, entry.Hash, childPath, fn); err != nil {
			return err
		}
	}
	return nil
}

// EntryFor builds the parent-directory entry describing node.
func EntryFor(node *Node, hash chunk.Hash) Entry {
	size := node.Size
	if node.Kind == KindSymlink {
		size = int64(len(node.Target))
	}
	return Entry{
		Name:  node.Name,
		Kind:  node.Kind,
		Hash:  hash,
		Size:  size,
		Mode:  node.Mode,
		MTime: node.MTime,
	}
}
