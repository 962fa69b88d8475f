// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

// Package manifest models a source tree as a Merkle tree of
// directory, file, and symlink nodes stored in the CAS.
//
// A node's identity is the node-domain BLAKE3 hash of its canonical
// CBOR serialization. Directory nodes embed only the hashes of their
// children (plus the stat fields ReadDir needs), so re-hashing an
// unchanged subtree is O(1) and the root hash over an unchanged
// source tree is bit-identical across runs and machines.
package manifest

import (
	"fmt"
	"sort"

	"github.com/conveyor-fs/conveyor/lib/chunk"
	"github.com/conveyor-fs/conveyor/lib/codec"
)

// Kind discriminates node types. Wire and storage constant.
type Kind uint8

const (
	KindFile    Kind = 1
	KindDir     Kind = 2
	KindSymlink Kind = 3
)

// String returns the kind's name as shown in listings.
func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDir:
		return "dir"
	case KindSymlink:
		return "symlink"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ChunkRef references one chunk of a file's content. Length is
// redundant with the CAS index but kept in the manifest so streaming
// decisions (read-ahead, range math) need no store lookups.
type ChunkRef struct {
	Hash   chunk.Hash `json:"hash"`
	Length uint32     `json:"length"`
}

// Entry is a directory's reference to one child. The stat fields
// mirror the child node so ReadDir answers from the directory node
// alone.
type Entry struct {
	Name  string     `json:"name"`
	Kind  Kind       `json:"kind"`
	Hash  chunk.Hash `json:"hash"`
	Size  int64      `json:"size"`
	Mode  uint32     `json:"mode"`
	MTime int64      `json:"mtime"`
}

// Node is a manifest tree node. Exactly one of the kind-specific
// field groups is populated: Chunks for files, Entries for
// directories, Target for symlinks.
type Node struct {
	Kind Kind   `json:"kind"`
	Name string `json:"name"`
	Mode uint32 `json:"mode"`

	// MTime is the modification time in unix nanoseconds.
	MTime int64 `json:"mtime"`

	// Size is the file content length in bytes. Zero for
	// directories and symlinks.
	Size int64 `json:"size,omitempty"`

	// Chunks is the ordered chunk list covering a file's content.
	// Empty file ⇒ empty list.
	Chunks []ChunkRef `json:"chunks,omitempty"`

	// Entries are a directory's children, sorted by name.
	Entries []Entry `json:"entries,omitempty"`

	// Target is a symlink's target path, stored verbatim.
	Target string `json:"target,omitempty"`
}

// Marshal returns the node's canonical serialized form. The bytes
// are deterministic: hashing them yields the node identity.
func (n *Node) Marshal() ([]byte, error) {
	if err := n.Validate(); err != nil {
		return nil, err
	}
	return codec.Marshal(n)
}

// Unmarshal decodes a serialized node.
func Unmarshal(data []byte) (*Node, error) {
	var node Node
	if err := codec.Unmarshal(data, &node); err != nil {
		return nil, fmt.Errorf("decoding manifest node: %w", err)
	}
	if err := node.Validate(); err != nil {
		return nil, err
	}
	return &node, nil
}

// HashOf serializes the node and returns its identity hash along
// with the serialized bytes.
func (n *Node) HashOf() (chunk.Hash, []byte, error) {
	data, err := n.Marshal()
	if err != nil {
		return chunk.Hash{}, nil, err
	}
	return chunk.HashNode(data), data, nil
}

// Validate checks the node's structural invariants.
func (n *Node) Validate() error {
	switch n.Kind {
	case KindFile:
		var total int64
		for _, ref := range n.Chunks {
			total += int64(ref.Length)
		}
		if total != n.Size {
			return fmt.Errorf("file %q: chunk lengths sum to %d, size says %d", n.Name, total, n.Size)
		}
		if len(n.Entries) != 0 || n.Target != "" {
			return fmt.Errorf("file %q carries directory or symlink fields", n.Name)
		}

	case KindDir:
		for i := 1; i < len(n.Entries); i++ {
			if n.Entries[i-1].Name >= n.Entries[i].Name {
				return fmt.Errorf("directory %q: entries unsorted or duplicated at %q", n.Name, n.Entries[i].Name)
			}
		}
		if len(n.Chunks) != 0 || n.Target != "" || n.Size != 0 {
			return fmt.Errorf("directory %q carries file or symlink fields", n.Name)
		}

	case KindSymlink:
		if n.Target == "" {
			return fmt.Errorf("symlink %q has empty target", n.Name)
		}
		if len(n.Chunks) != 0 || len(n.Entries) != 0 {
			return fmt.Errorf("symlink %q carries file or directory fields", n.Name)
		}

	default:
		return fmt.Errorf("node %q has unknown kind %d", n.Name, n.Kind)
	}
	return nil
}

// SortEntries sorts a directory's entries into canonical order.
func (n *Node) SortEntries() {
	sort.Slice(n.Entries, func(i, j int) bool {
		return n.Entries[i].Name < n.Entries[j].Name
	})
}

// FindEntry returns the child entry with the given name, or nil.
// Entries are sorted, so this is a binary search.
func (n *Node) FindEntry(name string) *Entry {
	low, high := 0, len(n.Entries)
	for low < high {
		mid := (low + high) / 2
		if n.Entries[mid].Name < name {
			low = mid + 1
		} else {
			high = mid
		}
	}
	if low < len(n.Entries) && n.Entries[low].Name == name {
		return &n.Entries[low]
	}
	return nil
}

// ReplaceEntry inserts or replaces the child entry with entry.Name,
// keeping the slice sorted. Returns the previous entry, or nil.
func (n *Node) ReplaceEntry(entry Entry) *Entry {
	if existing := n.FindEntry(entry.Name); existing != nil {
		previous := *existing
		*existing = entry
		return &previous
	}
	n.Entries = append(n.Entries, entry)
	n.SortEntries()
	return nil
}

// RemoveEntry deletes the child entry with the given name. Returns
// the removed entry, or nil if absent.
func (n *Node) RemoveEntry(name string) *Entry {
	for i := range n.Entries {
		if n.Entries[i].Name == name {
			removed := n.Entries[i]
			n.Entries = append(n.Entries[:i], n.Entries[i+1:]...)
			return &removed
		}
	}
	return nil
}
