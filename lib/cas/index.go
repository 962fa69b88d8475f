// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

package cas

import (
	"fmt"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/conveyor-fs/conveyor/lib/chunk"
	"github.com/conveyor-fs/conveyor/lib/codec"
)

// indexEntry is the per-blob record in the sidecar index. Encoded as
// deterministic CBOR under key 'e' || hash.
type indexEntry struct {
	// Refcount counts the reference edges pointing at the blob (one
	// per parent directory entry or referencing file node, plus one
	// per published root). Blobs at zero are eviction candidates.
	Refcount uint64 `json:"refcount"`

	// Size is the uncompressed payload length.
	Size int64 `json:"size"`

	// Stored is the on-disk blob file length (header + compressed
	// payload). Usage accounting sums this field.
	Stored int64 `json:"stored"`

	// LastAccess is a monotonic-ish timestamp (unix nanoseconds from
	// the store's clock) of the last Get or Put touch. Eviction
	// order is ascending LastAccess.
	LastAccess int64 `json:"last_access"`
}

const indexKeyPrefix = 'e'

func indexKey(hash chunk.Hash) []byte {
	key := make([]byte, 1+len(hash))
	key[0] = indexKeyPrefix
	copy(key[1:], hash[:])
	return key
}

// readEntry fetches the index entry for hash within txn. The second
// return value reports whether the entry exists.
func readEntry(txn *badger.Txn, hash chunk.Hash) (indexEntry, bool, error) {
	var entry indexEntry
	item, err := txn.Get(indexKey(hash))
	if err == badger.ErrKeyNotFound {
		return entry, false, nil
	}
	if err != nil {
		return entry, false, fmt.Errorf("index lookup for %s: %w", hash, err)
	}
	err = item.Value(func(value []byte) error {
		return codec.Unmarshal(value, &entry)
	})
	if err != nil {
		return entry, false, fmt.Errorf("decoding index entry for %s: %w", hash, err)
	}
	return entry, true, nil
}

// writeEntry stores the index entry for hash within txn.
func writeEntry(txn *badger.Txn, hash chunk.Hash, entry indexEntry) error {
	encoded, err := codec.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding index entry for %s: %w", hash, err)
	}
	if err := txn.Set(indexKey(hash), encoded); err != nil {
		return fmt.Errorf("writing index entry for %s: %w", hash, err)
	}
	return nil
}

// forEachEntry iterates every index entry. The callback must not
// retain the hash or entry beyond the call.
func (s *Store) forEachEntry(fn func(hash chunk.Hash, entry indexEntry) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		options := badger.DefaultIteratorOptions
		options.Prefix = []byte{indexKeyPrefix}
		iterator := txn.NewIterator(options)
		defer iterator.Close()

		for iterator.Rewind(); iterator.Valid(); iterator.Next() {
			item := iterator.Item()
			key := item.Key()
			if len(key) != 1+32 {
				continue
			}
			var hash chunk.Hash
			copy(hash[:], key[1:])

			var entry indexEntry
			err := item.Value(func(value []byte) error {
				return codec.Unmarshal(value, &entry)
			})
			if err != nil {
				return fmt.Errorf("decoding index entry for %s: %w", hash, err)
			}
			if err := fn(hash, entry); err != nil {
				return err
			}
		}
		return nil
	})
}
