// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

package chunk

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// Hash is a 32-byte BLAKE3 digest. Chunk identities, manifest node
// identities, and manifest roots are all this size.
type Hash [32]byte

// domainKey is a 32-byte key for BLAKE3 keyed hashing. Domain
// separation ensures the same bytes hash differently as chunk content
// and as a serialized manifest node, so a crafted file body can never
// collide with a directory record.
type domainKey [32]byte

// Domain separation keys. Protocol constants — changing them
// invalidates every stored chunk and manifest. The byte values are
// the ASCII domain name zero-padded to 32 bytes, which keeps them
// readable in hex dumps without weakening BLAKE3 keyed mode.
var (
	chunkDomainKey = domainKey{
		'c', 'o', 'n', 'v', 'e', 'y', 'o', 'r', '.', 'c', 'a', 's', '.',
		'c', 'h', 'u', 'n', 'k', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}

	nodeDomainKey = domainKey{
		'c', 'o', 'n', 'v', 'e', 'y', 'o', 'r', '.', 'm', 'a', 'n', 'i',
		'f', 'e', 's', 't', '.', 'n', 'o', 'd', 'e', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}
)

// HashBytes computes the chunk-domain hash of data. This is the chunk
// identity stored in manifests and used as the CAS key for content
// blobs.
func HashBytes(data []byte) Hash {
	return keyedHash(chunkDomainKey, data)
}

// HashNode computes the node-domain hash of a serialized manifest
// node. Used as the CAS key for node blobs and as the manifest root
// identity.
func HashNode(serialized []byte) Hash {
	return keyedHash(nodeDomainKey, serialized)
}

// MarshalBinary encodes the hash as its raw 32 bytes, which CBOR
// serializes as a byte string rather than an integer array.
func (h Hash) MarshalBinary() ([]byte, error) {
	return h[:], nil
}

// UnmarshalBinary decodes a raw 32-byte hash.
func (h *Hash) UnmarshalBinary(data []byte) error {
	if len(data) != len(h) {
		return fmt.Errorf("hash is %d bytes, want %d", len(data), len(h))
	}
	copy(h[:], data)
	return nil
}

// String returns the canonical lowercase hex form of a hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether the hash is all zeroes. The zero hash is
// never a valid chunk or node identity and doubles as "no hash" in
// wire messages.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// Parse parses a 64-character hex string into a Hash.
func Parse(hexString string) (Hash, error) {
	var hash Hash
	decoded, err := hex.DecodeString(hexString)
	if err != nil {
		return hash, fmt.Errorf("parsing hash: %w", err)
	}
	if len(decoded) != len(hash) {
		return hash, fmt.Errorf("hash is %d bytes, want %d", len(decoded), len(hash))
	}
	copy(hash[:], decoded)
	return hash, nil
}

// keyedHash computes a one-shot BLAKE3 keyed hash.
func keyedHash(key domainKey, data []byte) Hash {
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		panic("chunk: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(data)
	var hash Hash
	copy(hash[:], hasher.Sum(nil))
	return hash
}
