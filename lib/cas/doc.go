// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

// Package cas implements the process-wide content-addressed store.
//
// Blobs (file chunks and serialized manifest nodes) live as
// individual files sharded by the first byte of their hash:
//
//	<root>/blobs/<hex[:2]>/<hex>
//
// Each blob file carries a one-byte compression tag and the
// uncompressed length ahead of the payload, so reads always return
// the exact original bytes regardless of the codec chosen at write
// time.
//
// A sidecar Badger database at <root>/index holds per-blob reference
// counts, sizes, and last-access times. Badger's write-ahead log is
// the crash journal: refcount changes are committed before they are
// acknowledged, and Open reconciles the blob directories against the
// index — orphan blobs are adopted at refcount zero, and indexed
// blobs missing from disk are reported so callers can invalidate the
// manifests that reference them.
//
// Eviction is driven by refcounts: only refcount-zero blobs are
// candidates, evicted in ascending last-access order. The maintenance
// loop sweeps whenever usage crosses the configured high-water mark,
// down to the low-water mark.
package cas
