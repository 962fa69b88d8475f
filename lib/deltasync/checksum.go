// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

package deltasync

import "github.com/zeebo/blake3"

// The weak checksum is the classic two-part rolling sum over a
// window of n bytes:
//
//	a = Σ x[i]           mod 65536
//	b = Σ (n−i)·x[i]     mod 65536
//	weak = a | b<<16
//
// It is cheap to slide one byte at a time, which is what lets the
// matcher scan the source byte-by-byte against the destination's
// block table. Collisions are expected and resolved by the strong
// checksum.

// strongSumSize is the truncated strong checksum length. 128 bits is
// ample for block identity within one file.
const strongSumSize = 16

// weakSum computes the weak checksum of data from scratch.
func weakSum(data []byte) uint32 {
	var a, b uint32
	n := uint32(len(data))
	for i, x := range data {
		a += uint32(x)
		b += (n - uint32(i)) * uint32(x)
	}
	return (a & 0xFFFF) | (b&0xFFFF)<<16
}

// rollingSum slides a weak checksum across a byte stream one
// position at a time.
type rollingSum struct {
	a, b uint32
	n    uint32
}

// init computes the initial sums over the first window.
func (r *rollingSum) init(window []byte) {
	r.a, r.b = 0, 0
	r.n = uint32(len(window))
	for i, x := range window {
		r.a += uint32(x)
		r.b += (r.n - uint32(i)) * uint32(x)
	}
}

// roll advances the window one byte: out leaves the front, in enters
// the back.
func (r *rollingSum) roll(out, in byte) {
	r.a = r.a - uint32(out) + uint32(in)
	r.b = r.b - r.n*uint32(out) + r.a
}

// sum returns the current combined weak checksum.
func (r *rollingSum) sum() uint32 {
	return (r.a & 0xFFFF) | (r.b&0xFFFF)<<16
}

// strongSum computes the truncated BLAKE3 strong checksum of a
// block.
func strongSum(data []byte) []byte {
	digest := blake3.Sum256(data)
	return digest[:strongSumSize]
}

// fileChecksum computes the whole-file strong checksum used by
// checksum mode (-c) to detect content changes that size and mtime
// miss.
func fileChecksum(data []byte) []byte {
	return strongSum(data)
}

// pickBlockSize chooses the signature block size for a destination
// file: 2 KiB by default, doubling as files grow so the signature
// table stays bounded, capped at 16 KiB.
func pickBlockSize(fileSize int64) int {
	blockSize := 2 * 1024
	for blockSize < 16*1024 && fileSize/int64(blockSize) > 65536 {
		blockSize *= 2
	}
	return blockSize
}
