// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

package deltasync

import (
	"bytes"
	"testing"
)

func deterministicBytes(n int, seed uint64) []byte {
	data := make([]byte, n)
	state := seed
	for i := range data {
		state = state*6364136223846793005 + 1442695040888963407
		data[i] = byte(state >> 56)
	}
	return data
}

// reconstruct runs the full signature→delta→patch loop in memory and
// returns the rebuilt source plus the delta stats.
func reconstruct(t *testing.T, source, dest []byte) ([]byte, deltaStats) {
	t.Helper()
	blockSize := pickBlockSize(int64(len(dest)))
	signature := computeSignatures(dest, blockSize)

	var output bytes.Buffer
	stats, err := generateDelta(source, signature, blockSize, func(op DeltaOp) error {
		return applyOp(&output, op, dest, blockSize)
	})
	if err != nil {
		t.Fatal(err)
	}
	return output.Bytes(), stats
}

func TestDeltaIdenticalFiles(t *testing.T) {
	content := deterministicBytes(512*1024, 1)
	rebuilt, stats := reconstruct(t, content, content)
	if !bytes.Equal(rebuilt, content) {
		t.Fatal("reconstruction mismatch for identical files")
	}
	if stats.literalBytes != 0 {
		t.Errorf("identical files sent %d literal bytes, want 0", stats.literalBytes)
	}
	if stats.matchedBytes != int64(len(content)) {
		t.Errorf("matched %d bytes, want %d", stats.matchedBytes, len(content))
	}
}

func TestDeltaSmallPatch(t *testing.T) {
	// The S4 shape: a 3 MiB file whose destination copy has bytes
	// [1_000_000, 1_000_100) zeroed.
	source := deterministicBytes(3*1024*1024, 7)
	dest := append([]byte{}, source...)
	for i := 1_000_000; i < 1_000_100; i++ {
		dest[i] = 0
	}

	rebuilt, stats := reconstruct(t, source, dest)
	if !bytes.Equal(rebuilt, source) {
		t.Fatal("reconstruction mismatch after patch")
	}

	blockSize := int64(pickBlockSize(int64(len(dest))))
	limit := 100 + 2*blockSize
	if stats.literalBytes > limit {
		t.Errorf("literal bytes = %d, want <= %d", stats.literalBytes, limit)
	}
}

func TestDeltaInsertion(t *testing.T) {
	dest := deterministicBytes(1024*1024, 3)
	source := append([]byte{}, dest[:400_000]...)
	source = append(source, []byte("inserted run of new bytes")...)
	source = append(source, dest[400_000:]...)

	rebuilt, stats := reconstruct(t, source, dest)
	if !bytes.Equal(rebuilt, source) {
		t.Fatal("reconstruction mismatch after insertion")
	}
	// The insertion misaligns at most one block boundary; everything
	// else re-synchronizes through the rolling window.
	blockSize := int64(pickBlockSize(int64(len(dest))))
	if stats.literalBytes > int64(len("inserted run of new bytes"))+2*blockSize {
		t.Errorf("literal bytes = %d for a %d-byte insertion", stats.literalBytes, len("inserted run of new bytes"))
	}
}

func TestDeltaAgainstEmptyDestination(t *testing.T) {
	source := deterministicBytes(100_000, 9)
	rebuilt, stats := reconstruct(t, source, nil)
	if !bytes.Equal(rebuilt, source) {
		t.Fatal("reconstruction mismatch against empty destination")
	}
	if stats.matchedBytes != 0 {
		t.Errorf("matched %d bytes against empty destination", stats.matchedBytes)
	}
}

func TestDeltaShortTailBlock(t *testing.T) {
	// Destination length deliberately not a multiple of the block
	// size; source shares the tail.
	dest := deterministicBytes(2048*10+777, 11)
	source := append(deterministicBytes(5000, 12), dest...)

	rebuilt, _ := reconstruct(t, source, dest)
	if !bytes.Equal(rebuilt, source) {
		t.Fatal("reconstruction mismatch with short tail block")
	}
}

func TestSignatureShapes(t *testing.T) {
	content := deterministicBytes(2048*4+100, 5)
	blocks := computeSignatures(content, 2048)
	if len(blocks) != 5 {
		t.Fatalf("got %d blocks, want 5", len(blocks))
	}
	for i := 0; i < 4; i++ {
		if blocks[i].Length != 2048 {
			t.Errorf("block %d length = %d, want 2048", i, blocks[i].Length)
		}
	}
	if blocks[4].Length != 100 {
		t.Errorf("tail block length = %d, want 100", blocks[4].Length)
	}
	if computeSignatures(nil, 2048) != nil {
		t.Error("empty content should produce no signature blocks")
	}
}
