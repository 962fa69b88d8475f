// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

package deltasync

import "bytes"

// maxLiteralRun bounds a single literal op so delta frames stay
// well-sized.
const maxLiteralRun = 128 * 1024

// deltaStats accumulates what the matcher emitted.
type deltaStats struct {
	literalBytes int64
	matchedBytes int64
}

// generateDelta scans source against the destination's block
// signatures and emits reconstruction ops through emit: matched
// destination blocks by index, unmatched bytes as literal runs.
//
// The scan advances byte-by-byte with the rolling weak checksum;
// weak hits are confirmed against the strong checksum before a match
// is taken. A match consumes exactly the block length and the window
// restarts after it.
func generateDelta(source []byte, signature []BlockSum, blockSize int, emit func(DeltaOp) error) (deltaStats, error) {
	var stats deltaStats

	// Index full-size blocks by weak checksum. A shorter final block
	// is handled separately at the source tail.
	table := make(map[uint32][]int, len(signature))
	var shortTail *BlockSum
	shortTailIndex := -1
	for i := range signature {
		if signature[i].Length != blockSize {
			shortTail = &signature[i]
			shortTailIndex = i
			continue
		}
		table[signature[i].Weak] = append(table[signature[i].Weak], i)
	}

	emitLiteral := func(data []byte) error {
		for len(data) > 0 {
			run := data
			if len(run) > maxLiteralRun {
				run = run[:maxLiteralRun]
			}
			// The op retains the slice; copy so the caller may batch
			// ops before sending.
			literal := make([]byte, len(run))
			copy(literal, run)
			if err := emit(DeltaOp{Literal: literal}); err != nil {
				return err
			}
			stats.literalBytes += int64(len(run))
			data = data[len(run):]
		}
		return nil
	}

	emitMatch := func(start, count int, matched int64) error {
		stats.matchedBytes += matched
		return emit(DeltaOp{Start: int64(start), Count: int32(count)})
	}

	// matchAt confirms a weak hit at source position pos and returns
	// the destination block index, or -1.
	matchAt := func(pos int, weak uint32) int {
		candidates := table[weak]
		if len(candidates) == 0 {
			return -1
		}
		strong := strongSum(source[pos : pos+blockSize])
		for _, index := range candidates {
			if bytes.Equal(signature[index].Strong, strong) {
				return index
			}
		}
		return -1
	}

	literalStart := 0
	pos := 0

	// Pending match run: consecutive destination blocks collapse
	// into one op.
	runStart, runCount := -1, 0
	var runBytes int64

	flushRun := func() error {
		if runCount == 0 {
			return nil
		}
		err := emitMatch(runStart, runCount, runBytes)
		runStart, runCount, runBytes = -1, 0, 0
		return err
	}

	var window rollingSum
	windowValid := false

	for pos+blockSize <= len(source) {
		if !windowValid {
			window.init(source[pos : pos+blockSize])
			windowValid = true
		}

		index := matchAt(pos, window.sum())
		if index < 0 {
			if err := flushRun(); err != nil {
				return stats, err
			}
			if pos+blockSize < len(source) {
				window.roll(source[pos], source[pos+blockSize])
			} else {
				windowValid = false
			}
			pos++
			continue
		}

		// Flush the literal gap before the match.
		if pos > literalStart {
			if err := flushRun(); err != nil {
				return stats, err
			}
			if err := emitLiteral(source[literalStart:pos]); err != nil {
				return stats, err
			}
		}

		if runCount > 0 && index == runStart+runCount {
			runCount++
		} else {
			if err := flushRun(); err != nil {
				return stats, err
			}
			runStart, runCount = index, 1
		}
		runBytes += int64(blockSize)

		pos += blockSize
		literalStart = pos
		windowValid = false
	}

	// Source tail. If the destination ended with a short block,
	// check whether the source ends with exactly those bytes.
	tail := source[literalStart:]
	if shortTail != nil && len(source)-literalStart >= shortTail.Length {
		tailStart := len(source) - shortTail.Length
		if tailStart >= literalStart &&
			bytes.Equal(strongSum(source[tailStart:]), shortTail.Strong) {
			if err := flushRun(); err != nil {
				return stats, err
			}
			if err := emitLiteral(source[literalStart:tailStart]); err != nil {
				return stats, err
			}
			return stats, emitMatch(shortTailIndex, 1, int64(shortTail.Length))
		}
	}

	if err := flushRun(); err != nil {
		return stats, err
	}
	return stats, emitLiteral(tail)
}
