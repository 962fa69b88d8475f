// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

package deltasync

// computeSignatures splits a destination file's content into
// fixed-size blocks and returns the per-block checksum pairs. The
// final block may be shorter; its real length travels with it so the
// matcher can align it at the source tail.
func computeSignatures(content []byte, blockSize int) []BlockSum {
	if len(content) == 0 {
		return nil
	}

	blocks := make([]BlockSum, 0, (len(content)+blockSize-1)/blockSize)
	for offset := 0; offset < len(content); offset += blockSize {
		end := offset + blockSize
		if end > len(content) {
			end = len(content)
		}
		block := content[offset:end]
		blocks = append(blocks, BlockSum{
			Weak:   weakSum(block),
			Strong: strongSum(block),
			Length: len(block),
		})
	}
	return blocks
}
