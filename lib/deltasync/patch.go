// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

package deltasync

import (
	"fmt"
	"io"
)

// applyOp writes the bytes one delta op describes to w, resolving
// match ops against the old destination content.
func applyOp(w io.Writer, op DeltaOp, oldContent []byte, blockSize int) error {
	if op.Count == 0 {
		_, err := w.Write(op.Literal)
		return err
	}

	for blockIndex := op.Start; blockIndex < op.Start+int64(op.Count); blockIndex++ {
		offset := blockIndex * int64(blockSize)
		if offset < 0 || offset >= int64(len(oldContent)) {
			return fmt.Errorf("delta references block %d outside destination of %d bytes", blockIndex, len(oldContent))
		}
		end := offset + int64(blockSize)
		if end > int64(len(oldContent)) {
			end = int64(len(oldContent))
		}
		if _, err := w.Write(oldContent[offset:end]); err != nil {
			return err
		}
	}
	return nil
}
