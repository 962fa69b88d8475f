// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

package cas

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec identifies the compression applied to a blob's payload on
// disk. The tag is the first byte of every blob file — a protocol
// constant for the store layout.
type Codec uint8

const (
	// CodecNone stores the payload verbatim. Selected automatically
	// when compression does not shrink the chunk (already-compressed
	// textures, archives, media).
	CodecNone Codec = 0

	// CodecZstd stores a zstd frame at the default level. The
	// standard choice for source trees and other text-like content.
	CodecZstd Codec = 1

	// CodecLZ4 stores an LZ4 block. Cheaper to decode than zstd;
	// used when the store is configured for decode-latency-sensitive
	// workloads.
	CodecLZ4 Codec = 2
)

// String returns the codec's human-readable name.
func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecZstd:
		return "zstd"
	case CodecLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// ParseCodec parses a codec name from configuration.
func ParseCodec(name string) (Codec, error) {
	switch name {
	case "none":
		return CodecNone, nil
	case "zstd", "":
		return CodecZstd, nil
	case "lz4":
		return CodecLZ4, nil
	default:
		return 0, fmt.Errorf("unknown blob codec %q", name)
	}
}

// Shared zstd encoder/decoder. Both are safe for concurrent use via
// EncodeAll/DecodeAll.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("cas: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("cas: zstd decoder initialization failed: " + err.Error())
	}
}

// compress encodes data with the requested codec. Falls back to
// CodecNone when the encoded form would not be smaller. Returns the
// payload and the codec actually used.
func compress(data []byte, codec Codec) ([]byte, Codec, error) {
	switch codec {
	case CodecNone:
		return data, CodecNone, nil

	case CodecZstd:
		encoded := zstdEncoder.EncodeAll(data, make([]byte, 0, len(data)))
		if len(encoded) >= len(data) {
			return data, CodecNone, nil
		}
		return encoded, CodecZstd, nil

	case CodecLZ4:
		bound := lz4.CompressBlockBound(len(data))
		encoded := make([]byte, bound)
		n, err := lz4.CompressBlock(data, encoded, nil)
		if err != nil {
			return nil, 0, fmt.Errorf("lz4 compression: %w", err)
		}
		if n == 0 || n >= len(data) {
			// lz4 reports incompressible data as n == 0.
			return data, CodecNone, nil
		}
		return encoded[:n], CodecLZ4, nil

	default:
		return nil, 0, fmt.Errorf("unsupported blob codec %d", codec)
	}
}

// decompress decodes a blob payload. uncompressedSize must match the
// original length exactly; a mismatch means a corrupt blob file.
func decompress(payload []byte, codec Codec, uncompressedSize int) ([]byte, error) {
	switch codec {
	case CodecNone:
		if len(payload) != uncompressedSize {
			return nil, fmt.Errorf("stored blob is %d bytes, index says %d", len(payload), uncompressedSize)
		}
		return payload, nil

	case CodecZstd:
		decoded, err := zstdDecoder.DecodeAll(payload, make([]byte, 0, uncompressedSize))
		if err != nil {
			return nil, fmt.Errorf("zstd decompression: %w", err)
		}
		if len(decoded) != uncompressedSize {
			return nil, fmt.Errorf("zstd blob decoded to %d bytes, want %d", len(decoded), uncompressedSize)
		}
		return decoded, nil

	case CodecLZ4:
		decoded := make([]byte, uncompressedSize)
		n, err := lz4.UncompressBlock(payload, decoded)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompression: %w", err)
		}
		if n != uncompressedSize {
			return nil, fmt.Errorf("lz4 blob decoded to %d bytes, want %d", n, uncompressedSize)
		}
		return decoded, nil

	default:
		return nil, fmt.Errorf("blob has unknown codec tag %d", codec)
	}
}
