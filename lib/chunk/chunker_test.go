// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

package chunk

import (
	"bytes"
	"io"
	"testing"
)

// fillDeterministic fills buf with reproducible pseudo-random bytes
// using a splitmix64 sequence.
func fillDeterministic(buf []byte, seed uint64) {
	state := seed
	for i := 0; i < len(buf); i += 8 {
		state += 0x9e3779b97f4a7c15
		z := state
		z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
		z = (z ^ (z >> 27)) * 0x94d049bb133111eb
		z ^= z >> 31
		for j := 0; j < 8 && i+j < len(buf); j++ {
			buf[i+j] = byte(z >> (8 * j))
		}
	}
}

func TestChunkerEmptyInput(t *testing.T) {
	chunker, err := New(bytes.NewReader(nil), DefaultParams())
	if err != nil {
		t.Fatal(err)
	}
	chunk, err := chunker.Next()
	if err != nil {
		t.Fatal(err)
	}
	if chunk != nil {
		t.Errorf("expected nil for empty input, got chunk of %d bytes", len(chunk.Data))
	}
}

func TestChunkerSmallInput(t *testing.T) {
	// Input below MinSize: exactly one chunk holding everything.
	input := make([]byte, 1024)
	fillDeterministic(input, 1)

	chunks, err := Split(input, DefaultParams())
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	if chunks[0].Offset != 0 || len(chunks[0].Data) != 1024 {
		t.Errorf("chunk = (offset %d, len %d), want (0, 1024)", chunks[0].Offset, len(chunks[0].Data))
	}
	if chunks[0].Hash != HashBytes(input) {
		t.Error("chunk hash does not match HashBytes(input)")
	}
}

func TestChunkerBounds(t *testing.T) {
	params := DefaultParams()
	input := make([]byte, 4*1024*1024)
	fillDeterministic(input, 2)

	chunks, err := Split(input, params)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) < 2 {
		t.Fatalf("expected many chunks for 4 MiB input, got %d", len(chunks))
	}

	var total int64
	for i, c := range chunks {
		if c.Offset != total {
			t.Fatalf("chunk %d offset = %d, want %d", i, c.Offset, total)
		}
		total += int64(len(c.Data))

		if i == len(chunks)-1 {
			// The terminal chunk may be shorter than MinSize.
			if len(c.Data) > params.MaxSize {
				t.Errorf("terminal chunk len = %d exceeds max %d", len(c.Data), params.MaxSize)
			}
			continue
		}
		if len(c.Data) < params.MinSize || len(c.Data) > params.MaxSize {
			t.Errorf("chunk %d len = %d outside [%d, %d]", i, len(c.Data), params.MinSize, params.MaxSize)
		}
	}
	if total != int64(len(input)) {
		t.Errorf("chunks cover %d bytes, want %d", total, len(input))
	}
}

func TestChunkerDeterministic(t *testing.T) {
	input := make([]byte, 2*1024*1024)
	fillDeterministic(input, 3)

	first, err := Split(input, DefaultParams())
	if err != nil {
		t.Fatal(err)
	}
	second, err := Split(input, DefaultParams())
	if err != nil {
		t.Fatal(err)
	}

	if len(first) != len(second) {
		t.Fatalf("chunk counts differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].Hash != second[i].Hash || first[i].Offset != second[i].Offset {
			t.Fatalf("chunk %d differs between runs", i)
		}
	}
}

func TestChunkerInsertLocality(t *testing.T) {
	// Insert one byte in the middle of a 1 MiB stream: at most three
	// chunks may differ between the two chunkings.
	original := make([]byte, 1024*1024)
	fillDeterministic(original, 7)

	const insertAt = 500_000
	edited := make([]byte, 0, len(original)+1)
	edited = append(edited, original[:insertAt]...)
	edited = append(edited, 0xA5)
	edited = append(edited, original[insertAt:]...)

	originalChunks, err := Split(original, DefaultParams())
	if err != nil {
		t.Fatal(err)
	}
	editedChunks, err := Split(edited, DefaultParams())
	if err != nil {
		t.Fatal(err)
	}

	count := func(chunks []Chunk) map[Hash]int {
		set := make(map[Hash]int, len(chunks))
		for _, c := range chunks {
			set[c.Hash]++
		}
		return set
	}
	before, after := count(originalChunks), count(editedChunks)

	// Symmetric difference of the two multisets.
	diff := 0
	for h, n := range before {
		if m := after[h]; n > m {
			diff += n - m
		}
	}
	for h, n := range after {
		if m := before[h]; n > m {
			diff += n - m
		}
	}

	if diff > 6 { // ≤3 chunks differ on each side
		t.Errorf("symmetric chunk difference = %d, want <= 6 (3 chunks per side)", diff)
	}
}

func TestChunkerStreamingMatchesSplit(t *testing.T) {
	// Feeding the same bytes through a streaming reader must produce
	// identical cuts to the in-memory path.
	input := make([]byte, 1024*1024)
	fillDeterministic(input, 11)

	inMemory, err := Split(input, DefaultParams())
	if err != nil {
		t.Fatal(err)
	}

	// A reader that returns data in awkward 1000-byte pieces.
	chunker, err := New(&slowReader{data: input, step: 1000}, DefaultParams())
	if err != nil {
		t.Fatal(err)
	}
	var streamed []Chunk
	for {
		c, err := chunker.Next()
		if err != nil {
			t.Fatal(err)
		}
		if c == nil {
			break
		}
		streamed = append(streamed, Chunk{Offset: c.Offset, Hash: c.Hash})
	}

	if len(streamed) != len(inMemory) {
		t.Fatalf("streamed %d chunks, in-memory %d", len(streamed), len(inMemory))
	}
	for i := range streamed {
		if streamed[i].Hash != inMemory[i].Hash {
			t.Fatalf("chunk %d hash differs between streaming and in-memory paths", i)
		}
	}
}

func TestParamsValidate(t *testing.T) {
	cases := []struct {
		name   string
		params Params
		ok     bool
	}{
		{"defaults", DefaultParams(), true},
		{"avg not power of two", Params{MinSize: 4096, AvgSize: 12000, MaxSize: 65536}, false},
		{"min above avg", Params{MinSize: 32768, AvgSize: 16384, MaxSize: 65536}, false},
		{"max below avg", Params{MinSize: 8192, AvgSize: 16384, MaxSize: 8192}, false},
		{"min below window", Params{MinSize: 32, AvgSize: 16384, MaxSize: 65536}, false},
		{"custom", Params{MinSize: 4096, AvgSize: 8192, MaxSize: 32768}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.params.Validate()
			if tc.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tc.ok && err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

// slowReader returns at most step bytes per Read call.
type slowReader struct {
	data []byte
	pos  int
	step int
}

func (r *slowReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := r.step
	if n > len(p) {
		n = len(p)
	}
	if n > len(r.data)-r.pos {
		n = len(r.data) - r.pos
	}
	copy(p, r.data[r.pos:r.pos+n])
	r.pos += n
	return n, nil
}
