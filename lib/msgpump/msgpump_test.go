// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

package msgpump

import (
	"bytes"
	"io"
	"testing"
)

// duplex adapts separate reader/writer state into the pump's
// io.ReadWriter. Tests write with one pump and read with another
// over the same buffer.
type duplex struct {
	io.Reader
	io.Writer
}

func TestFrameRoundTrip(t *testing.T) {
	var buffer bytes.Buffer
	sender := New(duplex{Writer: &buffer})
	receiver := New(duplex{Reader: &buffer})

	frames := []struct {
		frameType Type
		payload   []byte
	}{
		{TypeHandshake, []byte("hello")},
		{TypeFileInfo, nil},
		{TypeFileData, bytes.Repeat([]byte{0xAB}, 100_000)},
		{TypeSummary, []byte{0}},
	}
	for _, frame := range frames {
		if err := sender.Send(frame.frameType, frame.payload); err != nil {
			t.Fatal(err)
		}
	}

	for i, want := range frames {
		gotType, gotPayload, err := receiver.Receive()
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if gotType != want.frameType {
			t.Errorf("frame %d type = %d, want %d", i, gotType, want.frameType)
		}
		if !bytes.Equal(gotPayload, want.payload) {
			t.Errorf("frame %d payload mismatch (%d vs %d bytes)", i, len(gotPayload), len(want.payload))
		}
	}
}

func TestPartialReadsReassemble(t *testing.T) {
	var buffer bytes.Buffer
	sender := New(duplex{Writer: &buffer})
	if err := sender.Send(TypeFileData, bytes.Repeat([]byte("conveyor"), 1000)); err != nil {
		t.Fatal(err)
	}

	receiver := New(duplex{Reader: iotest{r: &buffer}})
	frameType, payload, err := receiver.Receive()
	if err != nil {
		t.Fatal(err)
	}
	if frameType != TypeFileData || len(payload) != 8000 {
		t.Errorf("got type %d payload %d bytes, want %d and 8000", frameType, len(payload), TypeFileData)
	}
}

// iotest returns at most 3 bytes per read.
type iotest struct{ r io.Reader }

func (s iotest) Read(p []byte) (int, error) {
	if len(p) > 3 {
		p = p[:3]
	}
	return s.r.Read(p)
}

func TestCompressionWindow(t *testing.T) {
	var buffer bytes.Buffer
	sender := New(duplex{Writer: &buffer})
	receiver := New(duplex{Reader: &buffer})

	// Raw frame, then a compressed window, then raw again.
	if err := sender.Send(TypeHandshake, []byte("v1")); err != nil {
		t.Fatal(err)
	}
	if err := sender.SendMessage(TypeStartCompression, CompressionOptions{Level: 3}); err != nil {
		t.Fatal(err)
	}
	compressible := bytes.Repeat([]byte("block of repeating content "), 10_000)
	if err := sender.Send(TypeFileData, compressible); err != nil {
		t.Fatal(err)
	}
	if err := sender.Send(TypeEndFile, nil); err != nil {
		t.Fatal(err)
	}
	if err := sender.Send(TypeStopCompression, nil); err != nil {
		t.Fatal(err)
	}
	if err := sender.Send(TypeSummary, []byte("done")); err != nil {
		t.Fatal(err)
	}

	// The compressed window must actually compress: the stream must
	// be much smaller than the payload it carries.
	if buffer.Len() >= len(compressible)/2 {
		t.Errorf("stream is %d bytes for %d payload bytes — compression ineffective", buffer.Len(), len(compressible))
	}

	expect := func(wantType Type) []byte {
		t.Helper()
		gotType, payload, err := receiver.Receive()
		if err != nil {
			t.Fatal(err)
		}
		if gotType != wantType {
			t.Fatalf("frame type = %d, want %d", gotType, wantType)
		}
		return payload
	}

	expect(TypeHandshake)
	expect(TypeStartCompression)
	if data := expect(TypeFileData); !bytes.Equal(data, compressible) {
		t.Error("compressed frame payload corrupted")
	}
	expect(TypeEndFile)
	expect(TypeStopCompression)
	if data := expect(TypeSummary); string(data) != "done" {
		t.Errorf("post-window frame payload = %q", data)
	}
}

func TestMessageRoundTrip(t *testing.T) {
	var buffer bytes.Buffer
	sender := New(duplex{Writer: &buffer})
	receiver := New(duplex{Reader: &buffer})

	type handshake struct {
		Version int  `json:"version"`
		Delete  bool `json:"delete"`
	}
	if err := sender.SendMessage(TypeHandshake, handshake{Version: 2, Delete: true}); err != nil {
		t.Fatal(err)
	}

	var decoded handshake
	if err := receiver.ReceiveMessage(TypeHandshake, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Version != 2 || !decoded.Delete {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestUnexpectedTypeRejected(t *testing.T) {
	var buffer bytes.Buffer
	sender := New(duplex{Writer: &buffer})
	receiver := New(duplex{Reader: &buffer})

	if err := sender.Send(TypeFileInfo, nil); err != nil {
		t.Fatal(err)
	}
	if err := receiver.ReceiveMessage(TypeHandshake, nil); err == nil {
		t.Error("type mismatch not rejected")
	}
}
