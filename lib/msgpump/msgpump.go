// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

// Package msgpump implements the length-prefixed, typed, ordered
// message stream used by the delta-sync wire protocol and the
// management and asset-stream RPC surfaces.
//
// Frame layout: u32 length | u16 type | payload, all little-endian;
// length covers the type and payload. Partial reads are reassembled
// transparently.
//
// Between a StartCompression and StopCompression frame, the frame
// stream is carried inside zstd-compressed carrier frames: inner
// frames are serialized into a zstd stream whose output is shipped
// in frames of the reserved carrier type. The wrapper is invisible
// to callers — Send and Receive speak logical frames throughout, and
// the stream returns to raw framing after StopCompression.
package msgpump

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/conveyor-fs/conveyor/lib/codec"
)

// Type identifies a frame's payload. Values are a stable wire
// registry shared by every conveyor binary.
type Type uint16

// Delta-sync protocol frames.
const (
	TypeHandshake      Type = 1
	TypeFileInfo       Type = 2
	TypeDirInfo        Type = 3
	TypeDoneEnum       Type = 4
	TypeFileStats      Type = 5
	TypeDeletedPaths   Type = 6
	TypeMissingIndices Type = 7
	TypeChangedIndices Type = 8
	TypeFileData       Type = 9
	TypeSignatures     Type = 10
	TypeDelta          Type = 11
	TypeEndFile        Type = 12
	TypeSummary        Type = 13
)

// Compression control frames.
const (
	TypeStartCompression Type = 100
	TypeStopCompression  Type = 101
)

// Asset-stream RPC frames.
const (
	TypeManifestRootRequest  Type = 200
	TypeManifestRootResponse Type = 201
	TypeLookupRequest        Type = 202
	TypeLookupResponse       Type = 203
	TypeReadDirRequest       Type = 204
	TypeReadDirResponse      Type = 205
	TypeReadChunkRequest     Type = 206
	TypeReadChunkResponse    Type = 207
	TypePrefetchRequest      Type = 208
	TypePrefetchResponse     Type = 209
	TypeHeartbeat            Type = 210
	TypeErrorResponse        Type = 211
)

// Management RPC frames.
const (
	TypeStartSessionRequest  Type = 300
	TypeStartSessionResponse Type = 301
	TypeStopSessionRequest   Type = 302
	TypeStopSessionResponse  Type = 303
	TypeStatusRequest        Type = 304
	TypeStatusSnapshot       Type = 305
	TypeStatusEnd            Type = 306
)

// typeCarrier is the transport-internal frame type holding a segment
// of the zstd stream while compression is active. Never surfaced to
// callers and deliberately outside the registry ranges.
const typeCarrier Type = 0xFFFF

// frameHeaderSize is u32 length + u16 type.
const frameHeaderSize = 6

// MaxFramePayload bounds a single frame's payload. Large transfers
// (file contents, chunk data) are split across frames well below
// this; the bound exists so a corrupt or hostile length prefix
// cannot trigger an enormous allocation.
const MaxFramePayload = 16 * 1024 * 1024

// Pump frames messages over a byte stream. Not safe for concurrent
// Send or concurrent Receive; one sender and one receiver goroutine
// may operate simultaneously (the two directions are independent).
type Pump struct {
	stream io.ReadWriter

	// Send-side compression state.
	compressWriter *zstd.Encoder
	carrierBuffer  carrierBuffer

	// Receive-side compression state.
	compressReader *zstd.Decoder
	carrierSource  *carrierSource
}

// New creates a pump over the given stream (typically a net.Conn or
// an SSH-forwarded socket).
func New(stream io.ReadWriter) *Pump {
	return &Pump{stream: stream}
}

// Send writes one frame. StartCompression and StopCompression frames
// toggle the compressed window; every other frame travels in
// whatever mode is currently active.
func (p *Pump) Send(frameType Type, payload []byte) error {
	if len(payload) > MaxFramePayload {
		return fmt.Errorf("msgpump: frame payload %d exceeds limit %d", len(payload), MaxFramePayload)
	}

	switch frameType {
	case TypeStartCompression:
		if p.compressWriter != nil {
			return fmt.Errorf("msgpump: compression already active")
		}
		if err := p.writeRaw(frameType, payload); err != nil {
			return err
		}
		return p.beginCompression(payload)

	case TypeStopCompression:
		if p.compressWriter == nil {
			return fmt.Errorf("msgpump: compression not active")
		}
		// The stop frame is the final frame inside the compressed
		// stream, so the receiver learns the window ended exactly at
		// the stream's end.
		if err := p.writeCompressed(frameType, payload); err != nil {
			return err
		}
		return p.endCompression()
	}

	if p.compressWriter != nil {
		return p.writeCompressed(frameType, payload)
	}
	return p.writeRaw(frameType, payload)
}

// SendMessage CBOR-encodes v and sends it as a frame of the given
// type.
func (p *Pump) SendMessage(frameType Type, v any) error {
	payload, err := codec.Marshal(v)
	if err != nil {
		return fmt.Errorf("msgpump: encoding %d payload: %w", frameType, err)
	}
	return p.Send(frameType, payload)
}

// Receive reads the next logical frame, following compression
// windows transparently. The returned payload is owned by the
// caller.
func (p *Pump) Receive() (Type, []byte, error) {
	if p.compressReader != nil {
		frameType, payload, err := readFrame(p.compressReader)
		if err != nil {
			return 0, nil, fmt.Errorf("msgpump: reading compressed frame: %w", err)
		}
		if frameType == TypeStopCompression {
			p.compressReader.Close()
			p.compressReader = nil
			p.carrierSource = nil
		}
		return frameType, payload, nil
	}

	frameType, payload, err := readFrame(p.stream)
	if err != nil {
		return 0, nil, err
	}

	switch frameType {
	case typeCarrier:
		return 0, nil, fmt.Errorf("msgpump: carrier frame outside compression window")
	case TypeStartCompression:
		source := &carrierSource{stream: p.stream}
		reader, err := zstd.NewReader(source)
		if err != nil {
			return 0, nil, fmt.Errorf("msgpump: creating zstd reader: %w", err)
		}
		p.compressReader = reader
		p.carrierSource = source
		return frameType, payload, nil
	default:
		return frameType, payload, nil
	}
}

// ReceiveMessage reads the next frame, requires it to be of the
// expected type, and CBOR-decodes its payload into v (which may be
// nil for empty payloads).
func (p *Pump) ReceiveMessage(expected Type, v any) error {
	frameType, payload, err := p.Receive()
	if err != nil {
		return err
	}
	if frameType != expected {
		return fmt.Errorf("msgpump: expected frame type %d, got %d", expected, frameType)
	}
	if v == nil {
		return nil
	}
	if err := codec.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("msgpump: decoding %d payload: %w", frameType, err)
	}
	return nil
}

// Close tears down compression state. It does not close the
// underlying stream — the owner of the connection does that.
func (p *Pump) Close() error {
	if p.compressWriter != nil {
		p.compressWriter.Close()
		p.compressWriter = nil
	}
	if p.compressReader != nil {
		p.compressReader.Close()
		p.compressReader = nil
	}
	return nil
}

// CompressionOptions is the payload of a StartCompression frame.
type CompressionOptions struct {
	// Level is the zstd compression level (1–22).
	Level int `json:"level"`
}

// beginCompression installs the send-side zstd stream. The payload,
// if non-empty, carries CompressionOptions.
func (p *Pump) beginCompression(payload []byte) error {
	level := 6
	if len(payload) > 0 {
		var options CompressionOptions
		if err := codec.Unmarshal(payload, &options); err == nil && options.Level > 0 {
			level = options.Level
		}
	}

	p.carrierBuffer = carrierBuffer{pump: p}
	writer, err := zstd.NewWriter(&p.carrierBuffer,
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	if err != nil {
		return fmt.Errorf("msgpump: creating zstd writer: %w", err)
	}
	p.compressWriter = writer
	return nil
}

// endCompression closes the zstd stream, emitting the final carrier
// frame, and returns the pump to raw framing.
func (p *Pump) endCompression() error {
	err := p.compressWriter.Close()
	p.compressWriter = nil
	if err != nil {
		return fmt.Errorf("msgpump: closing zstd stream: %w", err)
	}
	return nil
}

// writeCompressed serializes a frame into the zstd stream and
// flushes so the receiver can make progress frame-by-frame.
func (p *Pump) writeCompressed(frameType Type, payload []byte) error {
	if err := writeFrame(p.compressWriter, frameType, payload); err != nil {
		return err
	}
	if err := p.compressWriter.Flush(); err != nil {
		return fmt.Errorf("msgpump: flushing zstd stream: %w", err)
	}
	return nil
}

func (p *Pump) writeRaw(frameType Type, payload []byte) error {
	return writeFrame(p.stream, frameType, payload)
}

// writeFrame writes one frame to w.
func writeFrame(w io.Writer, frameType Type, payload []byte) error {
	header := make([]byte, frameHeaderSize)
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(payload)+2))
	binary.LittleEndian.PutUint16(header[4:6], uint16(frameType))
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("msgpump: writing frame header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("msgpump: writing frame payload: %w", err)
		}
	}
	return nil
}

// readFrame reads one frame from r, reassembling partial reads.
func readFrame(r io.Reader) (Type, []byte, error) {
	header := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		if err == io.EOF {
			return 0, nil, io.EOF
		}
		return 0, nil, fmt.Errorf("msgpump: reading frame header: %w", err)
	}

	length := binary.LittleEndian.Uint32(header[0:4])
	frameType := Type(binary.LittleEndian.Uint16(header[4:6]))
	if length < 2 {
		return 0, nil, fmt.Errorf("msgpump: frame length %d below header minimum", length)
	}
	payloadLength := int(length) - 2
	if payloadLength > MaxFramePayload {
		return 0, nil, fmt.Errorf("msgpump: frame payload %d exceeds limit %d", payloadLength, MaxFramePayload)
	}

	payload := make([]byte, payloadLength)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, fmt.Errorf("msgpump: reading frame payload: %w", err)
	}
	return frameType, payload, nil
}

// carrierBuffer receives the zstd encoder's output and ships each
// write as a carrier frame.
type carrierBuffer struct {
	pump *Pump
}

func (b *carrierBuffer) Write(data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}
	// Large zstd outputs are split to respect the frame bound.
	for offset := 0; offset < len(data); offset += MaxFramePayload {
		end := offset + MaxFramePayload
		if end > len(data) {
			end = len(data)
		}
		if err := writeFrame(b.pump.stream, typeCarrier, data[offset:end]); err != nil {
			return offset, err
		}
	}
	return len(data), nil
}

// carrierSource feeds the zstd decoder from carrier frames read off
// the raw stream.
type carrierSource struct {
	stream  io.Reader
	pending []byte
}

func (s *carrierSource) Read(p []byte) (int, error) {
	for len(s.pending) == 0 {
		frameType, payload, err := readFrame(s.stream)
		if err != nil {
			return 0, err
		}
		if frameType != typeCarrier {
			return 0, fmt.Errorf("msgpump: frame type %d inside compression window", frameType)
		}
		s.pending = payload
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}
