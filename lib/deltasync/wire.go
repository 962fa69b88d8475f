// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

// Package deltasync implements the one-shot directory synchronizer:
// a rolling-checksum signature/delta/patch protocol over the message
// pump, in six phases — handshake, source enumeration, diff,
// missing-file transfer, changed-file delta, completion.
//
// The client owns the source tree and drives the sync; the server
// owns the destination tree and is the only side that writes files.
// A transport failure during transfer aborts the whole sync: the
// server stages every file into a sidecar temp path and renames only
// on completion, so no partial destination files are ever visible.
package deltasync

import "github.com/conveyor-fs/conveyor/lib/msgpump"

// ProtocolVersion gates the handshake. Bumped on incompatible wire
// changes.
const ProtocolVersion = 2

// Handshake is the first frame in each direction.
type Handshake struct {
	Version int `json:"version"`

	// DestDir is the destination root on the server (client→server
	// only).
	DestDir string `json:"dest_dir,omitempty"`

	// Options the server needs to mirror the client's behavior.
	Recursive bool `json:"recursive,omitempty"`
	WholeFile bool `json:"whole_file,omitempty"`
	Checksum  bool `json:"checksum,omitempty"`
	DryRun    bool `json:"dry_run,omitempty"`
	Delete    bool `json:"delete,omitempty"`
	Existing  bool `json:"existing,omitempty"`

	// Filters carries the client's ordered path-filter rules so the
	// server applies the same filter to extraneous-file deletion.
	Filters []WireRule `json:"filters,omitempty"`

	// CopyDest, when set, names a directory on the server searched
	// for basis copies of missing files: a same-named file found
	// there is copied into the destination and delta-transferred
	// instead of sent whole.
	CopyDest string `json:"copy_dest,omitempty"`

	// Error is set in the server's reply when the handshake is
	// rejected (version skew, unwritable destination).
	Error string `json:"error,omitempty"`
}

// FileInfo describes one source file during enumeration. Index is
// the position in the client's enumeration order; all later phases
// refer to files by index.
type FileInfo struct {
	Index int64  `json:"index"`
	Path  string `json:"path"`
	Size  int64  `json:"size"`
	MTime int64  `json:"mtime"`
	Mode  uint32 `json:"mode"`

	// Checksum is the whole-file strong checksum, present only in
	// checksum mode.
	Checksum []byte `json:"checksum,omitempty"`
}

// DirInfo describes one source directory during enumeration.
type DirInfo struct {
	Path string `json:"path"`
	Mode uint32 `json:"mode"`
}

// FileStats is the server's diff result summary.
type FileStats struct {
	Missing    int64 `json:"missing"`
	Changed    int64 `json:"changed"`
	Unchanged  int64 `json:"unchanged"`
	Extraneous int64 `json:"extraneous"`
}

// DeletedPaths lists the destination paths removed (or, in dry-run,
// that would be removed) because the source no longer has them.
type DeletedPaths struct {
	Paths []string `json:"paths"`
}

// Indices carries MissingIndices or ChangedIndices.
type Indices struct {
	Indices []int64 `json:"indices"`
}

// FileData carries a run of a file's content during whole-file
// transfer. A file is split across multiple FileData frames and
// terminated by EndFile.
type FileData struct {
	Index int64  `json:"index"`
	Data  []byte `json:"data"`
}

// Signatures carries the server's per-block checksums for one
// changed file.
type Signatures struct {
	Index     int64      `json:"index"`
	BlockSize int        `json:"block_size"`
	Blocks    []BlockSum `json:"blocks"`
}

// BlockSum is one block's (weak, strong) checksum pair. The final
// block of a file may be shorter than the block size; its actual
// length is recorded so the matcher can align it at the source tail.
type BlockSum struct {
	Weak   uint32 `json:"weak"`
	Strong []byte `json:"strong"`
	Length int    `json:"length"`
}

// Delta carries a run of reconstruction instructions for one changed
// file, terminated by EndFile.
type Delta struct {
	Index int64     `json:"index"`
	Ops   []DeltaOp `json:"ops"`
}

// DeltaOp is one reconstruction instruction: either a literal byte
// run (Count == 0) or a run of Count destination blocks starting at
// block index Start.
type DeltaOp struct {
	Literal []byte `json:"literal,omitempty"`
	Start   int64  `json:"start,omitempty"`
	Count   int32  `json:"count,omitempty"`
}

// EndFile terminates one file's FileData or Delta stream.
type EndFile struct {
	Index int64 `json:"index"`
}

// Summary closes the sync in each direction.
type Summary struct {
	FilesTotal     int64 `json:"files_total"`
	FilesMissing   int64 `json:"files_missing"`
	FilesChanged   int64 `json:"files_changed"`
	FilesUnchanged int64 `json:"files_unchanged"`
	FilesDeleted   int64 `json:"files_deleted"`

	// LiteralBytes is the number of bytes sent as literals;
	// MatchedBytes the number reconstructed from destination blocks.
	LiteralBytes int64 `json:"literal_bytes"`
	MatchedBytes int64 `json:"matched_bytes"`

	// Error is set when the reporting side aborted.
	Error string `json:"error,omitempty"`
}

// fileDataRun bounds the content carried per FileData frame.
const fileDataRun = 256 * 1024

// Frame type aliases keep call sites short.
const (
	frameHandshake      = msgpump.TypeHandshake
	frameFileInfo       = msgpump.TypeFileInfo
	frameDirInfo        = msgpump.TypeDirInfo
	frameDoneEnum       = msgpump.TypeDoneEnum
	frameFileStats      = msgpump.TypeFileStats
	frameDeletedPaths   = msgpump.TypeDeletedPaths
	frameMissingIndices = msgpump.TypeMissingIndices
	frameChangedIndices = msgpump.TypeChangedIndices
	frameFileData       = msgpump.TypeFileData
	frameSignatures     = msgpump.TypeSignatures
	frameDelta          = msgpump.TypeDelta
	frameEndFile        = msgpump.TypeEndFile
	frameSummary        = msgpump.TypeSummary
)
