// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

package deltasync

import (
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/conveyor-fs/conveyor/lib/msgpump"
	"github.com/conveyor-fs/conveyor/lib/status"
)

// SourceFile names one file (or directory) to send with an explicit
// wire path, used by --files-from.
type SourceFile struct {
	LocalPath string
	WirePath  string
}

// ClientOptions configures one sync run from the sending side.
type ClientOptions struct {
	// Sources are the files and directories to send.
	Sources []string

	// ExplicitFiles, when non-empty, replaces the Sources walk with
	// a caller-provided list (--files-from). Directories in the
	// list are walked with their wire path as prefix.
	ExplicitFiles []SourceFile

	// CopyDest is forwarded to the server's basis search.
	CopyDest string

	// DestDir is the destination root on the server.
	DestDir string

	Recursive bool
	WholeFile bool
	Checksum  bool
	DryRun    bool
	Delete    bool
	Existing  bool

	// Relative preserves the source paths as given instead of
	// flattening to the source root.
	Relative bool

	// Compress wraps the transfer phases in a zstd window.
	Compress      bool
	CompressLevel int

	Filters *FilterSet

	Logger *slog.Logger
}

// localFile pairs a source file's absolute path with the path it is
// addressed by on the wire.
type localFile struct {
	absolute string
	wirePath string
	size     int64
}

// RunClient drives a full sync over an established pump. Returns the
// merged summary on success. Any transport error aborts the sync.
func RunClient(pump *msgpump.Pump, options ClientOptions) (*Summary, error) {
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	if options.CompressLevel <= 0 {
		options.CompressLevel = 6
	}

	// Phase 1: handshake.
	err := pump.SendMessage(frameHandshake, Handshake{
		Version:   ProtocolVersion,
		DestDir:   options.DestDir,
		Recursive: options.Recursive,
		WholeFile: options.WholeFile,
		Checksum:  options.Checksum,
		DryRun:    options.DryRun,
		Delete:    options.Delete,
		Existing:  options.Existing,
		Filters:   options.Filters.ToWire(),
		CopyDest:  options.CopyDest,
	})
	if err != nil {
		return nil, status.Wrap(status.Unavailable, err, "sending handshake")
	}
	var reply Handshake
	if err := pump.ReceiveMessage(frameHandshake, &reply); err != nil {
		return nil, status.Wrap(status.Unavailable, err, "awaiting handshake")
	}
	if reply.Error != "" {
		return nil, status.Errorf(status.FailedPrecondition, "server rejected sync: %s", reply.Error)
	}
	if reply.Version != ProtocolVersion {
		return nil, status.Errorf(status.FailedPrecondition,
			"protocol version mismatch: local %d, remote %d", ProtocolVersion, reply.Version)
	}

	// Phase 2: enumeration.
	files, err := enumerate(pump, options)
	if err != nil {
		return nil, err
	}
	if err := pump.Send(frameDoneEnum, nil); err != nil {
		return nil, status.Wrap(status.Unavailable, err, "finishing enumeration")
	}

	// Phase 3: the server's diff.
	var stats FileStats
	if err := pump.ReceiveMessage(frameFileStats, &stats); err != nil {
		return nil, status.Wrap(status.Unavailable, err, "awaiting diff stats")
	}
	var deleted DeletedPaths
	if err := pump.ReceiveMessage(frameDeletedPaths, &deleted); err != nil {
		return nil, err
	}
	var missing, changed Indices
	if err := pump.ReceiveMessage(frameMissingIndices, &missing); err != nil {
		return nil, err
	}
	if err := pump.ReceiveMessage(frameChangedIndices, &changed); err != nil {
		return nil, err
	}

	summary := &Summary{
		FilesTotal:     int64(len(files)),
		FilesMissing:   stats.Missing,
		FilesChanged:   stats.Changed,
		FilesUnchanged: stats.Unchanged,
		FilesDeleted:   int64(len(deleted.Paths)),
	}

	// Phases 4–5 are skipped entirely in dry-run mode.
	if !options.DryRun {
		if options.Compress {
			err := pump.SendMessage(msgpump.TypeStartCompression,
				msgpump.CompressionOptions{Level: options.CompressLevel})
			if err != nil {
				return nil, status.Wrap(status.Unavailable, err, "starting compression")
			}
		}

		// Phase 4: whole contents for missing files (and for changed
		// ones when delta transfer is disabled).
		wholeIndices := missing.Indices
		if options.WholeFile {
			wholeIndices = append(append([]int64{}, wholeIndices...), changed.Indices...)
		}
		for _, index := range wholeIndices {
			if err := sendWholeFile(pump, files, index, summary); err != nil {
				return nil, err
			}
		}

		// Phase 5: deltas for changed files, in the server's order.
		if !options.WholeFile {
			for range changed.Indices {
				if err := sendDelta(pump, files, summary, options.Logger); err != nil {
					return nil, err
				}
			}
		}

		if options.Compress {
			if err := pump.Send(msgpump.TypeStopCompression, nil); err != nil {
				return nil, status.Wrap(status.Unavailable, err, "stopping compression")
			}
		}
	}

	// Phase 6: completion.
	if err := pump.SendMessage(frameSummary, *summary); err != nil {
		return nil, status.Wrap(status.Unavailable, err, "sending summary")
	}
	var serverSummary Summary
	if err := pump.ReceiveMessage(frameSummary, &serverSummary); err != nil {
		return nil, status.Wrap(status.Unavailable, err, "awaiting server summary")
	}
	if serverSummary.Error != "" {
		return nil, status.Errorf(status.Aborted, "remote error: %s", serverSummary.Error)
	}
	return summary, nil
}

// enumerate walks the sources, applies filters, and streams FileInfo
// and DirInfo frames. Returns the indexed file list.
func enumerate(pump *msgpump.Pump, options ClientOptions) ([]localFile, error) {
	var files []localFile

	sendFile := func(absolute, wirePath string, info os.FileInfo) error {
		record := FileInfo{
			Index: int64(len(files)),
			Path:  wirePath,
			Size:  info.Size(),
			MTime: info.ModTime().UnixNano(),
			Mode:  uint32(info.Mode().Perm()),
		}
		if options.Checksum {
			content, err := os.ReadFile(absolute)
			if err != nil {
				return fmt.Errorf("checksumming %s: %w", absolute, err)
			}
			record.Checksum = fileChecksum(content)
		}
		files = append(files, localFile{absolute: absolute, wirePath: wirePath, size: info.Size()})
		return pump.SendMessage(frameFileInfo, record)
	}

	if len(options.ExplicitFiles) > 0 {
		for _, explicit := range options.ExplicitFiles {
			info, err := os.Stat(explicit.LocalPath)
			if err != nil {
				options.Logger.Warn("listed file not accessible", "path", explicit.LocalPath, "error", err)
				continue
			}
			if info.IsDir() {
				err = walkInto(pump, options, explicit.LocalPath, explicit.WirePath, sendFile)
			} else if options.Filters.Keep(explicit.WirePath) {
				err = sendFile(explicit.LocalPath, explicit.WirePath, info)
			}
			if err != nil {
				return nil, err
			}
		}
		return files, nil
	}

	for _, source := range options.Sources {
		info, err := os.Stat(source)
		if err != nil {
			return nil, status.Wrap(status.InvalidArgument, err, "source not accessible")
		}

		if !info.IsDir() {
			wirePath := filepath.Base(source)
			if options.Relative {
				wirePath = wireRelative(source)
			}
			if !options.Filters.Keep(wirePath) {
				continue
			}
			if err := sendFile(source, wirePath, info); err != nil {
				return nil, err
			}
			continue
		}

		if !options.Recursive {
			options.Logger.Warn("skipping directory without --recursive", "path", source)
			continue
		}

		prefix := ""
		if options.Relative {
			prefix = wireRelative(source)
		}
		if err := walkInto(pump, options, source, prefix, sendFile); err != nil {
			return nil, err
		}
	}
	return files, nil
}

// walkInto enumerates one directory tree, emitting DirInfo frames
// and handing files to sendFile with prefix-joined wire paths.
func walkInto(pump *msgpump.Pump, options ClientOptions, source, prefix string,
	sendFile func(absolute, wirePath string, info os.FileInfo) error) error {
	err := filepath.WalkDir(source, func(walkPath string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if walkPath == source {
			return nil
		}
		relative, err := filepath.Rel(source, walkPath)
		if err != nil {
			return err
		}
		wirePath := filepath.ToSlash(relative)
		if prefix != "" {
			wirePath = path.Join(prefix, wirePath)
		}

		if entry.IsDir() {
			info, err := entry.Info()
			if err != nil {
				return err
			}
			return pump.SendMessage(frameDirInfo, DirInfo{
				Path: wirePath,
				Mode: uint32(info.Mode().Perm()),
			})
		}
		if !entry.Type().IsRegular() {
			return nil
		}
		if !options.Filters.Keep(wirePath) {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		return sendFile(walkPath, wirePath, info)
	})
	if err != nil {
		return fmt.Errorf("enumerating %s: %w", source, err)
	}
	return nil
}

// wireRelative turns a user-given source path into a safe wire path
// for --relative mode: cleaned, slash-separated, with any root or
// parent escapes stripped.
func wireRelative(source string) string {
	cleaned := path.Clean(filepath.ToSlash(source))
	cleaned = strings.TrimPrefix(cleaned, "/")
	for strings.HasPrefix(cleaned, "../") {
		cleaned = strings.TrimPrefix(cleaned, "../")
	}
	return cleaned
}

// sendWholeFile streams one file's complete content.
func sendWholeFile(pump *msgpump.Pump, files []localFile, index int64, summary *Summary) error {
	if index < 0 || index >= int64(len(files)) {
		return status.Errorf(status.Internal, "server requested unknown file index %d", index)
	}
	file, err := os.Open(files[index].absolute)
	if err != nil {
		return fmt.Errorf("opening %s: %w", files[index].absolute, err)
	}
	defer file.Close()

	buffer := make([]byte, fileDataRun)
	for {
		n, err := file.Read(buffer)
		if n > 0 {
			sendErr := pump.SendMessage(frameFileData, FileData{Index: index, Data: buffer[:n]})
			if sendErr != nil {
				return status.Wrap(status.Unavailable, sendErr, "sending file data")
			}
			summary.LiteralBytes += int64(n)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("reading %s: %w", files[index].absolute, err)
		}
	}
	return pump.SendMessage(frameEndFile, EndFile{Index: index})
}

// sendDelta answers one Signatures frame from the server with the
// matching delta stream.
func sendDelta(pump *msgpump.Pump, files []localFile, summary *Summary, logger *slog.Logger) error {
	var signature Signatures
	if err := pump.ReceiveMessage(frameSignatures, &signature); err != nil {
		return status.Wrap(status.Unavailable, err, "awaiting signatures")
	}
	if signature.Index < 0 || signature.Index >= int64(len(files)) {
		return status.Errorf(status.Internal, "signatures for unknown file index %d", signature.Index)
	}

	source, err := os.ReadFile(files[signature.Index].absolute)
	if err != nil {
		return fmt.Errorf("reading %s: %w", files[signature.Index].absolute, err)
	}

	// Batch ops so a delta frame carries a meaningful amount of
	// work without growing unbounded.
	var batch []DeltaOp
	var batchBytes int
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := pump.SendMessage(frameDelta, Delta{Index: signature.Index, Ops: batch})
		batch = nil
		batchBytes = 0
		return err
	}

	stats, err := generateDelta(source, signature.Blocks, signature.BlockSize, func(op DeltaOp) error {
		batch = append(batch, op)
		batchBytes += len(op.Literal)
		if len(batch) >= 256 || batchBytes >= fileDataRun {
			return flush()
		}
		return nil
	})
	if err != nil {
		return status.Wrap(status.Unavailable, err, "sending delta")
	}
	if err := flush(); err != nil {
		return status.Wrap(status.Unavailable, err, "sending delta")
	}

	summary.LiteralBytes += stats.literalBytes
	summary.MatchedBytes += stats.matchedBytes

	return pump.SendMessage(frameEndFile, EndFile{Index: signature.Index})
}
