// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

package deltasync

import (
	"bytes"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/conveyor-fs/conveyor/lib/codec"
	"github.com/conveyor-fs/conveyor/lib/msgpump"
	"github.com/conveyor-fs/conveyor/lib/status"
)

// ServerOptions configures the receiving side.
type ServerOptions struct {
	// RestrictTo, when set, requires the handshake's destination to
	// resolve inside this directory. Empty means any writable path
	// is accepted (the transport — SSH as the invoking user — is the
	// trust boundary).
	RestrictTo string

	Logger *slog.Logger
}

// serverState carries one sync's state across phases.
type serverState struct {
	pump    *msgpump.Pump
	options ServerOptions
	logger  *slog.Logger

	handshake Handshake
	destDir   string
	filters   *FilterSet

	files []FileInfo
	dirs  []DirInfo

	missing []int64
	changed []int64
	deleted []string

	summary Summary
}

// RunServer serves one sync on an established pump, then returns.
func RunServer(pump *msgpump.Pump, options ServerOptions) error {
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	state := &serverState{pump: pump, options: options, logger: options.Logger}

	if err := state.handshakePhase(); err != nil {
		return err
	}
	if err := state.enumerationPhase(); err != nil {
		return err
	}
	if err := state.diffPhase(); err != nil {
		return err
	}
	if !state.handshake.DryRun {
		if err := state.transferPhase(); err != nil {
			return err
		}
	}
	return state.completionPhase()
}

func (s *serverState) handshakePhase() error {
	if err := s.pump.ReceiveMessage(frameHandshake, &s.handshake); err != nil {
		return status.Wrap(status.Unavailable, err, "awaiting handshake")
	}

	reject := func(format string, args ...any) error {
		message := fmt.Sprintf(format, args...)
		s.pump.SendMessage(frameHandshake, Handshake{Version: ProtocolVersion, Error: message})
		return status.Errorf(status.FailedPrecondition, "%s", message)
	}

	if s.handshake.Version != ProtocolVersion {
		return reject("protocol version mismatch: local %d, remote %d", ProtocolVersion, s.handshake.Version)
	}

	destDir := filepath.Clean(s.handshake.DestDir)
	if destDir == "" || destDir == "." {
		return reject("empty destination directory")
	}
	if s.options.RestrictTo != "" {
		absolute, err := filepath.Abs(destDir)
		if err != nil || !strings.HasPrefix(absolute+string(filepath.Separator),
			filepath.Clean(s.options.RestrictTo)+string(filepath.Separator)) {
			return reject("destination %s outside permitted root", destDir)
		}
	}
	if !s.handshake.DryRun {
		if err := os.MkdirAll(destDir, 0o755); err != nil {
			return reject("destination not writable: %v", err)
		}
	}
	s.destDir = destDir
	s.filters = FilterFromWire(s.handshake.Filters)

	return s.pump.SendMessage(frameHandshake, Handshake{Version: ProtocolVersion})
}

func (s *serverState) enumerationPhase() error {
	for {
		frameType, payload, err := s.pump.Receive()
		if err != nil {
			return status.Wrap(status.Unavailable, err, "receiving enumeration")
		}
		switch frameType {
		case frameFileInfo:
			var info FileInfo
			if err := decode(payload, &info); err != nil {
				return err
			}
			if int64(len(s.files)) != info.Index {
				return status.Errorf(status.Internal,
					"file index %d out of order (expected %d)", info.Index, len(s.files))
			}
			s.files = append(s.files, info)
		case frameDirInfo:
			var info DirInfo
			if err := decode(payload, &info); err != nil {
				return err
			}
			s.dirs = append(s.dirs, info)
		case frameDoneEnum:
			return nil
		default:
			return status.Errorf(status.Internal, "unexpected frame %d during enumeration", frameType)
		}
	}
}

// diffPhase compares the enumerated source against the destination
// tree and reports the partition back to the client.
func (s *serverState) diffPhase() error {
	// Materialize directories first so file staging has parents.
	if !s.handshake.DryRun {
		for _, dir := range s.dirs {
			dirPath, err := s.resolve(dir.Path)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(dirPath, fs.FileMode(dir.Mode)|0o700); err != nil {
				return fmt.Errorf("creating directory %s: %w", dirPath, err)
			}
		}
	}

	known := make(map[string]struct{}, len(s.files))
	for index, file := range s.files {
		known[file.Path] = struct{}{}

		destPath, err := s.resolve(file.Path)
		if err != nil {
			return err
		}
		info, statErr := os.Stat(destPath)

		switch {
		case os.IsNotExist(statErr):
			if s.handshake.Existing {
				s.summary.FilesUnchanged++
				continue
			}
			// A basis copy under --copy-dest turns a whole-file
			// transfer into a delta.
			if basisInfo, ok := s.copyBasis(file, destPath); ok {
				if s.fileChanged(file, destPath, basisInfo) {
					s.changed = append(s.changed, int64(index))
				} else {
					s.summary.FilesUnchanged++
				}
				continue
			}
			s.missing = append(s.missing, int64(index))

		case statErr != nil:
			return fmt.Errorf("stat %s: %w", destPath, statErr)

		case s.fileChanged(file, destPath, info):
			s.changed = append(s.changed, int64(index))

		default:
			s.summary.FilesUnchanged++
		}
	}

	// Extraneous destination files, for --delete. The client's
	// filters apply here too: an excluded path is invisible to the
	// sync, not deletable by it.
	if s.handshake.Delete {
		if err := s.collectExtraneous(known); err != nil {
			return err
		}
	}

	s.summary.FilesTotal = int64(len(s.files))
	s.summary.FilesMissing = int64(len(s.missing))
	s.summary.FilesChanged = int64(len(s.changed))
	s.summary.FilesDeleted = int64(len(s.deleted))

	err := s.pump.SendMessage(frameFileStats, FileStats{
		Missing:    int64(len(s.missing)),
		Changed:    int64(len(s.changed)),
		Unchanged:  s.summary.FilesUnchanged,
		Extraneous: int64(len(s.deleted)),
	})
	if err != nil {
		return status.Wrap(status.Unavailable, err, "sending diff stats")
	}
	if err := s.pump.SendMessage(frameDeletedPaths, DeletedPaths{Paths: s.deleted}); err != nil {
		return err
	}
	if err := s.pump.SendMessage(frameMissingIndices, Indices{Indices: s.missing}); err != nil {
		return err
	}
	if err := s.pump.SendMessage(frameChangedIndices, Indices{Indices: s.changed}); err != nil {
		return err
	}

	// Apply deletions after reporting them; dry-run only reports.
	if s.handshake.Delete && !s.handshake.DryRun {
		for _, relative := range s.deleted {
			destPath, err := s.resolve(relative)
			if err != nil {
				continue
			}
			if err := os.Remove(destPath); err != nil && !os.IsNotExist(err) {
				s.logger.Warn("deleting extraneous file failed", "path", destPath, "error", err)
			}
		}
	}
	return nil
}

// copyBasis installs a --copy-dest basis file at destPath when one
// exists, returning its stat. Dry-run never copies.
func (s *serverState) copyBasis(file FileInfo, destPath string) (os.FileInfo, bool) {
	if s.handshake.CopyDest == "" || s.handshake.DryRun {
		return nil, false
	}
	basisPath := filepath.Join(s.handshake.CopyDest, filepath.FromSlash(file.Path))
	content, err := os.ReadFile(basisPath)
	if err != nil {
		return nil, false
	}
	stage, err := stageTemp(destPath)
	if err != nil {
		return nil, false
	}
	if _, err := stage.Write(content); err != nil {
		stage.Close()
		os.Remove(stage.Name())
		return nil, false
	}
	stagePath := stage.Name()
	if err := stage.Close(); err != nil {
		os.Remove(stagePath)
		return nil, false
	}
	basisInfo, err := os.Stat(basisPath)
	if err == nil {
		os.Chtimes(stagePath, basisInfo.ModTime(), basisInfo.ModTime())
	}
	if err := os.Rename(stagePath, destPath); err != nil {
		os.Remove(stagePath)
		return nil, false
	}
	info, err := os.Stat(destPath)
	if err != nil {
		return nil, false
	}
	s.logger.Debug("installed copy-dest basis", "path", file.Path)
	return info, true
}

// fileChanged decides whether a destination file needs updating:
// size first, then checksum when requested, mtime otherwise.
func (s *serverState) fileChanged(file FileInfo, destPath string, info os.FileInfo) bool {
	if info.Size() != file.Size {
		return true
	}
	if s.handshake.Checksum && len(file.Checksum) > 0 {
		content, err := os.ReadFile(destPath)
		if err != nil {
			return true
		}
		return !bytes.Equal(fileChecksum(content), file.Checksum)
	}
	return info.ModTime().UnixNano() != file.MTime
}

// collectExtraneous walks the destination and records files the
// source no longer has.
func (s *serverState) collectExtraneous(known map[string]struct{}) error {
	err := filepath.WalkDir(s.destDir, func(walkPath string, entry fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if entry.IsDir() || !entry.Type().IsRegular() {
			return nil
		}
		relative, err := filepath.Rel(s.destDir, walkPath)
		if err != nil {
			return err
		}
		relative = filepath.ToSlash(relative)
		if _, ok := known[relative]; ok {
			return nil
		}
		if !s.filters.Keep(relative) {
			return nil
		}
		s.deleted = append(s.deleted, relative)
		return nil
	})
	if err != nil {
		return fmt.Errorf("scanning destination for extraneous files: %w", err)
	}
	sort.Strings(s.deleted)
	return nil
}

// transferPhase receives whole files for the missing set, then runs
// the signature→delta→patch exchange for each changed file.
func (s *serverState) transferPhase() error {
	wholeCount := len(s.missing)
	if s.handshake.WholeFile {
		wholeCount += len(s.changed)
	}

	if err := s.receiveWholeFiles(wholeCount); err != nil {
		return err
	}

	if !s.handshake.WholeFile {
		for _, index := range s.changed {
			if err := s.deltaOneFile(index); err != nil {
				return err
			}
		}
	}
	return nil
}

// receiveWholeFiles consumes FileData/EndFile streams for count
// files, staging each into a sidecar temp file and renaming on its
// EndFile.
func (s *serverState) receiveWholeFiles(count int) error {
	type staged struct {
		file *os.File
		path string
	}
	inFlight := make(map[int64]*staged)
	defer func() {
		// Abort path: no partial files left behind.
		for _, stage := range inFlight {
			stage.file.Close()
			os.Remove(stage.path)
		}
	}()

	for completed := 0; completed < count; {
		frameType, payload, err := s.pump.Receive()
		if err != nil {
			return status.Wrap(status.Unavailable, err, "receiving file data")
		}

		switch frameType {
		case msgpump.TypeStartCompression:
			continue

		case frameFileData:
			var data FileData
			if err := decode(payload, &data); err != nil {
				return err
			}
			stage, ok := inFlight[data.Index]
			if !ok {
				destPath, err := s.resolveIndex(data.Index)
				if err != nil {
					return err
				}
				file, err := stageTemp(destPath)
				if err != nil {
					return err
				}
				stage = &staged{file: file, path: file.Name()}
				inFlight[data.Index] = stage
			}
			if _, err := stage.file.Write(data.Data); err != nil {
				return fmt.Errorf("writing staged data: %w", err)
			}

		case frameEndFile:
			var end EndFile
			if err := decode(payload, &end); err != nil {
				return err
			}
			destPath, err := s.resolveIndex(end.Index)
			if err != nil {
				return err
			}
			stage, ok := inFlight[end.Index]
			if !ok {
				// Zero-length file: no FileData frames arrived.
				file, err := stageTemp(destPath)
				if err != nil {
					return err
				}
				stage = &staged{file: file, path: file.Name()}
				inFlight[end.Index] = stage
			}
			if err := s.commitStaged(stage.file, stage.path, destPath, s.files[end.Index]); err != nil {
				return err
			}
			delete(inFlight, end.Index)
			completed++

		default:
			return status.Errorf(status.Internal, "unexpected frame %d during file transfer", frameType)
		}
	}
	return nil
}

// deltaOneFile runs phase 5 for a single changed file.
func (s *serverState) deltaOneFile(index int64) error {
	destPath, err := s.resolveIndex(index)
	if err != nil {
		return err
	}
	oldContent, err := os.ReadFile(destPath)
	if err != nil {
		return fmt.Errorf("reading destination %s: %w", destPath, err)
	}

	blockSize := pickBlockSize(int64(len(oldContent)))
	err = s.pump.SendMessage(frameSignatures, Signatures{
		Index:     index,
		BlockSize: blockSize,
		Blocks:    computeSignatures(oldContent, blockSize),
	})
	if err != nil {
		return status.Wrap(status.Unavailable, err, "sending signatures")
	}

	stage, err := stageTemp(destPath)
	if err != nil {
		return err
	}
	stagePath := stage.Name()
	committed := false
	defer func() {
		if !committed {
			stage.Close()
			os.Remove(stagePath)
		}
	}()

	for {
		frameType, payload, err := s.pump.Receive()
		if err != nil {
			return status.Wrap(status.Unavailable, err, "receiving delta")
		}
		switch frameType {
		case msgpump.TypeStartCompression:
			continue
		case frameDelta:
			var delta Delta
			if err := decode(payload, &delta); err != nil {
				return err
			}
			if delta.Index != index {
				return status.Errorf(status.Internal, "delta for file %d while patching %d", delta.Index, index)
			}
			for _, op := range delta.Ops {
				if err := applyOp(stage, op, oldContent, blockSize); err != nil {
					return fmt.Errorf("applying delta to %s: %w", destPath, err)
				}
			}
		case frameEndFile:
			var end EndFile
			if err := decode(payload, &end); err != nil {
				return err
			}
			if end.Index != index {
				return status.Errorf(status.Internal, "end-of-file for %d while patching %d", end.Index, index)
			}
			if err := s.commitStaged(stage, stagePath, destPath, s.files[index]); err != nil {
				return err
			}
			committed = true
			return nil
		default:
			return status.Errorf(status.Internal, "unexpected frame %d during delta transfer", frameType)
		}
	}
}

// commitStaged finalizes one staged file: close, apply mode and
// mtime, rename over the destination.
func (s *serverState) commitStaged(file *os.File, stagePath, destPath string, info FileInfo) error {
	if err := file.Close(); err != nil {
		os.Remove(stagePath)
		return fmt.Errorf("closing staged file: %w", err)
	}
	if err := os.Chmod(stagePath, fs.FileMode(info.Mode)); err != nil {
		os.Remove(stagePath)
		return fmt.Errorf("setting mode on %s: %w", destPath, err)
	}
	mtime := time.Unix(0, info.MTime)
	if err := os.Chtimes(stagePath, mtime, mtime); err != nil {
		os.Remove(stagePath)
		return fmt.Errorf("setting mtime on %s: %w", destPath, err)
	}
	if err := os.Rename(stagePath, destPath); err != nil {
		os.Remove(stagePath)
		return fmt.Errorf("renaming into %s: %w", destPath, err)
	}
	return nil
}

// completionPhase exchanges summaries and ends the session. Client
// compression control frames still ahead of the summary are skipped.
func (s *serverState) completionPhase() error {
	var clientSummary Summary
	for {
		frameType, payload, err := s.pump.Receive()
		if err != nil {
			return status.Wrap(status.Unavailable, err, "awaiting client summary")
		}
		if frameType == msgpump.TypeStartCompression || frameType == msgpump.TypeStopCompression {
			continue
		}
		if frameType != frameSummary {
			return status.Errorf(status.Internal, "unexpected frame %d awaiting client summary", frameType)
		}
		if err := decode(payload, &clientSummary); err != nil {
			return err
		}
		break
	}
	if err := s.pump.SendMessage(frameSummary, s.summary); err != nil {
		return status.Wrap(status.Unavailable, err, "sending summary")
	}
	return nil
}

// resolve maps a wire path into the destination tree, rejecting
// escapes.
func (s *serverState) resolve(wirePath string) (string, error) {
	cleaned := path.Clean(wirePath)
	if cleaned == "" || cleaned == "." || path.IsAbs(cleaned) ||
		cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", status.Errorf(status.InvalidArgument, "path %q escapes destination", wirePath)
	}
	return filepath.Join(s.destDir, filepath.FromSlash(cleaned)), nil
}

func (s *serverState) resolveIndex(index int64) (string, error) {
	if index < 0 || index >= int64(len(s.files)) {
		return "", status.Errorf(status.Internal, "file index %d out of range", index)
	}
	return s.resolve(s.files[index].Path)
}

// stageTemp creates a sidecar temp file next to destPath, creating
// parent directories as needed.
func stageTemp(destPath string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating parent of %s: %w", destPath, err)
	}
	file, err := os.CreateTemp(filepath.Dir(destPath), ".conveyor-stage-*")
	if err != nil {
		return nil, fmt.Errorf("staging %s: %w", destPath, err)
	}
	return file, nil
}

// decode unmarshals a frame payload with consistent error wrapping.
func decode(payload []byte, v any) error {
	if err := codec.Unmarshal(payload, v); err != nil {
		return status.Wrap(status.Internal, err, "malformed frame payload")
	}
	return nil
}
