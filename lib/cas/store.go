// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

package cas

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/conveyor-fs/conveyor/lib/chunk"
	"github.com/conveyor-fs/conveyor/lib/clock"
	"github.com/conveyor-fs/conveyor/lib/status"
)

// Directory names within the store root.
const (
	blobDir  = "blobs"
	indexDir = "index"
	tmpDir   = "tmp"
)

// blobHeaderSize is the fixed per-blob file header: 1 codec tag byte
// plus the uncompressed length as 8 little-endian bytes.
const blobHeaderSize = 9

// Options configures a Store.
type Options struct {
	// Root is the store directory. Created if absent.
	Root string

	// Codec is the compression applied to new blobs. Incompressible
	// blobs fall back to CodecNone regardless.
	Codec Codec

	// HighWater and LowWater bound disk usage in bytes. When usage
	// exceeds HighWater, the maintenance loop sweeps refcount-zero
	// blobs until usage drops to LowWater. Zero disables the
	// automatic sweep.
	HighWater int64
	LowWater  int64

	// SweepInterval is how often the maintenance loop checks usage.
	SweepInterval time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// Store is the process-wide content-addressed store. One Store is
// shared by all streaming sessions; see the package documentation for
// the on-disk layout.
//
// Put and Get are safe for any number of concurrent callers. Incref
// and Decref serialize per shard (first hash byte).
type Store struct {
	root    string
	codec   Codec
	db      *badger.DB
	clock   clock.Clock
	logger  *slog.Logger
	options Options

	// shards serialize refcount read-modify-write per first hash
	// byte, keeping the critical sections short and independent.
	shards [256]sync.Mutex

	// usage is the sum of Stored sizes across all indexed blobs.
	usage atomic.Int64

	// damaged is the set of hashes whose index entries had a live
	// refcount but whose blob files were missing at Open. Callers
	// use this to invalidate dependent manifests.
	damaged []chunk.Hash
}

// Open opens (creating if necessary) a store rooted at options.Root
// and reconciles the blob directories against the index.
func Open(options Options) (*Store, error) {
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	if options.SweepInterval <= 0 {
		options.SweepInterval = time.Minute
	}

	for _, dir := range []string{
		options.Root,
		filepath.Join(options.Root, blobDir),
		filepath.Join(options.Root, tmpDir),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating store directory %s: %w", dir, err)
		}
	}

	badgerOptions := badger.DefaultOptions(filepath.Join(options.Root, indexDir)).
		WithLogger(nil)
	db, err := badger.Open(badgerOptions)
	if err != nil {
		return nil, fmt.Errorf("opening store index: %w", err)
	}

	store := &Store{
		root:    options.Root,
		codec:   options.Codec,
		db:      db,
		clock:   options.Clock,
		logger:  options.Logger,
		options: options,
	}

	if err := store.reconcile(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// Close releases the index database. Pending writes are flushed.
func (s *Store) Close() error {
	return s.db.Close()
}

// Damaged returns the hashes that were indexed with a live refcount
// but missing from disk when the store was opened. A non-empty result
// means manifests referencing these blobs must be rebuilt.
func (s *Store) Damaged() []chunk.Hash {
	return s.damaged
}

// Usage returns the current on-disk usage in bytes (blob files only,
// not the index).
func (s *Store) Usage() int64 {
	return s.usage.Load()
}

// reconcile walks the blob directories and the index and repairs
// their disagreement: orphan blobs are adopted at refcount zero,
// index entries for missing blobs are dropped (recording the ones
// that claimed live references).
func (s *Store) reconcile() error {
	onDisk := make(map[chunk.Hash]int64)

	blobRoot := filepath.Join(s.root, blobDir)
	err := filepath.WalkDir(blobRoot, func(path string, entry os.DirEntry, err error) error {
		if err != nil || entry.IsDir() {
			return err
		}
		hash, parseErr := chunk.Parse(entry.Name())
		if parseErr != nil {
			s.logger.Warn("ignoring stray file in blob directory", "path", path)
			return nil
		}
		info, statErr := entry.Info()
		if statErr != nil {
			return statErr
		}
		onDisk[hash] = info.Size()
		return nil
	})
	if err != nil {
		return fmt.Errorf("walking blob directories: %w", err)
	}

	var total int64
	var missing []chunk.Hash
	indexed := make(map[chunk.Hash]struct{})

	err = s.forEachEntry(func(hash chunk.Hash, entry indexEntry) error {
		indexed[hash] = struct{}{}
		if _, ok := onDisk[hash]; !ok {
			if entry.Refcount > 0 {
				missing = append(missing, hash)
			}
			return nil
		}
		total += entry.Stored
		return nil
	})
	if err != nil {
		return err
	}

	now := s.clock.Now().UnixNano()
	err = s.db.Update(func(txn *badger.Txn) error {
		// Drop entries whose blobs vanished.
		for hash := range indexed {
			if _, ok := onDisk[hash]; !ok {
				if err := txn.Delete(indexKey(hash)); err != nil {
					return fmt.Errorf("dropping index entry for missing blob %s: %w", hash, err)
				}
			}
		}
		// Adopt orphan blobs at refcount zero so the sweeper can
		// reclaim them.
		for hash, storedSize := range onDisk {
			if _, ok := indexed[hash]; ok {
				continue
			}
			size, err := s.readBlobSize(hash)
			if err != nil {
				s.logger.Warn("unreadable orphan blob", "hash", hash.String(), "error", err)
				continue
			}
			entry := indexEntry{Size: size, Stored: storedSize, LastAccess: now}
			if err := writeEntry(txn, hash, entry); err != nil {
				return err
			}
			total += storedSize
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("reconciling store index: %w", err)
	}

	s.usage.Store(total)
	s.damaged = missing
	if len(missing) > 0 {
		s.logger.Warn("store opened with missing referenced blobs", "count", len(missing))
	}
	return nil
}

// BlobPath returns the sharded path of a blob file.
func (s *Store) BlobPath(hash chunk.Hash) string {
	hexName := hash.String()
	return filepath.Join(s.root, blobDir, hexName[:2], hexName)
}

// Put stores data under hash. Idempotent: storing a blob that already
// exists touches its access time and reports existed=true. The caller
// is responsible for hash being the chunk-domain or node-domain hash
// of data — the store does not rehash on the write path.
//
// A full disk surfaces as status.ResourceExhausted; the caller may
// Sweep and retry once.
func (s *Store) Put(hash chunk.Hash, data []byte) (existed bool, err error) {
	now := s.clock.Now().UnixNano()

	s.shards[hash[0]].Lock()
	defer s.shards[hash[0]].Unlock()

	var present bool
	err = s.db.Update(func(txn *badger.Txn) error {
		entry, ok, err := readEntry(txn, hash)
		if err != nil {
			return err
		}
		if ok {
			present = true
			entry.LastAccess = now
			return writeEntry(txn, hash, entry)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if present {
		return true, nil
	}

	payload, usedCodec, err := compress(data, s.codec)
	if err != nil {
		return false, fmt.Errorf("compressing blob %s: %w", hash, err)
	}

	storedSize, err := s.writeBlobFile(hash, payload, usedCodec, len(data))
	if err != nil {
		if isDiskFull(err) {
			return false, status.Wrap(status.ResourceExhausted, err, "store disk full")
		}
		return false, err
	}

	entry := indexEntry{Size: int64(len(data)), Stored: storedSize, LastAccess: now}
	err = s.db.Update(func(txn *badger.Txn) error {
		return writeEntry(txn, hash, entry)
	})
	if err != nil {
		return false, err
	}

	s.usage.Add(storedSize)
	return false, nil
}

// PutDurable stores a blob with the store's recovery policy: a full
// disk triggers a sweep and one retry, transient failures back off
// 100 ms then 400 ms. Put is idempotent, so the retries are safe.
func (s *Store) PutDurable(hash chunk.Hash, data []byte) (bool, error) {
	backoff := []time.Duration{100 * time.Millisecond, 400 * time.Millisecond}

	var lastErr error
	swept := false
	for attempt := 0; attempt <= len(backoff); attempt++ {
		existed, err := s.Put(hash, data)
		if err == nil {
			return existed, nil
		}
		lastErr = err

		if status.Is(err, status.ResourceExhausted) {
			if swept {
				return false, err
			}
			swept = true
			freed, sweepErr := s.Sweep(int64(len(data)) + blobHeaderSize)
			if sweepErr != nil || freed == 0 {
				return false, err
			}
			continue
		}
		if attempt < len(backoff) {
			s.clock.Sleep(backoff[attempt])
		}
	}
	return false, lastErr
}

// Get returns the blob's original bytes. Missing blobs return
// status.NotFound, which is non-fatal to callers by design.
func (s *Store) Get(hash chunk.Hash) ([]byte, error) {
	data, _, err := s.read(hash)
	if err != nil {
		return nil, err
	}
	s.touch(hash)
	return data, nil
}

// GetRange returns length bytes of the blob starting at offset. A
// negative length means "to the end". Offsets beyond the blob return
// InvalidArgument; a range that overruns the end is truncated.
func (s *Store) GetRange(hash chunk.Hash, offset int64, length int64) ([]byte, error) {
	data, _, err := s.read(hash)
	if err != nil {
		return nil, err
	}
	if offset < 0 || offset > int64(len(data)) {
		return nil, status.Errorf(status.InvalidArgument,
			"offset %d outside blob of %d bytes", offset, len(data))
	}
	end := int64(len(data))
	if length >= 0 && offset+length < end {
		end = offset + length
	}
	s.touch(hash)
	return data[offset:end], nil
}

// Contains reports whether the blob is present without reading it.
func (s *Store) Contains(hash chunk.Hash) bool {
	_, err := os.Stat(s.BlobPath(hash))
	return err == nil
}

// Incref increments the blob's reference count. The blob must exist.
func (s *Store) Incref(hash chunk.Hash) error {
	s.shards[hash[0]].Lock()
	defer s.shards[hash[0]].Unlock()

	return s.db.Update(func(txn *badger.Txn) error {
		entry, ok, err := readEntry(txn, hash)
		if err != nil {
			return err
		}
		if !ok {
			return status.Errorf(status.NotFound, "incref of unknown blob %s", hash)
		}
		entry.Refcount++
		return writeEntry(txn, hash, entry)
	})
}

// Decref decrements the blob's reference count and returns the
// remaining count. At zero the blob becomes an eviction candidate.
// Decref of an unknown blob is a logged no-op: it happens
// legitimately when a sweep raced the release of an old manifest.
func (s *Store) Decref(hash chunk.Hash) (uint64, error) {
	s.shards[hash[0]].Lock()
	defer s.shards[hash[0]].Unlock()

	var remaining uint64
	err := s.db.Update(func(txn *badger.Txn) error {
		entry, ok, err := readEntry(txn, hash)
		if err != nil {
			return err
		}
		if !ok {
			s.logger.Debug("decref of absent blob", "hash", hash.String())
			return nil
		}
		if entry.Refcount == 0 {
			s.logger.Warn("refcount underflow", "hash", hash.String())
			return nil
		}
		entry.Refcount--
		remaining = entry.Refcount
		return writeEntry(txn, hash, entry)
	})
	return remaining, err
}

// Refcount returns the blob's current reference count.
func (s *Store) Refcount(hash chunk.Hash) (uint64, error) {
	var count uint64
	err := s.db.View(func(txn *badger.Txn) error {
		entry, ok, err := readEntry(txn, hash)
		if err != nil {
			return err
		}
		if !ok {
			return status.Errorf(status.NotFound, "no index entry for %s", hash)
		}
		count = entry.Refcount
		return nil
	})
	return count, err
}

// Sweep evicts refcount-zero blobs in ascending last-access order
// until at least targetBytes of on-disk usage has been reclaimed or
// no candidates remain. Returns the bytes actually freed.
func (s *Store) Sweep(targetBytes int64) (int64, error) {
	type candidate struct {
		hash       chunk.Hash
		stored     int64
		lastAccess int64
	}

	var candidates []candidate
	err := s.forEachEntry(func(hash chunk.Hash, entry indexEntry) error {
		if entry.Refcount == 0 {
			candidates = append(candidates, candidate{hash, entry.Stored, entry.LastAccess})
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].lastAccess < candidates[j].lastAccess
	})

	var freed int64
	for _, c := range candidates {
		if freed >= targetBytes {
			break
		}

		s.shards[c.hash[0]].Lock()
		err := s.db.Update(func(txn *badger.Txn) error {
			// Re-check under the shard lock: the blob may have been
			// re-referenced since the scan.
			entry, ok, err := readEntry(txn, c.hash)
			if err != nil || !ok || entry.Refcount != 0 {
				return err
			}
			if err := txn.Delete(indexKey(c.hash)); err != nil {
				return fmt.Errorf("dropping index entry for %s: %w", c.hash, err)
			}
			if err := os.Remove(s.BlobPath(c.hash)); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("removing blob %s: %w", c.hash, err)
			}
			freed += c.stored
			return nil
		})
		s.shards[c.hash[0]].Unlock()
		if err != nil {
			return freed, err
		}
	}

	s.usage.Add(-freed)
	if freed > 0 {
		s.logger.Info("store sweep reclaimed space", "freed_bytes", freed)
	}
	return freed, nil
}

// RunMaintenance periodically compares usage against the configured
// high-water mark and sweeps down to the low-water mark. Blocks until
// done is closed. One maintenance loop runs per process.
func (s *Store) RunMaintenance(done <-chan struct{}) {
	if s.options.HighWater <= 0 {
		<-done
		return
	}

	ticker := s.clock.NewTicker(s.options.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			usage := s.Usage()
			if usage <= s.options.HighWater {
				continue
			}
			if _, err := s.Sweep(usage - s.options.LowWater); err != nil {
				s.logger.Error("store sweep failed", "error", err)
			}
		}
	}
}

// read loads and decodes a blob file.
func (s *Store) read(hash chunk.Hash) ([]byte, int64, error) {
	raw, err := os.ReadFile(s.BlobPath(hash))
	if os.IsNotExist(err) {
		return nil, 0, status.Errorf(status.NotFound, "blob %s not in store", hash)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("reading blob %s: %w", hash, err)
	}
	if len(raw) < blobHeaderSize {
		return nil, 0, fmt.Errorf("blob %s truncated: %d bytes", hash, len(raw))
	}

	tag := Codec(raw[0])
	size := int64(leUint64(raw[1:blobHeaderSize]))
	data, err := decompress(raw[blobHeaderSize:], tag, int(size))
	if err != nil {
		return nil, 0, fmt.Errorf("blob %s: %w", hash, err)
	}
	return data, int64(len(raw)), nil
}

// readBlobSize returns the uncompressed size recorded in a blob
// file's header without decoding the payload.
func (s *Store) readBlobSize(hash chunk.Hash) (int64, error) {
	file, err := os.Open(s.BlobPath(hash))
	if err != nil {
		return 0, err
	}
	defer file.Close()

	header := make([]byte, blobHeaderSize)
	if _, err := io.ReadFull(file, header); err != nil {
		return 0, fmt.Errorf("reading blob header: %w", err)
	}
	return int64(leUint64(header[1:])), nil
}

// writeBlobFile writes a blob via temp-file-and-rename. Returns the
// final on-disk size. Safe against concurrent writers of the same
// hash: both produce identical files and rename is atomic.
func (s *Store) writeBlobFile(hash chunk.Hash, payload []byte, usedCodec Codec, uncompressedSize int) (int64, error) {
	tmpFile, err := os.CreateTemp(filepath.Join(s.root, tmpDir), "blob-*")
	if err != nil {
		return 0, fmt.Errorf("creating temp blob file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	header := make([]byte, blobHeaderSize)
	header[0] = byte(usedCodec)
	putLeUint64(header[1:], uint64(uncompressedSize))

	if _, err := tmpFile.Write(header); err != nil {
		tmpFile.Close()
		return 0, fmt.Errorf("writing blob header: %w", err)
	}
	if _, err := tmpFile.Write(payload); err != nil {
		tmpFile.Close()
		return 0, fmt.Errorf("writing blob payload: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return 0, fmt.Errorf("closing temp blob file: %w", err)
	}

	finalPath := s.BlobPath(hash)
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return 0, fmt.Errorf("creating blob shard directory: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return 0, fmt.Errorf("renaming blob into place: %w", err)
	}

	success = true
	return int64(blobHeaderSize + len(payload)), nil
}

// touch updates a blob's last-access time. Best-effort: a conflict
// with a concurrent refcount update is harmless, so errors are only
// logged.
func (s *Store) touch(hash chunk.Hash) {
	now := s.clock.Now().UnixNano()
	err := s.db.Update(func(txn *badger.Txn) error {
		entry, ok, err := readEntry(txn, hash)
		if err != nil || !ok {
			return err
		}
		entry.LastAccess = now
		return writeEntry(txn, hash, entry)
	})
	if err != nil {
		s.logger.Debug("blob access-time update failed", "hash", hash.String(), "error", err)
	}
}

// isDiskFull reports whether err is ENOSPC anywhere in its chain.
func isDiskFull(err error) bool {
	return errors.Is(err, syscall.ENOSPC)
}

func leUint64(b []byte) uint64 {
	return binary.LittleEndian.Uint64(b)
}

func putLeUint64(b []byte, v uint64) {
	binary.LittleEndian.PutUint64(b, v)
}
