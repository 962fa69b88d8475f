// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/conveyor-fs/conveyor/lib/assetserver"
	"github.com/conveyor-fs/conveyor/lib/chunk"
	"github.com/conveyor-fs/conveyor/lib/manifest"
	"github.com/conveyor-fs/conveyor/lib/status"
)

// mount attaches the read-only asset filesystem at mountpoint.
func mount(client *assetserver.Client, mountpoint string, logger *slog.Logger) (*fuse.Server, error) {
	if err := os.MkdirAll(mountpoint, 0o755); err != nil {
		return nil, err
	}

	root := &dirNode{client: client, logger: logger, isRoot: true}

	entryTimeout := time.Second
	attrTimeout := time.Second
	negativeTimeout := 100 * time.Millisecond

	return gofuse.Mount(mountpoint, root, &gofuse.Options{
		EntryTimeout:    &entryTimeout,
		AttrTimeout:     &attrTimeout,
		NegativeTimeout: &negativeTimeout,
		MountOptions: fuse.MountOptions{
			FsName: "conveyor",
			Name:   "conveyor",
		},
	})
}

// dirNode is a directory in the streamed tree. The root node
// re-resolves the manifest root on every operation so a published
// manifest swap becomes visible within the kernel's entry timeout;
// inner nodes are pinned to the hash their parent resolved, which is
// what gives in-flight traversals a consistent snapshot.
type dirNode struct {
	gofuse.Inode
	client *assetserver.Client
	logger *slog.Logger

	isRoot bool
	hash   chunk.Hash
	entry  manifest.Entry
}

var _ gofuse.InodeEmbedder = (*dirNode)(nil)
var _ gofuse.NodeLookuper = (*dirNode)(nil)
var _ gofuse.NodeReaddirer = (*dirNode)(nil)
var _ gofuse.NodeGetattrer = (*dirNode)(nil)

// resolveHash returns the directory's node hash, refreshing the
// manifest root for the root node.
func (d *dirNode) resolveHash() (chunk.Hash, syscall.Errno) {
	if !d.isRoot {
		return d.hash, 0
	}
	root, err := d.client.Root()
	if err != nil {
		d.logger.Warn("manifest root fetch failed", "error", err)
		return chunk.Hash{}, syscall.EIO
	}
	return root, 0
}

func (d *dirNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	hash, errno := d.resolveHash()
	if errno != 0 {
		return nil, errno
	}

	entry, err := d.client.Lookup(hash, name)
	if err != nil {
		if status.Is(err, status.NotFound) {
			return nil, syscall.ENOENT
		}
		d.logger.Warn("lookup failed", "name", name, "error", err)
		return nil, syscall.EIO
	}

	child, mode := d.inodeFor(ctx, *entry)
	fillAttr(&out.Attr, *entry)
	out.Mode = mode
	return child, 0
}

func (d *dirNode) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	hash, errno := d.resolveHash()
	if errno != 0 {
		return nil, errno
	}

	node, err := d.client.ReadDir(hash)
	if err != nil {
		d.logger.Warn("readdir failed", "error", err)
		return nil, syscall.EIO
	}

	entries := make([]fuse.DirEntry, 0, len(node.Entries))
	for _, entry := range node.Entries {
		entries = append(entries, fuse.DirEntry{
			Name: entry.Name,
			Mode: kindMode(entry.Kind),
		})
	}
	return &sliceDirStream{entries: entries}, 0
}

func (d *dirNode) Getattr(ctx context.Context, f gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	if !d.isRoot {
		fillAttr(&out.Attr, d.entry)
	} else {
		out.Mode = syscall.S_IFDIR | 0o555
	}
	return 0
}

// inodeFor builds the child inode for a directory entry.
func (d *dirNode) inodeFor(ctx context.Context, entry manifest.Entry) (*gofuse.Inode, uint32) {
	switch entry.Kind {
	case manifest.KindDir:
		node := &dirNode{client: d.client, logger: d.logger, hash: entry.Hash, entry: entry}
		return d.NewInode(ctx, node, gofuse.StableAttr{Mode: syscall.S_IFDIR}), syscall.S_IFDIR | entry.Mode

	case manifest.KindSymlink:
		node := &symlinkNode{client: d.client, hash: entry.Hash, logger: d.logger}
		return d.NewInode(ctx, node, gofuse.StableAttr{Mode: syscall.S_IFLNK}), syscall.S_IFLNK | entry.Mode

	default:
		node := &fileNode{client: d.client, hash: entry.Hash, entry: entry, logger: d.logger}
		return d.NewInode(ctx, node, gofuse.StableAttr{Mode: syscall.S_IFREG}), syscall.S_IFREG | entry.Mode
	}
}

// fileNode is a streamed file. The chunk table is fetched lazily on
// open and reads are served chunk-by-chunk from the workstation.
type fileNode struct {
	gofuse.Inode
	client *assetserver.Client
	logger *slog.Logger
	hash   chunk.Hash
	entry  manifest.Entry

	mu      sync.Mutex
	chunks  []manifest.ChunkRef
	offsets []int64
}

var _ gofuse.InodeEmbedder = (*fileNode)(nil)
var _ gofuse.NodeGetattrer = (*fileNode)(nil)
var _ gofuse.NodeOpener = (*fileNode)(nil)
var _ gofuse.NodeReader = (*fileNode)(nil)

func (f *fileNode) Getattr(ctx context.Context, _ gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	fillAttr(&out.Attr, f.entry)
	return 0
}

func (f *fileNode) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0 {
		return nil, 0, syscall.EROFS
	}
	if errno := f.ensureChunkTable(); errno != 0 {
		return nil, 0, errno
	}

	// Warm the first chunks: sequential reads are the common access
	// pattern for game assets.
	var warm []chunk.Hash
	for i := 0; i < len(f.chunks) && i < 4; i++ {
		warm = append(warm, f.chunks[i].Hash)
	}
	if len(warm) > 0 {
		go f.client.Prefetch(warm)
	}
	return nil, fuse.FOPEN_KEEP_CACHE, 0
}

func (f *fileNode) Read(ctx context.Context, _ gofuse.FileHandle, dest []byte, offset int64) (fuse.ReadResult, syscall.Errno) {
	if errno := f.ensureChunkTable(); errno != 0 {
		return nil, errno
	}

	read := 0
	for read < len(dest) && offset < f.entry.Size {
		index := f.chunkAt(offset)
		if index < 0 {
			break
		}
		within := offset - f.offsets[index]
		want := int64(len(dest) - read)

		data, err := f.client.ReadChunk(f.chunks[index].Hash, within, want)
		if err != nil {
			f.logger.Warn("chunk read failed", "hash", f.chunks[index].Hash.String(), "error", err)
			return nil, syscall.EIO
		}
		if len(data) == 0 {
			break
		}
		copy(dest[read:], data)
		read += len(data)
		offset += int64(len(data))
	}
	return fuse.ReadResultData(dest[:read]), 0
}

// ensureChunkTable fetches the file's chunk list once.
func (f *fileNode) ensureChunkTable() syscall.Errno {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offsets != nil {
		return 0
	}

	node, err := f.client.ReadDir(f.hash)
	if err != nil {
		f.logger.Warn("chunk table fetch failed", "error", err)
		return syscall.EIO
	}

	offsets := make([]int64, len(node.Chunks)+1)
	for i, ref := range node.Chunks {
		offsets[i+1] = offsets[i] + int64(ref.Length)
	}
	f.chunks = node.Chunks
	f.offsets = offsets
	return 0
}

// chunkAt returns the index of the chunk containing offset, or -1.
func (f *fileNode) chunkAt(offset int64) int {
	low, high := 0, len(f.chunks)
	for low < high {
		mid := (low + high) / 2
		if f.offsets[mid+1] <= offset {
			low = mid + 1
		} else {
			high = mid
		}
	}
	if low >= len(f.chunks) {
		return -1
	}
	return low
}

// symlinkNode is a streamed symlink.
type symlinkNode struct {
	gofuse.Inode
	client *assetserver.Client
	logger *slog.Logger
	hash   chunk.Hash
}

var _ gofuse.InodeEmbedder = (*symlinkNode)(nil)
var _ gofuse.NodeReadlinker = (*symlinkNode)(nil)

func (s *symlinkNode) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	node, err := s.client.ReadDir(s.hash)
	if err != nil {
		s.logger.Warn("readlink failed", "error", err)
		return nil, syscall.EIO
	}
	return []byte(node.Target), 0
}

// fillAttr maps a manifest entry onto FUSE attributes.
func fillAttr(attr *fuse.Attr, entry manifest.Entry) {
	attr.Mode = kindMode(entry.Kind) | entry.Mode
	attr.Size = uint64(entry.Size)
	mtime := time.Unix(0, entry.MTime)
	attr.SetTimes(nil, &mtime, &mtime)
}

func kindMode(kind manifest.Kind) uint32 {
	switch kind {
	case manifest.KindDir:
		return syscall.S_IFDIR
	case manifest.KindSymlink:
		return syscall.S_IFLNK
	default:
		return syscall.S_IFREG
	}
}

// sliceDirStream streams a fixed entry list.
type sliceDirStream struct {
	entries []fuse.DirEntry
	next    int
}

func (s *sliceDirStream) HasNext() bool { return s.next < len(s.entries) }

func (s *sliceDirStream) Next() (fuse.DirEntry, syscall.Errno) {
	entry := s.entries[s.next]
	s.next++
	return entry, 0
}

func (s *sliceDirStream) Close() {}
