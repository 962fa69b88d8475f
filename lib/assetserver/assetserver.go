// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

// Package assetserver serves manifest lookups and chunk reads to the
// remote FUSE over an SSH-forwarded port.
//
// Every operation is stateless and idempotent: requests name the
// hashes they operate on, so a reader that captured a manifest root
// before a swap keeps resolving a consistent snapshot — the blobs
// stay readable until the CAS sweeps them. Heartbeat frames from the
// FUSE are not answered; they are forwarded to the session's sink.
package assetserver

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"runtime"
	"sync"

	"github.com/conveyor-fs/conveyor/lib/cas"
	"github.com/conveyor-fs/conveyor/lib/chunk"
	"github.com/conveyor-fs/conveyor/lib/codec"
	"github.com/conveyor-fs/conveyor/lib/manifest"
	"github.com/conveyor-fs/conveyor/lib/msgpump"
	"github.com/conveyor-fs/conveyor/lib/status"
)

// RootSource supplies the current manifest root. Implemented by the
// session's updater.
type RootSource interface {
	Root() chunk.Hash
}

// HeartbeatSink receives heartbeat notifications. Implemented by the
// session's FUSE supervisor.
type HeartbeatSink interface {
	HeartbeatReceived()
}

// Wire messages.

type RootResponse struct {
	Root chunk.Hash `json:"root"`
}

type LookupRequest struct {
	Parent chunk.Hash `json:"parent"`
	Name   string     `json:"name"`
}

type LookupResponse struct {
	Entry manifest.Entry `json:"entry"`
}

type ReadDirRequest struct {
	Dir chunk.Hash `json:"dir"`
}

// ReadDirResponse describes any node: directory entries for
// directories, the chunk list for files, the target for symlinks.
// One response shape keeps the FUSE's node-fetch path single-RPC.
type ReadDirResponse struct {
	Entries []manifest.Entry    `json:"entries,omitempty"`
	Chunks  []manifest.ChunkRef `json:"chunks,omitempty"`
	Target  string              `json:"target,omitempty"`
}

type ReadChunkRequest struct {
	Hash   chunk.Hash `json:"hash"`
	Offset int64      `json:"offset"`
	Length int64      `json:"length"`
}

type ReadChunkResponse struct {
	Data []byte `json:"data"`
}

type PrefetchRequest struct {
	Hashes []chunk.Hash `json:"hashes"`
}

type Heartbeat struct {
	UnixNano int64 `json:"unix_nano"`
}

// ErrorResponse reports a failed operation with its status kind.
type ErrorResponse struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Server answers asset-stream requests on accepted connections.
type Server struct {
	store  *cas.Store
	roots  RootSource
	sink   HeartbeatSink
	logger *slog.Logger

	listener net.Listener

	mu     sync.Mutex
	closed bool
	conns  map[net.Conn]struct{}
	wg     sync.WaitGroup
}

// New creates a server bound to the given listener. Serve must be
// called to start accepting.
func New(listener net.Listener, store *cas.Store, roots RootSource, sink HeartbeatSink, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:    store,
		roots:    roots,
		sink:     sink,
		logger:   logger,
		listener: listener,
		conns:    make(map[net.Conn]struct{}),
	}
}

// Addr returns the listener address.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Serve accepts connections until Close. Each connection is handled
// by one worker; concurrent connections are bounded by a small pool
// since the only client is the session's FUSE process.
func (s *Server) Serve() error {
	workers := 8
	if n := runtime.NumCPU(); n < workers {
		workers = n
	}
	slots := make(chan struct{}, workers)

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return fmt.Errorf("accepting asset-stream connection: %w", err)
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return nil
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		slots <- struct{}{}
		s.wg.Add(1)
		go func() {
			defer func() {
				<-slots
				s.wg.Done()
				s.mu.Lock()
				delete(s.conns, conn)
				s.mu.Unlock()
				conn.Close()
			}()
			s.handleConn(conn)
		}()
	}
}

// Close stops accepting and tears down open connections. Blocking
// reads in handlers unblock via the closed sockets.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := make([]net.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	err := s.listener.Close()
	for _, conn := range conns {
		conn.Close()
	}
	s.wg.Wait()
	return err
}

// handleConn serves one connection's request loop.
func (s *Server) handleConn(conn net.Conn) {
	pump := msgpump.New(conn)
	defer pump.Close()

	for {
		frameType, payload, err := pump.Receive()
		if err != nil {
			if err != io.EOF {
				s.logger.Debug("asset-stream connection ended", "error", err)
			}
			return
		}
		if err := s.dispatch(pump, frameType, payload); err != nil {
			s.logger.Warn("asset-stream request failed", "type", frameType, "error", err)
			return
		}
	}
}

// dispatch answers one request frame. Request failures are reported
// to the client as ErrorResponse frames; only transport errors end
// the connection.
func (s *Server) dispatch(pump *msgpump.Pump, frameType msgpump.Type, payload []byte) error {
	switch frameType {
	case msgpump.TypeHeartbeat:
		if s.sink != nil {
			s.sink.HeartbeatReceived()
		}
		return nil

	case msgpump.TypeManifestRootRequest:
		return pump.SendMessage(msgpump.TypeManifestRootResponse, RootResponse{Root: s.roots.Root()})

	case msgpump.TypeLookupRequest:
		var request LookupRequest
		if err := unmarshalRequest(payload, &request); err != nil {
			return err
		}
		entry, err := s.lookup(request)
		if err != nil {
			return sendError(pump, err)
		}
		return pump.SendMessage(msgpump.TypeLookupResponse, LookupResponse{Entry: *entry})

	case msgpump.TypeReadDirRequest:
		var request ReadDirRequest
		if err := unmarshalRequest(payload, &request); err != nil {
			return err
		}
		node, err := manifest.LoadNode(s.store, request.Dir)
		if err != nil {
			return sendError(pump, err)
		}
		return pump.SendMessage(msgpump.TypeReadDirResponse, ReadDirResponse{
			Entries: node.Entries,
			Chunks:  node.Chunks,
			Target:  node.Target,
		})

	case msgpump.TypeReadChunkRequest:
		var request ReadChunkRequest
		if err := unmarshalRequest(payload, &request); err != nil {
			return err
		}
		data, err := s.store.GetRange(request.Hash, request.Offset, request.Length)
		if err != nil {
			return sendError(pump, err)
		}
		return pump.SendMessage(msgpump.TypeReadChunkResponse, ReadChunkResponse{Data: data})

	case msgpump.TypePrefetchRequest:
		var request PrefetchRequest
		if err := unmarshalRequest(payload, &request); err != nil {
			return err
		}
		// Best-effort: touching the blobs promotes them in the
		// eviction order; missing ones are simply skipped.
		for _, hash := range request.Hashes {
			if _, err := s.store.Get(hash); err != nil && !status.Is(err, status.NotFound) {
				s.logger.Debug("prefetch read failed", "hash", hash.String(), "error", err)
			}
		}
		return pump.SendMessage(msgpump.TypePrefetchResponse, struct{}{})

	default:
		return sendError(pump, status.Errorf(status.InvalidArgument,
			"unknown asset-stream request type %d", frameType))
	}
}

// lookup resolves one name in a directory node.
func (s *Server) lookup(request LookupRequest) (*manifest.Entry, error) {
	node, err := manifest.LoadNode(s.store, request.Parent)
	if err != nil {
		return nil, err
	}
	if node.Kind != manifest.KindDir {
		return nil, status.Errorf(status.InvalidArgument,
			"lookup parent %s is not a directory", request.Parent)
	}
	entry := node.FindEntry(request.Name)
	if entry == nil {
		return nil, status.Errorf(status.NotFound, "no entry %q in %s", request.Name, request.Parent)
	}
	return entry, nil
}

func unmarshalRequest(payload []byte, v any) error {
	if err := codec.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("malformed asset-stream request: %w", err)
	}
	return nil
}

// sendError reports a request failure to the client.
func sendError(pump *msgpump.Pump, err error) error {
	return pump.SendMessage(msgpump.TypeErrorResponse, ErrorResponse{
		Kind:    status.Kind(err).String(),
		Message: err.Error(),
	})
}
