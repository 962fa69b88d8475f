// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

package mgmt

import (
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/conveyor-fs/conveyor/lib/clock"
	"github.com/conveyor-fs/conveyor/lib/codec"
	"github.com/conveyor-fs/conveyor/lib/msgpump"
	"github.com/conveyor-fs/conveyor/lib/session"
)

// Server answers management RPCs on a loopback listener.
type Server struct {
	manager  *session.Manager
	listener net.Listener
	clock    clock.Clock
	logger   *slog.Logger

	mu     sync.Mutex
	closed bool
	conns  map[net.Conn]struct{}
}

// NewServer creates a management server over the session manager.
func NewServer(listener net.Listener, manager *session.Manager, clk clock.Clock, logger *slog.Logger) *Server {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		manager:  manager,
		listener: listener,
		clock:    clk,
		logger:   logger,
		conns:    make(map[net.Conn]struct{}),
	}
}

// Addr returns the listen address.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Serve accepts management connections until Close.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return err
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		go func() {
			defer func() {
				s.mu.Lock()
				delete(s.conns, conn)
				s.mu.Unlock()
				conn.Close()
			}()
			s.handle(conn)
		}()
	}
}

// Close stops the server and its connections.
func (s *Server) Close() error {
	s.mu.Lock()
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
	return err
}

func (s *Server) handle(conn net.Conn) {
	pump := msgpump.New(conn)
	defer pump.Close()

	for {
		frameType, payload, err := pump.Receive()
		if err != nil {
			if err != io.EOF {
				s.logger.Debug("management connection ended", "error", err)
			}
			return
		}

		switch frameType {
		case msgpump.TypeStartSessionRequest:
			var request StartSessionRequest
			if err := codec.Unmarshal(payload, &request); err != nil {
				return
			}
			snapshot, startErr := s.manager.StartSession(session.StartRequest{
				SrcDir:     request.SrcDir,
				UserHost:   request.UserHost,
				SSHPort:    request.SSHPort,
				MountDir:   request.MountDir,
				SSHCommand: request.SSHCommand,
				SCPCommand: request.SCPCommand,
			})
			response := StartSessionResponse{Status: snapshot, Error: ErrorFrom(startErr)}
			if err := pump.SendMessage(msgpump.TypeStartSessionResponse, response); err != nil {
				return
			}

		case msgpump.TypeStopSessionRequest:
			var request StopSessionRequest
			if err := codec.Unmarshal(payload, &request); err != nil {
				return
			}
			stopErr := s.manager.StopSession(request.UserHost, request.MountDir)
			response := StopSessionResponse{Error: ErrorFrom(stopErr)}
			if err := pump.SendMessage(msgpump.TypeStopSessionResponse, response); err != nil {
				return
			}

		case msgpump.TypeStatusRequest:
			var request StatusRequest
			if err := codec.Unmarshal(payload, &request); err != nil {
				return
			}
			if err := s.serveStatus(pump, request); err != nil {
				return
			}

		default:
			s.logger.Warn("unknown management frame", "type", frameType)
			return
		}
	}
}

// serveStatus sends one snapshot, or a stream of them.
func (s *Server) serveStatus(pump *msgpump.Pump, request StatusRequest) error {
	send := func() error {
		return pump.SendMessage(msgpump.TypeStatusSnapshot, StatusSnapshot{
			Sessions: s.manager.Statuses(),
		})
	}

	if err := send(); err != nil {
		return err
	}
	if !request.Stream {
		return pump.Send(msgpump.TypeStatusEnd, nil)
	}

	interval := time.Duration(request.IntervalSec) * time.Second
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		if err := send(); err != nil {
			return err
		}
	}
	return nil
}
