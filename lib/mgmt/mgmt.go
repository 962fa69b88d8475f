// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

// Package mgmt defines the loopback management RPC between the
// conveyor CLI and the streaming daemon, and the client used by the
// CLI. Both binaries import this package so the wire types are
// defined once.
package mgmt

import (
	"fmt"
	"net"
	"time"

	"github.com/conveyor-fs/conveyor/lib/msgpump"
	"github.com/conveyor-fs/conveyor/lib/session"
	"github.com/conveyor-fs/conveyor/lib/status"
)

// StartSessionRequest mirrors session.StartRequest on the wire.
type StartSessionRequest struct {
	SrcDir     string `json:"src_dir"`
	UserHost   string `json:"user_host"`
	SSHPort    int    `json:"ssh_port,omitempty"`
	MountDir   string `json:"mount_dir"`
	SSHCommand string `json:"ssh_command,omitempty"`
	SCPCommand string `json:"scp_command,omitempty"`
}

// StartSessionResponse carries the new session's snapshot or an
// error.
type StartSessionResponse struct {
	Status *session.Status `json:"status,omitempty"`
	Error  *ErrorInfo      `json:"error,omitempty"`
}

// StopSessionRequest names the session to stop.
type StopSessionRequest struct {
	UserHost string `json:"user_host"`
	MountDir string `json:"mount_dir"`
}

// StopSessionResponse reports the stop outcome.
type StopSessionResponse struct {
	Error *ErrorInfo `json:"error,omitempty"`
}

// StatusRequest asks for session snapshots. With Stream set, the
// daemon keeps sending StatusSnapshot frames every IntervalSec until
// the connection closes; otherwise it sends one snapshot followed by
// StatusEnd.
type StatusRequest struct {
	Stream      bool `json:"stream,omitempty"`
	IntervalSec int  `json:"interval_sec,omitempty"`
}

// StatusSnapshot is one periodic emission.
type StatusSnapshot struct {
	Sessions []session.Status `json:"sessions"`
}

// ErrorInfo carries a typed error across the wire.
type ErrorInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// ErrorFrom converts an error for transmission.
func ErrorFrom(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	return &ErrorInfo{Kind: status.Kind(err).String(), Message: err.Error()}
}

// Err rebuilds a typed error on the receiving side.
func (e *ErrorInfo) Err() error {
	if e == nil {
		return nil
	}
	kind := status.Internal
	for _, candidate := range []status.Code{
		status.InvalidArgument, status.NotFound, status.AlreadyExists,
		status.FailedPrecondition, status.DeadlineExceeded,
		status.ResourceExhausted, status.Unavailable, status.Aborted,
	} {
		if candidate.String() == e.Kind {
			kind = candidate
			break
		}
	}
	return status.Errorf(kind, "%s", e.Message)
}

// Client is the CLI's handle to the daemon.
type Client struct {
	conn net.Conn
	pump *msgpump.Pump
}

// Dial connects to the daemon's management address.
func Dial(address string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("tcp", address, timeout)
	if err != nil {
		return nil, status.Wrap(status.Unavailable, err,
			fmt.Sprintf("connecting to conveyor-streamd at %s (is it running?)", address))
	}
	return &Client{conn: conn, pump: msgpump.New(conn)}, nil
}

// Close tears down the connection.
func (c *Client) Close() error {
	c.pump.Close()
	return c.conn.Close()
}

// StartSession asks the daemon to start a session.
func (c *Client) StartSession(request StartSessionRequest) (*session.Status, error) {
	if err := c.pump.SendMessage(msgpump.TypeStartSessionRequest, request); err != nil {
		return nil, status.Wrap(status.Unavailable, err, "sending start request")
	}
	var response StartSessionResponse
	if err := c.pump.ReceiveMessage(msgpump.TypeStartSessionResponse, &response); err != nil {
		return nil, status.Wrap(status.Unavailable, err, "awaiting start response")
	}
	if err := response.Error.Err(); err != nil {
		return nil, err
	}
	return response.Status, nil
}

// StopSession asks the daemon to stop a session.
func (c *Client) StopSession(userHost, mountDir string) error {
	request := StopSessionRequest{UserHost: userHost, MountDir: mountDir}
	if err := c.pump.SendMessage(msgpump.TypeStopSessionRequest, request); err != nil {
		return status.Wrap(status.Unavailable, err, "sending stop request")
	}
	var response StopSessionResponse
	if err := c.pump.ReceiveMessage(msgpump.TypeStopSessionResponse, &response); err != nil {
		return status.Wrap(status.Unavailable, err, "awaiting stop response")
	}
	return response.Error.Err()
}

// Status fetches one snapshot of all sessions.
func (c *Client) Status() ([]session.Status, error) {
	if err := c.pump.SendMessage(msgpump.TypeStatusRequest, StatusRequest{}); err != nil {
		return nil, status.Wrap(status.Unavailable, err, "sending status request")
	}
	var snapshot StatusSnapshot
	if err := c.pump.ReceiveMessage(msgpump.TypeStatusSnapshot, &snapshot); err != nil {
		return nil, status.Wrap(status.Unavailable, err, "awaiting status")
	}
	if err := c.pump.ReceiveMessage(msgpump.TypeStatusEnd, nil); err != nil {
		return nil, status.Wrap(status.Unavailable, err, "awaiting status end")
	}
	return snapshot.Sessions, nil
}

// Watch streams snapshots to the callback until the connection drops
// or the callback returns false.
func (c *Client) Watch(intervalSec int, callback func([]session.Status) bool) error {
	request := StatusRequest{Stream: true, IntervalSec: intervalSec}
	if err := c.pump.SendMessage(msgpump.TypeStatusRequest, request); err != nil {
		return status.Wrap(status.Unavailable, err, "sending status request")
	}
	for {
		var snapshot StatusSnapshot
		if err := c.pump.ReceiveMessage(msgpump.TypeStatusSnapshot, &snapshot); err != nil {
			return status.Wrap(status.Unavailable, err, "status stream ended")
		}
		if !callback(snapshot.Sessions) {
			return nil
		}
	}
}
