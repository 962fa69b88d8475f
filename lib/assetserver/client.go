// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

package assetserver

import (
	"fmt"
	"net"
	"sync"

	"github.com/conveyor-fs/conveyor/lib/chunk"
	"github.com/conveyor-fs/conveyor/lib/manifest"
	"github.com/conveyor-fs/conveyor/lib/msgpump"
	"github.com/conveyor-fs/conveyor/lib/status"
)

// Client is the FUSE-side handle to the asset-stream server. Safe
// for concurrent use: requests are serialized over the single
// connection.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
	pump *msgpump.Pump
}

// Dial connects to the asset-stream server at address.
func Dial(address string) (*Client, error) {
	conn, err := net.Dial("tcp", address)
	if err != nil {
		return nil, status.Wrap(status.Unavailable, err, "connecting to asset stream")
	}
	return &Client{conn: conn, pump: msgpump.New(conn)}, nil
}

// Close tears down the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pump.Close()
	return c.conn.Close()
}

// Root fetches the current manifest root.
func (c *Client) Root() (chunk.Hash, error) {
	var response RootResponse
	if err := c.call(msgpump.TypeManifestRootRequest, struct{}{}, msgpump.TypeManifestRootResponse, &response); err != nil {
		return chunk.Hash{}, err
	}
	return response.Root, nil
}

// Lookup resolves one name within a directory node.
func (c *Client) Lookup(parent chunk.Hash, name string) (*manifest.Entry, error) {
	var response LookupResponse
	err := c.call(msgpump.TypeLookupRequest, LookupRequest{Parent: parent, Name: name},
		msgpump.TypeLookupResponse, &response)
	if err != nil {
		return nil, err
	}
	return &response.Entry, nil
}

// ReadDir lists a directory node (or returns a symlink's target).
func (c *Client) ReadDir(dir chunk.Hash) (*ReadDirResponse, error) {
	var response ReadDirResponse
	err := c.call(msgpump.TypeReadDirRequest, ReadDirRequest{Dir: dir},
		msgpump.TypeReadDirResponse, &response)
	if err != nil {
		return nil, err
	}
	return &response, nil
}

// ReadChunk fetches length bytes of a chunk starting at offset.
// Negative length reads to the end.
func (c *Client) ReadChunk(hash chunk.Hash, offset, length int64) ([]byte, error) {
	var response ReadChunkResponse
	err := c.call(msgpump.TypeReadChunkRequest, ReadChunkRequest{Hash: hash, Offset: offset, Length: length},
		msgpump.TypeReadChunkResponse, &response)
	if err != nil {
		return nil, err
	}
	return response.Data, nil
}

// Prefetch asks the server to warm a set of chunks. Best-effort.
func (c *Client) Prefetch(hashes []chunk.Hash) error {
	return c.call(msgpump.TypePrefetchRequest, PrefetchRequest{Hashes: hashes},
		msgpump.TypePrefetchResponse, nil)
}

// SendHeartbeat reports liveness to the session manager. One-way.
func (c *Client) SendHeartbeat(unixNano int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pump.SendMessage(msgpump.TypeHeartbeat, Heartbeat{UnixNano: unixNano})
}

// call performs one request/response exchange.
func (c *Client) call(requestType msgpump.Type, request any, responseType msgpump.Type, response any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.pump.SendMessage(requestType, request); err != nil {
		return status.Wrap(status.Unavailable, err, "sending asset-stream request")
	}

	frameType, payload, err := c.pump.Receive()
	if err != nil {
		return status.Wrap(status.Unavailable, err, "awaiting asset-stream response")
	}
	if frameType == msgpump.TypeErrorResponse {
		var remote ErrorResponse
		if err := codecUnmarshalClient(payload, &remote); err != nil {
			return err
		}
		return remoteError(remote)
	}
	if frameType != responseType {
		return status.Errorf(status.Internal, "asset-stream response type %d, want %d", frameType, responseType)
	}
	if response == nil {
		return nil
	}
	if err := codecUnmarshalClient(payload, response); err != nil {
		return err
	}
	return nil
}

// remoteError rebuilds a typed error from the server's report.
func remoteError(report ErrorResponse) error {
	kind := status.Internal
	switch report.Kind {
	case "NOT_FOUND":
		kind = status.NotFound
	case "INVALID_ARGUMENT":
		kind = status.InvalidArgument
	case "RESOURCE_EXHAUSTED":
		kind = status.ResourceExhausted
	case "UNAVAILABLE":
		kind = status.Unavailable
	}
	return status.Errorf(kind, "%s", report.Message)
}

func codecUnmarshalClient(payload []byte, v any) error {
	if err := unmarshalRequest(payload, v); err != nil {
		return fmt.Errorf("asset-stream response: %w", err)
	}
	return nil
}
