// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

// conveyor-fuse runs on the remote instance: it mounts the streamed
// source directory read-only, resolving every lookup and read
// against the workstation's asset-stream server through the SSH
// reverse forward, and reports liveness with periodic heartbeats.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/conveyor-fs/conveyor/lib/assetserver"
	"github.com/conveyor-fs/conveyor/lib/service"
	"github.com/conveyor-fs/conveyor/lib/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		connect           string
		mountpoint        string
		heartbeatInterval time.Duration
		verbose           bool
		showVersion       bool
	)
	flag.StringVar(&connect, "connect", "", "asset-stream address (required)")
	flag.StringVar(&mountpoint, "mount", "", "mount directory (required)")
	flag.DurationVar(&heartbeatInterval, "heartbeat-interval", 5*time.Second, "heartbeat period")
	flag.BoolVar(&verbose, "verbose", false, "enable debug logging")
	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version.Short())
		return nil
	}
	if connect == "" || mountpoint == "" {
		return fmt.Errorf("--connect and --mount are required")
	}

	logger := service.NewLogger(verbose)

	client, err := assetserver.Dial(connect)
	if err != nil {
		return err
	}
	defer client.Close()

	server, err := mount(client, mountpoint, logger)
	if err != nil {
		return err
	}
	logger.Info("asset stream mounted", "mountpoint", mountpoint, "upstream", connect)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Heartbeats keep the workstation's session out of Degraded.
	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := client.SendHeartbeat(time.Now().UnixNano()); err != nil {
					logger.Warn("heartbeat failed", "error", err)
				}
			}
		}
	}()
	// The first heartbeat moves the session to Running without
	// waiting a full interval.
	if err := client.SendHeartbeat(time.Now().UnixNano()); err != nil {
		logger.Warn("initial heartbeat failed", "error", err)
	}

	// Serve until unmounted (fusermount -u from the session manager)
	// or signalled.
	go func() {
		<-ctx.Done()
		server.Unmount()
	}()
	server.Wait()
	logger.Info("unmounted")
	return nil
}
