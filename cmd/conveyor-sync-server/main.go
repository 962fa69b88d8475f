// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

// conveyor-sync-server is the receiving half of the one-shot sync.
// It normally runs with --stdio under SSH (or as a subprocess for
// local destinations), serving exactly one sync over its standard
// streams; with --listen it accepts TCP connections and serves one
// sync per connection.
package main

import (
	"flag"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/conveyor-fs/conveyor/lib/deltasync"
	"github.com/conveyor-fs/conveyor/lib/msgpump"
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
		stdio       bool
		listen      string
		restrictTo  string
		verbose     bool
		showVersion bool
	)
	flag.BoolVar(&stdio, "stdio", false, "serve one sync over stdin/stdout")
	flag.StringVar(&listen, "listen", "", "serve syncs on a TCP address (e.g. :44460)")
	flag.StringVar(&restrictTo, "restrict-to", "", "only accept destinations under this directory")
	flag.BoolVar(&verbose, "verbose", false, "enable debug logging")
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("conveyor-sync-server %s\n", version.Info())
		return nil
	}

	logger := service.NewLogger(verbose)
	options := deltasync.ServerOptions{RestrictTo: restrictTo, Logger: logger}

	if stdio {
		stream := struct {
			io.Reader
			io.Writer
		}{os.Stdin, os.Stdout}
		return deltasync.RunServer(msgpump.New(stream), options)
	}

	if listen == "" {
		return fmt.Errorf("one of --stdio or --listen is required")
	}

	listener, err := net.Listen("tcp", listen)
	if err != nil {
		return fmt.Errorf("binding %s: %w", listen, err)
	}
	logger.Info("conveyor-sync-server listening", "address", listener.Addr().String())

	for {
		conn, err := listener.Accept()
		if err != nil {
			return err
		}
		go func() {
			defer conn.Close()
			if err := deltasync.RunServer(msgpump.New(conn), options); err != nil {
				logger.Warn("sync failed", "peer", conn.RemoteAddr().String(), "error", err)
			}
		}()
	}
}
