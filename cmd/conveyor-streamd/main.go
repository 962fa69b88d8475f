// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

// conveyor-streamd is the long-lived session manager daemon. It owns
// the process-wide content-addressed store and port reservations,
// runs the streaming sessions, and answers the management RPC the
// conveyor CLI speaks on loopback.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/conveyor-fs/conveyor/lib/cas"
	"github.com/conveyor-fs/conveyor/lib/config"
	"github.com/conveyor-fs/conveyor/lib/mgmt"
	"github.com/conveyor-fs/conveyor/lib/portmgr"
	"github.com/conveyor-fs/conveyor/lib/service"
	"github.com/conveyor-fs/conveyor/lib/session"
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
		configPath  string
		listen      string
		showVersion bool
	)
	flag.StringVar(&configPath, "config", "", "configuration file (default $CONVEYOR_CONFIG)")
	flag.StringVar(&listen, "listen", "", "management listen address (overrides config)")
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("conveyor-streamd %s\n", version.Info())
		return nil
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := service.NewLogger(cfg.Verbose)

	if listen == "" {
		listen = cfg.ManagementAddress
	}

	codec, err := cas.ParseCodec(cfg.Store.Codec)
	if err != nil {
		return err
	}
	store, err := cas.Open(cas.Options{
		Root:          cfg.Store.Dir,
		Codec:         codec,
		HighWater:     cfg.Store.HighWaterMB << 20,
		LowWater:      cfg.Store.LowWaterMB << 20,
		SweepInterval: cfg.SweepInterval(),
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	defer store.Close()
	if damaged := store.Damaged(); len(damaged) > 0 {
		logger.Warn("store has missing referenced blobs; sessions will rebuild manifests",
			"count", len(damaged))
	}

	ports, err := portmgr.Open(portmgr.Options{
		RangeStart:  cfg.Ports.RangeStart,
		RangeEnd:    cfg.Ports.RangeEnd,
		SegmentPath: cfg.Ports.SegmentPath,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	defer ports.Close()

	fuseBinary := cfg.Sessions.FuseBinary
	if fuseBinary == "" {
		fuseBinary = siblingBinary("conveyor-fuse")
	}

	manager := session.NewManager(store, ports, nil, session.Options{
		ChunkParams:       cfg.ChunkParams(),
		StartTimeout:      cfg.StartTimeout(),
		StopTimeout:       cfg.StopTimeout(),
		HeartbeatInterval: cfg.HeartbeatInterval(),
		HeartbeatTimeout:  cfg.HeartbeatTimeout(),
		RestartCooldown:   cfg.RestartCooldown(),
		FuseLocalPath:     fuseBinary,
		FuseRemotePath:    cfg.Sessions.FuseRemotePath,
		FuseVersion:       version.Short(),
		Logger:            logger,
	})

	listener, err := net.Listen("tcp", listen)
	if err != nil {
		return fmt.Errorf("binding management address %s: %w", listen, err)
	}
	server := mgmt.NewServer(listener, manager, nil, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	done := make(chan struct{})
	go store.RunMaintenance(done)
	go ports.RunReconciler(done, cfg.SweepInterval())

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Serve() }()

	logger.Info("conveyor-streamd listening",
		"address", listener.Addr().String(), "store", cfg.Store.Dir, "version", version.Short())

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			return err
		}
	}

	close(done)
	manager.StopAll()
	return server.Close()
}

// siblingBinary resolves a binary installed next to this one.
func siblingBinary(name string) string {
	executable, err := os.Executable()
	if err != nil {
		return name
	}
	return filepath.Join(filepath.Dir(executable), name)
}
