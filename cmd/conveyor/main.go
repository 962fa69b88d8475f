// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

// conveyor is the control CLI for the streaming daemon: it starts,
// stops, and inspects streaming sessions over the management RPC.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/conveyor-fs/conveyor/lib/config"
	"github.com/conveyor-fs/conveyor/lib/mgmt"
	"github.com/conveyor-fs/conveyor/lib/session"
	"github.com/conveyor-fs/conveyor/lib/status"
	"github.com/conveyor-fs/conveyor/lib/version"
)

const usage = `usage: conveyor <command> [flags]

commands:
  start    start a streaming session
  stop     stop a streaming session
  status   show session status
  version  print version information

Run 'conveyor <command> -h' for command flags.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "start":
		err = runStart(os.Args[2:])
	case "stop":
		err = runStop(os.Args[2:])
	case "status":
		err = runStatus(os.Args[2:])
	case "version":
		fmt.Printf("conveyor %s\n", version.Info())
	case "-h", "--help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n%s", os.Args[1], usage)
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: [%s] %v\n", status.Kind(err), err)
		os.Exit(1)
	}
}

// dial connects to the daemon using the configured management
// address.
func dial(configPath string) (*mgmt.Client, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return mgmt.Dial(cfg.ManagementAddress, 5*time.Second)
}

func runStart(args []string) error {
	flags := flag.NewFlagSet("start", flag.ExitOnError)
	var (
		configPath = flags.String("config", "", "configuration file")
		srcDir     = flags.String("src-dir", "", "local source directory to stream (required)")
		userHost   = flags.String("user-host", "", "remote instance as user@host (required)")
		sshPort    = flags.Int("ssh-port", 0, "SSH port (default 22)")
		mountDir   = flags.String("mount-dir", "", "remote mount directory (required)")
		sshCmd     = flags.String("ssh-command", "", "ssh command template")
		scpCmd     = flags.String("scp-command", "", "scp command template")
	)
	flags.Parse(args)

	if *srcDir == "" || *userHost == "" || *mountDir == "" {
		return status.Errorf(status.InvalidArgument,
			"--src-dir, --user-host, and --mount-dir are required")
	}

	client, err := dial(*configPath)
	if err != nil {
		return err
	}
	defer client.Close()

	snapshot, err := client.StartSession(mgmt.StartSessionRequest{
		SrcDir:     *srcDir,
		UserHost:   *userHost,
		SSHPort:    *sshPort,
		MountDir:   *mountDir,
		SSHCommand: *sshCmd,
		SCPCommand: *scpCmd,
	})
	if err != nil {
		return err
	}
	fmt.Printf("session %s: %s (manifest %s)\n",
		snapshot.SessionID, snapshot.State, snapshot.ManifestRoot)
	return nil
}

func runStop(args []string) error {
	flags := flag.NewFlagSet("stop", flag.ExitOnError)
	var (
		configPath = flags.String("config", "", "configuration file")
		userHost   = flags.String("user-host", "", "remote instance as user@host (required)")
		mountDir   = flags.String("mount-dir", "", "remote mount directory (required)")
	)
	flags.Parse(args)

	if *userHost == "" || *mountDir == "" {
		return status.Errorf(status.InvalidArgument, "--user-host and --mount-dir are required")
	}

	client, err := dial(*configPath)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.StopSession(*userHost, *mountDir); err != nil {
		return err
	}
	fmt.Printf("session %s:%s stopped\n", *userHost, *mountDir)
	return nil
}

func runStatus(args []string) error {
	flags := flag.NewFlagSet("status", flag.ExitOnError)
	var (
		configPath = flags.String("config", "", "configuration file")
		watch      = flags.Bool("watch", false, "stream status updates")
		interval   = flags.Int("interval", 2, "watch interval in seconds")
	)
	flags.Parse(args)

	client, err := dial(*configPath)
	if err != nil {
		return err
	}
	defer client.Close()

	if *watch {
		return client.Watch(*interval, func(sessions []session.Status) bool {
			printSessions(sessions)
			return true
		})
	}

	sessions, err := client.Status()
	if err != nil {
		return err
	}
	printSessions(sessions)
	return nil
}

func printSessions(sessions []session.Status) {
	if len(sessions) == 0 {
		fmt.Println("no active sessions")
		return
	}
	for _, s := range sessions {
		heartbeat := "never"
		if s.LastHeartbeatAge >= 0 {
			heartbeat = humanize.RelTime(time.Now().Add(-s.LastHeartbeatAge), time.Now(), "ago", "")
		}
		fmt.Printf("%-40s %-9s ports %d→%d pid %d heartbeat %s\n",
			s.SessionID, s.State, s.LocalPort, s.RemotePort, s.FusePID, heartbeat)
	}
}
