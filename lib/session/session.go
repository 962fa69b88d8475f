// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

// Package session runs the streaming sessions: for each
// (user@host, mount-dir) pair, a watcher, a manifest updater, an
// asset-stream server, and a supervisor for the remote FUSE process,
// owned as a unit and torn down as a unit. The CAS, the chunker
// parameters, and the port manager are process-wide and shared.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/conveyor-fs/conveyor/lib/assetserver"
	"github.com/conveyor-fs/conveyor/lib/chunk"
	"github.com/conveyor-fs/conveyor/lib/clock"
	"github.com/conveyor-fs/conveyor/lib/remote"
	"github.com/conveyor-fs/conveyor/lib/updater"
	"github.com/conveyor-fs/conveyor/lib/watcher"
)

// State is a session's lifecycle position.
type State int

const (
	Starting State = iota + 1
	Running
	Degraded
	Stopping
	Stopped
)

// String returns the state name shown in status output.
func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Degraded:
		return "degraded"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Key identifies a session: one live session per (user@host,
// mount-dir) pair.
type Key struct {
	UserHost string
	MountDir string
}

// StartRequest carries everything StartSession needs.
type StartRequest struct {
	SrcDir   string
	UserHost string
	SSHPort  int
	MountDir string

	// SSHCommand and SCPCommand are command templates ("ssh -o
	// BatchMode=yes"); the session appends per-call arguments.
	SSHCommand string
	SCPCommand string
}

// Status is a point-in-time session snapshot.
type Status struct {
	SessionID    string     `json:"session_id"`
	UserHost     string     `json:"user_host"`
	MountDir     string     `json:"mount_dir"`
	SrcDir       string     `json:"src_dir"`
	State        string     `json:"state"`
	ManifestRoot chunk.Hash `json:"manifest_root"`
	LocalPort    int        `json:"local_port"`
	RemotePort   int        `json:"remote_port"`
	FusePID      int        `json:"fuse_pid"`

	// LastHeartbeatAge is the time since the last FUSE heartbeat;
	// negative if none was ever received.
	LastHeartbeatAge time.Duration `json:"last_heartbeat_age"`
}

// Session is one live streaming session. All mutable state is
// guarded by mu; the supervisor goroutine drives the state machine.
type Session struct {
	key     Key
	request StartRequest
	manager *Manager
	logger  *slog.Logger
	clock   clock.Clock

	mu            sync.Mutex
	state         State
	lastHeartbeat time.Time
	lastRestart   time.Time
	fuseProcess   Process

	localPort  int
	remotePort int

	watch  *watcher.Watcher
	update *updater.Updater
	assets *assetserver.Server
	sshCmd remote.Command
	scpCmd remote.Command

	// heartbeatCh pulses on every heartbeat; capacity 1.
	heartbeatCh chan struct{}

	// processExit is closed by the waiter goroutine when the FUSE
	// process exits.
	processExit chan struct{}

	// stop tells the supervisor to wind down.
	stop chan struct{}

	// supervisorDone closes when the supervisor returns.
	supervisorDone chan struct{}

	// updaterDone closes when the updater worker returns.
	updaterDone chan struct{}

	// stopOnce guards teardown: the supervisor and an explicit
	// StopSession may race to wind the session down.
	stopOnce sync.Once
}

// HeartbeatReceived implements assetserver.HeartbeatSink.
func (s *Session) HeartbeatReceived() {
	s.mu.Lock()
	s.lastHeartbeat = s.clock.Now()
	s.mu.Unlock()
	select {
	case s.heartbeatCh <- struct{}{}:
	default:
	}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(next State) {
	s.mu.Lock()
	previous := s.state
	s.state = next
	s.mu.Unlock()
	if previous != next {
		s.logger.Info("session state change",
			"user_host", s.key.UserHost, "mount_dir", s.key.MountDir,
			"from", previous.String(), "to", next.String())
	}
}

// status builds a snapshot.
func (s *Session) status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	age := time.Duration(-1)
	if !s.lastHeartbeat.IsZero() {
		age = s.clock.Now().Sub(s.lastHeartbeat)
	}
	pid := 0
	if s.fuseProcess != nil {
		pid = s.fuseProcess.PID()
	}
	var root chunk.Hash
	if s.update != nil {
		root = s.update.Root()
	}
	return Status{
		SessionID:        fmt.Sprintf("%s:%s", s.key.UserHost, s.key.MountDir),
		UserHost:         s.key.UserHost,
		MountDir:         s.key.MountDir,
		SrcDir:           s.request.SrcDir,
		State:            s.state.String(),
		ManifestRoot:     root,
		LocalPort:        s.localPort,
		RemotePort:       s.remotePort,
		FusePID:          pid,
		LastHeartbeatAge: age,
	}
}

// launchFuse deploys (if needed) and starts the remote FUSE process
// under SSH with the session's reverse port forward, and begins
// waiting on it.
func (s *Session) launchFuse() error {
	options := s.manager.options

	// Deploy the FUSE binary when the remote version does not match
	// ours.
	fuseBinary := remote.QuotePath(options.FuseRemotePath)

	versionCtx, cancel := context.WithTimeout(context.Background(), options.RemoteCommandTimeout)
	remoteVersion, stderr, err := s.manager.runner.Output(versionCtx,
		s.sshCmd.Program(),
		s.sshCmd.SSHArgs(s.key.UserHost, nil, fuseBinary+" --version"))
	cancel()
	remoteVersion = strings.TrimSpace(remoteVersion)
	if err != nil || remoteVersion != options.FuseVersion {
		s.logger.Info("deploying FUSE binary",
			"user_host", s.key.UserHost, "remote_version", remoteVersion,
			"local_version", options.FuseVersion, "probe_stderr", remote.StderrTail(stderr, 3))
		deployCtx, cancel := context.WithTimeout(context.Background(), options.DeployTimeout)
		_, scpStderr, scpErr := s.manager.runner.Output(deployCtx,
			s.scpCmd.Program(),
			s.scpCmd.SCPArgs(options.FuseLocalPath, s.key.UserHost, options.FuseRemotePath))
		cancel()
		if scpErr != nil {
			return fmt.Errorf("deploying FUSE binary: %w (%s)", scpErr, remote.StderrTail(scpStderr, 3))
		}
	}

	forward := fmt.Sprintf("%d:localhost:%d", s.remotePort, s.localPort)
	remoteCommand := fuseBinary + " " + remote.JoinCommand([]string{
		"--connect", fmt.Sprintf("localhost:%d", s.remotePort),
		"--mount", s.key.MountDir,
	})

	process, err := s.manager.runner.Start(
		s.sshCmd.Program(),
		s.sshCmd.SSHArgs(s.key.UserHost, []string{forward}, remoteCommand))
	if err != nil {
		return fmt.Errorf("launching remote FUSE: %w", err)
	}

	s.mu.Lock()
	s.fuseProcess = process
	s.processExit = make(chan struct{})
	exitCh := s.processExit
	s.mu.Unlock()

	go func() {
		if err := process.Wait(); err != nil {
			s.logger.Debug("FUSE process exited", "error", err)
		}
		close(exitCh)
	}()
	return nil
}

// killFuse terminates the current FUSE process, if any.
func (s *Session) killFuse() {
	s.mu.Lock()
	process := s.fuseProcess
	s.mu.Unlock()
	if process != nil {
		process.Kill()
	}
}

// supervise drives the session state machine: Starting→Running on
// the first heartbeat, Degraded on heartbeat loss or process exit
// with one automatic restart per cooldown, Stopping on persistent
// failure or an explicit stop.
func (s *Session) supervise() {
	defer close(s.supervisorDone)
	options := s.manager.options

	// Starting: wait for the first heartbeat.
	startDeadline := s.clock.After(options.StartTimeout)
	select {
	case <-s.heartbeatCh:
		s.setState(Running)
	case <-startDeadline:
		s.logger.Error("session start timed out waiting for FUSE heartbeat",
			"user_host", s.key.UserHost, "timeout", options.StartTimeout)
		s.manager.stopSessionInternal(s, false)
		return
	case <-s.stop:
		return
	}

	ticker := s.clock.NewTicker(options.HeartbeatInterval)
	defer ticker.Stop()

	for {
		s.mu.Lock()
		exitCh := s.processExit
		s.mu.Unlock()

		select {
		case <-s.stop:
			return

		case <-s.heartbeatCh:
			if s.State() == Degraded {
				s.setState(Running)
			}

		case <-exitCh:
			if !s.tryRestart("FUSE process exited") {
				return
			}

		case <-ticker.C:
			s.mu.Lock()
			silent := s.clock.Now().Sub(s.lastHeartbeat)
			s.mu.Unlock()
			if silent < options.HeartbeatTimeout {
				continue
			}
			if !s.tryRestart(fmt.Sprintf("no heartbeat for %s", silent)) {
				return
			}
		}
	}
}

// tryRestart handles a liveness failure: Degraded, then at most one
// automatic restart per cooldown. Returns false when the session is
// being stopped instead.
func (s *Session) tryRestart(reason string) bool {
	options := s.manager.options
	s.setState(Degraded)
	s.logger.Warn("session degraded", "user_host", s.key.UserHost, "reason", reason)

	s.mu.Lock()
	now := s.clock.Now()
	allowed := s.lastRestart.IsZero() || now.Sub(s.lastRestart) >= options.RestartCooldown
	if allowed {
		s.lastRestart = now
	}
	s.mu.Unlock()

	if !allowed {
		s.logger.Error("restart budget exhausted, stopping session",
			"user_host", s.key.UserHost, "cooldown", options.RestartCooldown)
		s.manager.stopSessionInternal(s, false)
		return false
	}

	s.killFuse()
	if err := s.launchFuse(); err != nil {
		s.logger.Error("automatic restart failed", "user_host", s.key.UserHost, "error", err)
		s.manager.stopSessionInternal(s, false)
		return false
	}

	// Back to waiting for a heartbeat; reset the liveness clock so
	// the fresh process gets a full timeout.
	s.mu.Lock()
	s.lastHeartbeat = s.clock.Now()
	s.mu.Unlock()
	return true
}
