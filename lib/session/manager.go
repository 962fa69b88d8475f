// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/conveyor-fs/conveyor/lib/assetserver"
	"github.com/conveyor-fs/conveyor/lib/cas"
	"github.com/conveyor-fs/conveyor/lib/chunk"
	"github.com/conveyor-fs/conveyor/lib/clock"
	"github.com/conveyor-fs/conveyor/lib/portmgr"
	"github.com/conveyor-fs/conveyor/lib/remote"
	"github.com/conveyor-fs/conveyor/lib/status"
	"github.com/conveyor-fs/conveyor/lib/updater"
	"github.com/conveyor-fs/conveyor/lib/watcher"
)

// Options configures the session manager.
type Options struct {
	ChunkParams chunk.Params

	StartTimeout      time.Duration
	StopTimeout       time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	RestartCooldown   time.Duration

	// RemoteCommandTimeout bounds short remote probes (version
	// check, netstat, unmount). DeployTimeout bounds the SCP copy.
	RemoteCommandTimeout time.Duration
	DeployTimeout        time.Duration

	// FuseLocalPath is the local conveyor-fuse binary deployed to
	// remotes; FuseRemotePath where it lands; FuseVersion the
	// version string a matching remote binary reports.
	FuseLocalPath  string
	FuseRemotePath string
	FuseVersion    string

	Clock  clock.Clock
	Logger *slog.Logger
}

func (o *Options) applyDefaults() {
	if o.ChunkParams == (chunk.Params{}) {
		o.ChunkParams = chunk.DefaultParams()
	}
	if o.StartTimeout <= 0 {
		o.StartTimeout = 30 * time.Second
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = 10 * time.Second
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 5 * time.Second
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = 30 * time.Second
	}
	if o.RestartCooldown <= 0 {
		o.RestartCooldown = time.Minute
	}
	if o.RemoteCommandTimeout <= 0 {
		o.RemoteCommandTimeout = 10 * time.Second
	}
	if o.DeployTimeout <= 0 {
		o.DeployTimeout = 2 * time.Minute
	}
	if o.FuseRemotePath == "" {
		o.FuseRemotePath = "~/.conveyor/conveyor-fuse"
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Manager owns the concurrent session map and the process-wide
// collaborators every session shares.
type Manager struct {
	store   *cas.Store
	ports   *portmgr.Manager
	runner  Runner
	options Options

	mu       sync.Mutex
	sessions map[Key]*Session
}

// NewManager creates a session manager over the shared store and
// port manager.
func NewManager(store *cas.Store, ports *portmgr.Manager, runner Runner, options Options) *Manager {
	options.applyDefaults()
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Manager{
		store:    store,
		ports:    ports,
		runner:   runner,
		options:  options,
		sessions: make(map[Key]*Session),
	}
}

// StartSession creates and starts a session for (user_host,
// mount_dir). A second start for the same pair fails with
// AlreadyExists until the first has fully stopped.
func (m *Manager) StartSession(request StartRequest) (*Status, error) {
	if request.SrcDir == "" || request.UserHost == "" || request.MountDir == "" {
		return nil, status.Errorf(status.InvalidArgument,
			"src_dir, user_host, and mount_dir are required")
	}

	sshCmd, err := remote.ParseCommand(withPort(request.SSHCommand, "ssh", "-p", request.SSHPort))
	if err != nil {
		return nil, status.Wrap(status.InvalidArgument, err, "ssh command")
	}
	scpCmd, err := remote.ParseCommand(withPort(request.SCPCommand, "scp", "-P", request.SSHPort))
	if err != nil {
		return nil, status.Wrap(status.InvalidArgument, err, "scp command")
	}

	key := Key{UserHost: request.UserHost, MountDir: request.MountDir}

	s := &Session{
		key:            key,
		request:        request,
		manager:        m,
		logger:         m.options.Logger,
		clock:          m.options.Clock,
		state:          Starting,
		sshCmd:         sshCmd,
		scpCmd:         scpCmd,
		heartbeatCh:    make(chan struct{}, 1),
		processExit:    make(chan struct{}),
		stop:           make(chan struct{}),
		supervisorDone: make(chan struct{}),
		updaterDone:    make(chan struct{}),
	}

	m.mu.Lock()
	if existing, ok := m.sessions[key]; ok && existing.State() != Stopped {
		m.mu.Unlock()
		return nil, status.Errorf(status.AlreadyExists,
			"session for %s %s already exists", key.UserHost, key.MountDir)
	}
	m.sessions[key] = s
	m.mu.Unlock()

	if err := m.bringUp(s); err != nil {
		close(s.stop)
		m.tearDown(s)
		m.removeSession(key, s)
		return nil, err
	}

	go s.supervise()

	snapshot := s.status()
	return &snapshot, nil
}

// bringUp allocates ports and starts the per-session quartet.
func (m *Manager) bringUp(s *Session) error {
	// Local listen port: no remote check needed.
	localPort, err := m.ports.Reserve(context.Background(), nil)
	if err != nil {
		return status.Wrap(status.Kind(err), err, "allocating local port")
	}
	s.localPort = localPort

	// Remote forward port: checked against the remote's netstat.
	probeCtx, cancel := context.WithTimeout(context.Background(), m.options.RemoteCommandTimeout)
	defer cancel()
	remotePort, err := m.ports.Reserve(probeCtx, m.remotePortProbe(s))
	if err != nil {
		return status.Wrap(status.Kind(err), err, "allocating remote port")
	}
	s.remotePort = remotePort

	// The manifest updater builds the initial manifest.
	update, err := updater.New(m.store, updater.Options{
		SourceDir:   s.request.SrcDir,
		ChunkParams: m.options.ChunkParams,
		Clock:       m.options.Clock,
		Logger:      m.options.Logger,
	})
	if err != nil {
		return status.Wrap(status.FailedPrecondition, err, "manifesting source directory")
	}
	s.update = update

	// The watcher feeds it.
	watch, err := watcher.New(s.request.SrcDir, m.options.Clock, m.options.Logger)
	if err != nil {
		return status.Wrap(status.FailedPrecondition, err, "watching source directory")
	}
	s.watch = watch

	go func() {
		defer close(s.updaterDone)
		update.Run(watch.Events(), watch.Overflow(), s.stop)
	}()

	// The asset-stream server answers the remote FUSE.
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", s.localPort))
	if err != nil {
		return status.Wrap(status.Unavailable, err, "binding asset-stream port")
	}
	assets := assetserver.New(listener, m.store, update, s, m.options.Logger)
	s.assets = assets
	go func() {
		if err := assets.Serve(); err != nil {
			m.options.Logger.Error("asset-stream server failed",
				"user_host", s.key.UserHost, "error", err)
		}
	}()

	// Finally the remote FUSE.
	if err := s.launchFuse(); err != nil {
		return status.Wrap(status.Unavailable, err, "starting remote FUSE")
	}
	return nil
}

// remotePortProbe builds the netstat-over-SSH probe for a session.
func (m *Manager) remotePortProbe(s *Session) portmgr.RemoteProbe {
	return func(ctx context.Context) (map[int]bool, error) {
		stdout, stderr, err := m.runner.Output(ctx,
			s.sshCmd.Program(),
			s.sshCmd.SSHArgs(s.key.UserHost, nil, "netstat -an -t 2>/dev/null || ss -ltn"))
		if err != nil {
			return nil, fmt.Errorf("remote netstat: %w (%s)", err, remote.StderrTail(stderr, 3))
		}
		return remote.ParseListeningPorts(stdout), nil
	}
}

// StopSession stops the session for (user_host, mount_dir).
func (m *Manager) StopSession(userHost, mountDir string) error {
	key := Key{UserHost: userHost, MountDir: mountDir}

	m.mu.Lock()
	s, ok := m.sessions[key]
	m.mu.Unlock()
	if !ok {
		return status.Errorf(status.NotFound, "no session for %s %s", userHost, mountDir)
	}

	m.stopSessionInternal(s, true)
	m.removeSession(key, s)
	return nil
}

// stopSessionInternal winds a session down. Idempotent: the
// supervisor (on persistent failure) and an explicit StopSession may
// both arrive here. waitSupervisor is false when the supervisor
// itself is the caller.
func (m *Manager) stopSessionInternal(s *Session, waitSupervisor bool) {
	s.stopOnce.Do(func() {
		s.setState(Stopping)

		// Ask the remote side to unmount; force-kill on timeout.
		unmountCtx, cancel := context.WithTimeout(context.Background(), m.options.StopTimeout)
		_, _, err := m.runner.Output(unmountCtx,
			s.sshCmd.Program(),
			s.sshCmd.SSHArgs(s.key.UserHost, nil,
				"fusermount -u "+remote.QuotePath(s.key.MountDir)+" || umount "+remote.QuotePath(s.key.MountDir)))
		cancel()
		if err != nil {
			m.options.Logger.Debug("remote unmount failed, killing FUSE",
				"user_host", s.key.UserHost, "error", err)
		}
		s.killFuse()

		// Stop the supervisor and the updater worker.
		close(s.stop)
		<-s.updaterDone

		m.tearDown(s)
		s.setState(Stopped)
	})

	if waitSupervisor {
		<-s.supervisorDone
	}
}

// tearDown releases a session's resources in dependency order.
// Tolerates partially-constructed sessions from failed starts.
func (m *Manager) tearDown(s *Session) {
	if s.assets != nil {
		s.assets.Close()
		s.assets = nil
	}
	if s.watch != nil {
		s.watch.Close()
		s.watch = nil
	}
	if s.update != nil {
		// Drop the published manifest's references.
		if err := s.update.Close(); err != nil {
			m.options.Logger.Warn("releasing session manifest failed",
				"user_host", s.key.UserHost, "error", err)
		}
		s.update = nil
	}
	if s.localPort != 0 {
		m.ports.Release(s.localPort)
		s.localPort = 0
	}
	if s.remotePort != 0 {
		m.ports.Release(s.remotePort)
		s.remotePort = 0
	}
}

// removeSession deletes the map entry if it still refers to s.
func (m *Manager) removeSession(key Key, s *Session) {
	m.mu.Lock()
	if current, ok := m.sessions[key]; ok && current == s {
		delete(m.sessions, key)
	}
	m.mu.Unlock()
}

// Statuses returns a snapshot of every session.
func (m *Manager) Statuses() []Status {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	statuses := make([]Status, 0, len(sessions))
	for _, s := range sessions {
		statuses = append(statuses, s.status())
	}
	return statuses
}

// StopAll stops every session, for daemon shutdown.
func (m *Manager) StopAll() {
	for _, snapshot := range m.Statuses() {
		if err := m.StopSession(snapshot.UserHost, snapshot.MountDir); err != nil {
			m.options.Logger.Warn("stopping session failed",
				"user_host", snapshot.UserHost, "error", err)
		}
	}
}

// withPort returns the command template, defaulting to program and
// appending the port flag when an SSH port other than 0 or the
// default 22 was requested.
func withPort(template, program, portFlag string, port int) string {
	if template == "" {
		template = program
	}
	if port != 0 && port != 22 {
		template = fmt.Sprintf("%s %s %d", template, portFlag, port)
	}
	return template
}
