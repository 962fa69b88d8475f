// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/conveyor-fs/conveyor/lib/cas"
	"github.com/conveyor-fs/conveyor/lib/clock"
	"github.com/conveyor-fs/conveyor/lib/portmgr"
	"github.com/conveyor-fs/conveyor/lib/status"
)

// fakeProcess is a controllable Process.
type fakeProcess struct {
	pid    int
	exited chan struct{}
	once   sync.Once
}

func (p *fakeProcess) PID() int { return p.pid }
func (p *fakeProcess) Wait() error {
	<-p.exited
	return nil
}
func (p *fakeProcess) Kill() error {
	p.once.Do(func() { close(p.exited) })
	return nil
}

// fakeRunner answers probes with canned output and hands out fake
// processes.
type fakeRunner struct {
	version string

	mu        sync.Mutex
	starts    atomic.Int64
	processes []*fakeProcess
	outputs   []string
}

func (r *fakeRunner) Start(program string, args []string) (Process, error) {
	count := r.starts.Add(1)
	process := &fakeProcess{pid: 40000 + int(count), exited: make(chan struct{})}
	r.mu.Lock()
	r.processes = append(r.processes, process)
	r.mu.Unlock()
	return process, nil
}

func (r *fakeRunner) Output(ctx context.Context, program string, args []string) (string, string, error) {
	joined := strings.Join(args, " ")
	r.mu.Lock()
	r.outputs = append(r.outputs, program+" "+joined)
	r.mu.Unlock()

	switch {
	case strings.Contains(joined, "--version"):
		return r.version + "\n", "", nil
	case strings.Contains(joined, "netstat"):
		return "tcp 0 0 0.0.0.0:22 0.0.0.0:* LISTEN\n", "", nil
	default:
		return "", "", nil
	}
}

func newTestManager(t *testing.T) (*Manager, *fakeRunner) {
	t.Helper()

	store, err := cas.Open(cas.Options{Root: t.TempDir(), Codec: cas.CodecZstd, Clock: clock.Real()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	ports, err := portmgr.Open(portmgr.Options{
		RangeStart:  47300,
		RangeEnd:    47390,
		SegmentPath: filepath.Join(t.TempDir(), "ports"),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ports.Close() })

	runner := &fakeRunner{version: "test-1"}
	manager := NewManager(store, ports, runner, Options{
		StartTimeout:      2 * time.Second,
		StopTimeout:       200 * time.Millisecond,
		HeartbeatInterval: 20 * time.Millisecond,
		HeartbeatTimeout:  150 * time.Millisecond,
		RestartCooldown:   500 * time.Millisecond,
		FuseVersion:       "test-1",
		FuseLocalPath:     "/usr/local/bin/conveyor-fuse",
	})
	return manager, runner
}

func startRequest(t *testing.T, mountDir string) StartRequest {
	t.Helper()
	sourceDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(sourceDir, "asset.bin"), []byte("payload"), 0o644); err != nil {
		t.Fatal(err)
	}
	return StartRequest{
		SrcDir:   sourceDir,
		UserHost: "dev@build-7",
		MountDir: mountDir,
	}
}

func (m *Manager) sessionFor(key Key) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[key]
}

func waitForState(t *testing.T, s *Session, want State, within time.Duration) {
	t.Helper()
	deadline := time.Now().Add(within)
	for s.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("state = %s, want %s", s.State(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSessionUniqueness(t *testing.T) {
	manager, _ := newTestManager(t)

	request := startRequest(t, "/mnt/a")
	snapshot, err := manager.StartSession(request)
	if err != nil {
		t.Fatal(err)
	}
	if snapshot.State != "starting" {
		t.Errorf("initial state = %s, want starting", snapshot.State)
	}
	if snapshot.ManifestRoot.IsZero() {
		t.Error("session started with no manifest root")
	}
	if snapshot.LocalPort == 0 || snapshot.RemotePort == 0 || snapshot.LocalPort == snapshot.RemotePort {
		t.Errorf("ports = %d/%d", snapshot.LocalPort, snapshot.RemotePort)
	}

	// Same (user_host, mount_dir): rejected.
	duplicate := startRequest(t, "/mnt/a")
	if _, err := manager.StartSession(duplicate); !status.Is(err, status.AlreadyExists) {
		t.Errorf("kind = %v, want ALREADY_EXISTS", status.Kind(err))
	}

	// Different mount dir on the same host: fine.
	other := startRequest(t, "/mnt/b")
	if _, err := manager.StartSession(other); err != nil {
		t.Errorf("second mount dir rejected: %v", err)
	}

	// Stop, then the same pair starts again.
	if err := manager.StopSession(request.UserHost, request.MountDir); err != nil {
		t.Fatal(err)
	}
	again := startRequest(t, "/mnt/a")
	if _, err := manager.StartSession(again); err != nil {
		t.Errorf("restart after stop rejected: %v", err)
	}

	manager.StopAll()
}

func TestHeartbeatAdvancesToRunning(t *testing.T) {
	manager, _ := newTestManager(t)
	request := startRequest(t, "/mnt/hb")
	if _, err := manager.StartSession(request); err != nil {
		t.Fatal(err)
	}
	defer manager.StopAll()

	s := manager.sessionFor(Key{UserHost: request.UserHost, MountDir: request.MountDir})
	if s == nil {
		t.Fatal("session not in map")
	}

	s.HeartbeatReceived()
	waitForState(t, s, Running, 2*time.Second)
}

func TestHeartbeatLossDegradesAndRestarts(t *testing.T) {
	manager, runner := newTestManager(t)
	request := startRequest(t, "/mnt/degraded")
	if _, err := manager.StartSession(request); err != nil {
		t.Fatal(err)
	}
	defer manager.StopAll()

	s := manager.sessionFor(Key{UserHost: request.UserHost, MountDir: request.MountDir})
	s.HeartbeatReceived()
	waitForState(t, s, Running, 2*time.Second)

	// Go silent. The supervisor should attempt exactly one automatic
	// restart (second launch), then give up within the cooldown and
	// stop the session.
	deadline := time.Now().Add(5 * time.Second)
	for runner.starts.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("no restart attempted; starts = %d", runner.starts.Load())
		}
		time.Sleep(10 * time.Millisecond)
	}

	waitForState(t, s, Stopped, 5*time.Second)
	if starts := runner.starts.Load(); starts != 2 {
		t.Errorf("launches = %d, want 2 (initial + one restart)", starts)
	}
}

func TestProcessExitTriggersRestart(t *testing.T) {
	manager, runner := newTestManager(t)
	request := startRequest(t, "/mnt/exit")
	if _, err := manager.StartSession(request); err != nil {
		t.Fatal(err)
	}
	defer manager.StopAll()

	s := manager.sessionFor(Key{UserHost: request.UserHost, MountDir: request.MountDir})
	s.HeartbeatReceived()
	waitForState(t, s, Running, 2*time.Second)

	// Kill the fake FUSE process out from under the session.
	runner.mu.Lock()
	first := runner.processes[0]
	runner.mu.Unlock()
	first.Kill()

	deadline := time.Now().Add(5 * time.Second)
	for runner.starts.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("process exit did not trigger a restart")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Heartbeats resume: the session recovers.
	s.HeartbeatReceived()
	waitForState(t, s, Running, 2*time.Second)
}

func TestStopReleasesPorts(t *testing.T) {
	manager, _ := newTestManager(t)
	request := startRequest(t, "/mnt/ports")
	first, err := manager.StartSession(request)
	if err != nil {
		t.Fatal(err)
	}
	if err := manager.StopSession(request.UserHost, request.MountDir); err != nil {
		t.Fatal(err)
	}

	// After release, a fresh session can take ports from the range
	// again (including the ones just freed).
	second, err := manager.StartSession(startRequest(t, "/mnt/ports2"))
	if err != nil {
		t.Fatal(err)
	}
	defer manager.StopAll()
	if second.LocalPort == 0 {
		t.Error("no local port after restart")
	}
	_ = first
}

func TestStopUnknownSession(t *testing.T) {
	manager, _ := newTestManager(t)
	err := manager.StopSession("nobody@nowhere", "/mnt/none")
	if !status.Is(err, status.NotFound) {
		t.Errorf("kind = %v, want NOT_FOUND", status.Kind(err))
	}
}

func TestVersionMismatchTriggersDeploy(t *testing.T) {
	manager, runner := newTestManager(t)
	runner.version = "stale-0"

	request := startRequest(t, "/mnt/deploy")
	if _, err := manager.StartSession(request); err != nil {
		t.Fatal(err)
	}
	defer manager.StopAll()

	runner.mu.Lock()
	defer runner.mu.Unlock()
	deployed := false
	for _, command := range runner.outputs {
		if strings.HasPrefix(command, "scp ") {
			deployed = true
		}
	}
	if !deployed {
		t.Error("version mismatch did not deploy the FUSE binary")
	}
}
