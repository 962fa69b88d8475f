// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

// Package portmgr reserves TCP ports from a configured range, on
// both the workstation and (via a caller-supplied probe) the remote
// instance.
//
// Reservations coordinate across processes through a shared-memory
// segment: a mmap'd file (under /dev/shm by default) holding one PID
// slot per port in the range, guarded by flock with a bounded
// acquisition wait. A slot owned by a dead process is reclaimed on
// the next scan, and the kernel drops the flock itself if its holder
// dies, so a crashed manager can never wedge the range. Local
// availability is confirmed by binding and immediately releasing a
// listening socket; remote availability by parsing netstat output
// fetched over SSH by the caller.
package portmgr

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/conveyor-fs/conveyor/lib/clock"
	"github.com/conveyor-fs/conveyor/lib/status"
)

// segmentMagic identifies a conveyor port segment; a mismatch means
// the file is something else and must not be scribbled on.
const segmentMagic = 0x43504F52 // "CPOR"

// headerSize is magic (4) + version (4) + holder stamp (8).
const headerSize = 16

const segmentVersion = 1

// lockTimeout bounds the wait for the segment lock; past it, lock
// returns DeadlineExceeded. A live holder is never preempted; the
// flock of a holder that dies is released with its process.
const lockTimeout = 5 * time.Second

// lockRetryInterval is the poll interval while the lock is held
// elsewhere.
const lockRetryInterval = 10 * time.Millisecond

// RemoteProbe fetches the set of ports already bound on the remote
// side. Implemented by the session manager as netstat-over-SSH.
type RemoteProbe func(ctx context.Context) (map[int]bool, error)

// Options configures a Manager.
type Options struct {
	// RangeStart and RangeEnd bound the reservable ports, inclusive.
	RangeStart int
	RangeEnd   int

	// SegmentPath is the shared-memory file. Defaults to
	// /dev/shm/conveyor-ports.
	SegmentPath string

	Clock  clock.Clock
	Logger *slog.Logger
}

// Manager hands out ports from the configured range. Safe for
// concurrent use within a process; cross-process safety comes from
// the segment lock.
type Manager struct {
	options Options
	file    *os.File
	data    []byte
	pid     uint32
}

// Open creates or attaches the shared segment and returns a Manager.
func Open(options Options) (*Manager, error) {
	if options.RangeStart <= 0 || options.RangeEnd < options.RangeStart {
		return nil, status.Errorf(status.InvalidArgument,
			"invalid port range %d-%d", options.RangeStart, options.RangeEnd)
	}
	if options.SegmentPath == "" {
		options.SegmentPath = "/dev/shm/conveyor-ports"
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}

	size := headerSize + 4*(options.RangeEnd-options.RangeStart+1)

	file, err := os.OpenFile(options.SegmentPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening port segment: %w", err)
	}
	if err := file.Truncate(int64(size)); err != nil {
		file.Close()
		return nil, fmt.Errorf("sizing port segment: %w", err)
	}

	data, err := unix.Mmap(int(file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("mapping port segment: %w", err)
	}

	m := &Manager{
		options: options,
		file:    file,
		data:    data,
		pid:     uint32(os.Getpid()),
	}

	if err := m.initializeHeader(); err != nil {
		m.Close()
		return nil, err
	}
	return m, nil
}

// Close unmaps the segment. Reservations made by this process stay
// visible to other processes until released or until this process
// exits and a reconcile reclaims them.
func (m *Manager) Close() error {
	var firstErr error
	if m.data != nil {
		if err := unix.Munmap(m.data); err != nil {
			firstErr = err
		}
		m.data = nil
	}
	if err := m.file.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// initializeHeader stamps a fresh segment, or validates an existing
// one.
func (m *Manager) initializeHeader() error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.unlock()

	magic := binary.LittleEndian.Uint32(m.data[0:4])
	if magic == 0 {
		binary.LittleEndian.PutUint32(m.data[0:4], segmentMagic)
		binary.LittleEndian.PutUint32(m.data[4:8], segmentVersion)
		return nil
	}
	if magic != segmentMagic {
		return status.Errorf(status.FailedPrecondition,
			"%s is not a conveyor port segment", m.options.SegmentPath)
	}
	if version := binary.LittleEndian.Uint32(m.data[4:8]); version != segmentVersion {
		return status.Errorf(status.FailedPrecondition,
			"port segment version %d, want %d", version, segmentVersion)
	}
	return nil
}

// Reserve allocates one port. When remoteProbe is non-nil, the
// remote side is checked too: a port is only returned if it is free
// on both ends. Returns ResourceExhausted when the range has no free
// port, DeadlineExceeded when the remote probe timed out.
func (m *Manager) Reserve(ctx context.Context, remoteProbe RemoteProbe) (int, error) {
	// The remote probe runs before taking the segment lock: it can
	// take seconds, and the lock must stay short-critical-section.
	var remoteBusy map[int]bool
	if remoteProbe != nil {
		var err error
		remoteBusy, err = remoteProbe(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return 0, status.Wrap(status.DeadlineExceeded, err, "remote port check timed out")
			}
			return 0, status.Wrap(status.Unavailable, err, "remote port check failed")
		}
	}

	if err := m.lock(); err != nil {
		return 0, err
	}
	defer m.unlock()

	for port := m.options.RangeStart; port <= m.options.RangeEnd; port++ {
		slot := m.slot(port)
		owner := binary.LittleEndian.Uint32(slot)
		if owner != 0 && owner != m.pid && processAlive(int(owner)) {
			continue
		}
		if owner != 0 && owner != m.pid {
			// Dead owner: reclaim in passing.
			m.options.Logger.Debug("reclaiming port from dead process", "port", port, "pid", owner)
		}
		if owner == m.pid {
			continue
		}
		if remoteBusy[port] {
			continue
		}
		if !locallyBindable(port) {
			continue
		}
		binary.LittleEndian.PutUint32(slot, m.pid)
		return port, nil
	}

	return 0, status.Errorf(status.ResourceExhausted,
		"no free port in range %d-%d", m.options.RangeStart, m.options.RangeEnd)
}

// Release frees a port reserved by this process. Releasing a port
// this process does not hold is a no-op.
func (m *Manager) Release(port int) error {
	if port < m.options.RangeStart || port > m.options.RangeEnd {
		return nil
	}
	if err := m.lock(); err != nil {
		return err
	}
	defer m.unlock()

	slot := m.slot(port)
	if binary.LittleEndian.Uint32(slot) == m.pid {
		binary.LittleEndian.PutUint32(slot, 0)
	}
	return nil
}

// Reconcile clears slots held by dead processes. The port-manager
// maintenance loop calls this periodically.
func (m *Manager) Reconcile() error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.unlock()

	for port := m.options.RangeStart; port <= m.options.RangeEnd; port++ {
		slot := m.slot(port)
		owner := binary.LittleEndian.Uint32(slot)
		if owner != 0 && !processAlive(int(owner)) {
			m.options.Logger.Info("reclaimed port from dead process", "port", port, "pid", owner)
			binary.LittleEndian.PutUint32(slot, 0)
		}
	}
	return nil
}

// RunReconciler runs Reconcile on a ticker until done closes.
func (m *Manager) RunReconciler(done <-chan struct{}, interval time.Duration) {
	ticker := m.options.Clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := m.Reconcile(); err != nil {
				m.options.Logger.Warn("port reconcile failed", "error", err)
			}
		}
	}
}

// slot returns the 4-byte PID cell for a port.
func (m *Manager) slot(port int) []byte {
	offset := headerSize + 4*(port-m.options.RangeStart)
	return m.data[offset : offset+4]
}

// lock acquires the segment flock, waiting up to lockTimeout. The
// holder stamp lets operators see when the lock was last taken; the
// flock itself cannot outlive its holder, so reclaim is the
// kernel's job.
func (m *Manager) lock() error {
	deadline := m.options.Clock.Now().Add(lockTimeout)
	for {
		err := unix.Flock(int(m.file.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			binary.LittleEndian.PutUint64(m.data[8:16], uint64(m.options.Clock.Now().UnixNano()))
			return nil
		}
		if err != unix.EWOULDBLOCK && err != unix.EAGAIN {
			return fmt.Errorf("locking port segment: %w", err)
		}
		if m.options.Clock.Now().After(deadline) {
			return status.Errorf(status.DeadlineExceeded, "port segment lock held for over %s", lockTimeout)
		}
		m.options.Clock.Sleep(lockRetryInterval)
	}
}

func (m *Manager) unlock() {
	if err := unix.Flock(int(m.file.Fd()), unix.LOCK_UN); err != nil {
		m.options.Logger.Warn("unlocking port segment failed", "error", err)
	}
}

// locallyBindable probes a port by binding a listening socket and
// immediately releasing it.
func locallyBindable(port int) bool {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	listener.Close()
	return true
}

// processAlive reports whether a PID refers to a live process.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || err == syscall.EPERM
}
