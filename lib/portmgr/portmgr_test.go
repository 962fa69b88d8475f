// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

package portmgr

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/conveyor-fs/conveyor/lib/status"
)

func openManager(t *testing.T, segment string, start, end int) *Manager {
	t.Helper()
	manager, err := Open(Options{
		RangeStart:  start,
		RangeEnd:    end,
		SegmentPath: segment,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { manager.Close() })
	return manager
}

func TestReserveExclusive(t *testing.T) {
	segment := filepath.Join(t.TempDir(), "ports")
	manager := openManager(t, segment, 46100, 46110)

	first, err := manager.Reserve(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	second, err := manager.Reserve(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if first == second {
		t.Fatalf("both reservations returned port %d", first)
	}
}

func TestReserveSharedSegmentAcrossManagers(t *testing.T) {
	// Two managers over the same segment model two processes; they
	// share a PID here, which still exercises the shared bitmap
	// paths (a same-PID slot is never handed out twice).
	segment := filepath.Join(t.TempDir(), "ports")
	managerA := openManager(t, segment, 46120, 46125)
	managerB := openManager(t, segment, 46120, 46125)

	seen := map[int]bool{}
	for i := 0; i < 3; i++ {
		port, err := managerA.Reserve(context.Background(), nil)
		if err != nil {
			t.Fatal(err)
		}
		if seen[port] {
			t.Fatalf("port %d reserved twice", port)
		}
		seen[port] = true

		port, err = managerB.Reserve(context.Background(), nil)
		if err != nil {
			t.Fatal(err)
		}
		if seen[port] {
			t.Fatalf("port %d reserved twice", port)
		}
		seen[port] = true
	}
}

func TestReleaseMakesPortReusableByOthers(t *testing.T) {
	segment := filepath.Join(t.TempDir(), "ports")
	managerA := openManager(t, segment, 46130, 46130)
	managerB := openManager(t, segment, 46130, 46130)

	port, err := managerA.Reserve(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	// The single-port range is now exhausted for B (same PID slots
	// are skipped).
	if _, err := managerB.Reserve(context.Background(), nil); !status.Is(err, status.ResourceExhausted) {
		t.Errorf("kind = %v, want RESOURCE_EXHAUSTED", status.Kind(err))
	}

	if err := managerA.Release(port); err != nil {
		t.Fatal(err)
	}
	if _, err := managerB.Reserve(context.Background(), nil); err != nil {
		t.Errorf("reserve after release: %v", err)
	}
}

func TestRangeExhaustion(t *testing.T) {
	segment := filepath.Join(t.TempDir(), "ports")
	manager := openManager(t, segment, 46140, 46141)

	for i := 0; i < 2; i++ {
		if _, err := manager.Reserve(context.Background(), nil); err != nil {
			t.Fatal(err)
		}
	}
	_, err := manager.Reserve(context.Background(), nil)
	if !status.Is(err, status.ResourceExhausted) {
		t.Errorf("kind = %v, want RESOURCE_EXHAUSTED", status.Kind(err))
	}
}

func TestRemoteProbeExcludesBusyPorts(t *testing.T) {
	segment := filepath.Join(t.TempDir(), "ports")
	manager := openManager(t, segment, 46150, 46152)

	probe := func(ctx context.Context) (map[int]bool, error) {
		return map[int]bool{46150: true, 46151: true}, nil
	}
	port, err := manager.Reserve(context.Background(), probe)
	if err != nil {
		t.Fatal(err)
	}
	if port != 46152 {
		t.Errorf("port = %d, want 46152 (others busy remotely)", port)
	}
}

func TestRemoteProbeTimeout(t *testing.T) {
	segment := filepath.Join(t.TempDir(), "ports")
	manager := openManager(t, segment, 46160, 46165)

	ctx, cancel := context.WithCancel(context.Background())
	probe := func(ctx context.Context) (map[int]bool, error) {
		cancel()
		return nil, errors.New("netstat: connection timed out")
	}
	_, err := manager.Reserve(ctx, probe)
	if !status.Is(err, status.DeadlineExceeded) {
		t.Errorf("kind = %v, want DEADLINE_EXCEEDED", status.Kind(err))
	}
}

func TestReconcileReclaimsDeadOwners(t *testing.T) {
	segment := filepath.Join(t.TempDir(), "ports")
	manager := openManager(t, segment, 46170, 46170)

	// Plant a reservation from a PID that cannot exist.
	if err := manager.lock(); err != nil {
		t.Fatal(err)
	}
	slot := manager.slot(46170)
	slot[0], slot[1], slot[2], slot[3] = 0xFF, 0xFF, 0xFF, 0x7F
	manager.unlock()

	if err := manager.Reconcile(); err != nil {
		t.Fatal(err)
	}
	if _, err := manager.Reserve(context.Background(), nil); err != nil {
		t.Errorf("reserve after reconcile: %v", err)
	}
}

func TestSegmentValidation(t *testing.T) {
	segment := filepath.Join(t.TempDir(), "ports")
	first := openManager(t, segment, 46180, 46185)
	_ = first

	// Reopening the same segment works.
	second, err := Open(Options{RangeStart: 46180, RangeEnd: 46185, SegmentPath: segment})
	if err != nil {
		t.Fatal(err)
	}
	second.Close()

	if _, err := Open(Options{RangeStart: 10, RangeEnd: 5, SegmentPath: segment}); !status.Is(err, status.InvalidArgument) {
		t.Errorf("kind = %v, want INVALID_ARGUMENT", status.Kind(err))
	}
}
