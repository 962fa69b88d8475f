// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

package deltasync

import (
	"bytes"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/conveyor-fs/conveyor/lib/msgpump"
)

// runSync executes a client/server pair over an in-memory pipe and
// returns the client's summary.
func runSync(t *testing.T, options ClientOptions) *Summary {
	t.Helper()

	clientConn, serverConn := net.Pipe()
	serverDone := make(chan error, 1)
	go func() {
		defer serverConn.Close()
		serverDone <- RunServer(msgpump.New(serverConn), ServerOptions{})
	}()

	summary, clientErr := RunClient(msgpump.New(clientConn), options)
	clientConn.Close()
	if err := <-serverDone; err != nil {
		t.Fatalf("server: %v", err)
	}
	if clientErr != nil {
		t.Fatalf("client: %v", clientErr)
	}
	return summary
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func readFile(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestSyncIntoEmptyDestination(t *testing.T) {
	sourceDir := t.TempDir()
	destDir := filepath.Join(t.TempDir(), "dest")

	writeFile(t, filepath.Join(sourceDir, "top.txt"), []byte("top level"))
	writeFile(t, filepath.Join(sourceDir, "nested", "inner.bin"), deterministicBytes(300_000, 21))

	summary := runSync(t, ClientOptions{
		Sources:   []string{sourceDir},
		DestDir:   destDir,
		Recursive: true,
	})

	if summary.FilesMissing != 2 {
		t.Errorf("missing = %d, want 2", summary.FilesMissing)
	}
	if got := readFile(t, filepath.Join(destDir, "top.txt")); string(got) != "top level" {
		t.Errorf("top.txt = %q", got)
	}
	if got := readFile(t, filepath.Join(destDir, "nested", "inner.bin")); !bytes.Equal(got, deterministicBytes(300_000, 21)) {
		t.Error("inner.bin corrupted in transfer")
	}
}

func TestSyncDeltaTransfer(t *testing.T) {
	// Scenario S4: 3 MiB source, destination differs in a 100-byte
	// span. The delta path must repair it with literal traffic on
	// the order of the damage, not the file.
	sourceDir := t.TempDir()
	destDir := t.TempDir()

	source := deterministicBytes(3*1024*1024, 7)
	dest := append([]byte{}, source...)
	for i := 1_000_000; i < 1_000_100; i++ {
		dest[i] = 0
	}
	writeFile(t, filepath.Join(sourceDir, "x"), source)
	writeFile(t, filepath.Join(destDir, "x"), dest)
	// The quick check compares size and mtime, and two writes in a
	// row can share a timestamp: age the destination like a stale copy.
	stale := time.Now().Add(-time.Hour)
	if err := os.Chtimes(filepath.Join(destDir, "x"), stale, stale); err != nil {
		t.Fatal(err)
	}

	summary := runSync(t, ClientOptions{
		Sources:   []string{sourceDir},
		DestDir:   destDir,
		Recursive: true,
	})

	if summary.FilesChanged != 1 {
		t.Fatalf("changed = %d, want 1", summary.FilesChanged)
	}
	if got := readFile(t, filepath.Join(destDir, "x")); !bytes.Equal(got, source) {
		t.Fatal("destination does not equal source after delta sync")
	}
	limit := int64(100 + 2*pickBlockSize(int64(len(dest))))
	if summary.LiteralBytes > limit {
		t.Errorf("literal bytes = %d, want <= %d", summary.LiteralBytes, limit)
	}
	if summary.MatchedBytes == 0 {
		t.Error("no matched bytes on a mostly-identical file")
	}
}

func TestSyncDryRunLeavesDestinationUntouched(t *testing.T) {
	sourceDir := t.TempDir()
	destDir := t.TempDir()

	writeFile(t, filepath.Join(sourceDir, "new.txt"), []byte("would be copied"))
	writeFile(t, filepath.Join(destDir, "stale.txt"), []byte("would be deleted"))

	summary := runSync(t, ClientOptions{
		Sources:   []string{sourceDir},
		DestDir:   destDir,
		Recursive: true,
		DryRun:    true,
		Delete:    true,
	})

	if summary.FilesMissing != 1 || summary.FilesDeleted != 1 {
		t.Errorf("summary = %+v, want 1 missing and 1 deleted", summary)
	}
	if _, err := os.Stat(filepath.Join(destDir, "new.txt")); !os.IsNotExist(err) {
		t.Error("dry run created a file")
	}
	if _, err := os.Stat(filepath.Join(destDir, "stale.txt")); err != nil {
		t.Error("dry run deleted a file")
	}
}

func TestSyncDeleteRemovesExtraneous(t *testing.T) {
	sourceDir := t.TempDir()
	destDir := t.TempDir()

	writeFile(t, filepath.Join(sourceDir, "kept.txt"), []byte("kept"))
	writeFile(t, filepath.Join(destDir, "kept.txt"), []byte("kept"))
	writeFile(t, filepath.Join(destDir, "orphan.txt"), []byte("orphan"))

	// Match mtimes so kept.txt counts as unchanged.
	info, err := os.Stat(filepath.Join(sourceDir, "kept.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(filepath.Join(destDir, "kept.txt"), info.ModTime(), info.ModTime()); err != nil {
		t.Fatal(err)
	}

	summary := runSync(t, ClientOptions{
		Sources:   []string{sourceDir},
		DestDir:   destDir,
		Recursive: true,
		Delete:    true,
	})

	if summary.FilesUnchanged != 1 {
		t.Errorf("unchanged = %d, want 1", summary.FilesUnchanged)
	}
	if _, err := os.Stat(filepath.Join(destDir, "orphan.txt")); !os.IsNotExist(err) {
		t.Error("extraneous file survived --delete")
	}
}

func TestSyncCompressed(t *testing.T) {
	sourceDir := t.TempDir()
	destDir := t.TempDir()

	writeFile(t, filepath.Join(sourceDir, "log.txt"), bytes.Repeat([]byte("repetitive line\n"), 50_000))

	runSync(t, ClientOptions{
		Sources:   []string{sourceDir},
		DestDir:   destDir,
		Recursive: true,
		Compress:  true,
	})

	want := bytes.Repeat([]byte("repetitive line\n"), 50_000)
	if got := readFile(t, filepath.Join(destDir, "log.txt")); !bytes.Equal(got, want) {
		t.Error("compressed transfer corrupted content")
	}
}

func TestSyncWholeFileMode(t *testing.T) {
	sourceDir := t.TempDir()
	destDir := t.TempDir()

	source := deterministicBytes(200_000, 31)
	dest := append([]byte{}, source...)
	dest[100] ^= 0xFF
	writeFile(t, filepath.Join(sourceDir, "w"), source)
	writeFile(t, filepath.Join(destDir, "w"), dest)
	// Same size as the source: only an older mtime marks it changed.
	stale := time.Now().Add(-time.Hour)
	if err := os.Chtimes(filepath.Join(destDir, "w"), stale, stale); err != nil {
		t.Fatal(err)
	}

	summary := runSync(t, ClientOptions{
		Sources:   []string{sourceDir},
		DestDir:   destDir,
		Recursive: true,
		WholeFile: true,
	})

	if summary.FilesChanged != 1 {
		t.Fatalf("changed = %d, want 1", summary.FilesChanged)
	}
	if summary.MatchedBytes != 0 {
		t.Error("whole-file mode should not match blocks")
	}
	if got := readFile(t, filepath.Join(destDir, "w")); !bytes.Equal(got, source) {
		t.Error("whole-file transfer corrupted content")
	}
}

func TestSyncChecksumModeCatchesSameSizeSameMtime(t *testing.T) {
	sourceDir := t.TempDir()
	destDir := t.TempDir()

	source := []byte("content A that will differ")
	dest := []byte("content B that will differ")
	writeFile(t, filepath.Join(sourceDir, "c"), source)
	writeFile(t, filepath.Join(destDir, "c"), dest)

	// Align size and mtime so only the checksum can tell them apart.
	info, err := os.Stat(filepath.Join(sourceDir, "c"))
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(filepath.Join(destDir, "c"), info.ModTime(), info.ModTime()); err != nil {
		t.Fatal(err)
	}

	withoutChecksum := runSync(t, ClientOptions{
		Sources: []string{sourceDir}, DestDir: destDir, Recursive: true,
	})
	if withoutChecksum.FilesUnchanged != 1 {
		t.Errorf("without -c: unchanged = %d, want 1", withoutChecksum.FilesUnchanged)
	}

	withChecksum := runSync(t, ClientOptions{
		Sources: []string{sourceDir}, DestDir: destDir, Recursive: true, Checksum: true,
	})
	if withChecksum.FilesChanged != 1 {
		t.Errorf("with -c: changed = %d, want 1", withChecksum.FilesChanged)
	}
	if got := readFile(t, filepath.Join(destDir, "c")); !bytes.Equal(got, source) {
		t.Error("checksum-detected change not repaired")
	}
}

func TestSyncFiltered(t *testing.T) {
	sourceDir := t.TempDir()
	destDir := t.TempDir()

	writeFile(t, filepath.Join(sourceDir, "a.txt"), []byte("a"))
	writeFile(t, filepath.Join(sourceDir, "b.dat"), []byte("b"))
	writeFile(t, filepath.Join(sourceDir, "c.exe"), []byte("c"))
	writeFile(t, filepath.Join(sourceDir, "d.md"), []byte("d"))

	filter := NewFilterSet([]Rule{
		{ActionInclude, "*.txt"},
		{ActionExclude, "*.dat"},
		{ActionInclude, "*.exe"},
	})

	runSync(t, ClientOptions{
		Sources:   []string{sourceDir},
		DestDir:   destDir,
		Recursive: true,
		Filters:   filter,
	})

	for _, kept := range []string{"a.txt", "c.exe"} {
		if _, err := os.Stat(filepath.Join(destDir, kept)); err != nil {
			t.Errorf("%s not synced: %v", kept, err)
		}
	}
	for _, excluded := range []string{"b.dat", "d.md"} {
		if _, err := os.Stat(filepath.Join(destDir, excluded)); !os.IsNotExist(err) {
			t.Errorf("%s synced despite filter", excluded)
		}
	}
}

func TestSyncExistingOnlyUpdates(t *testing.T) {
	sourceDir := t.TempDir()
	destDir := t.TempDir()

	writeFile(t, filepath.Join(sourceDir, "present.txt"), []byte("new content"))
	writeFile(t, filepath.Join(sourceDir, "absent.txt"), []byte("should not appear"))
	writeFile(t, filepath.Join(destDir, "present.txt"), []byte("old"))

	runSync(t, ClientOptions{
		Sources:   []string{sourceDir},
		DestDir:   destDir,
		Recursive: true,
		Existing:  true,
	})

	if got := readFile(t, filepath.Join(destDir, "present.txt")); string(got) != "new content" {
		t.Errorf("present.txt = %q", got)
	}
	if _, err := os.Stat(filepath.Join(destDir, "absent.txt")); !os.IsNotExist(err) {
		t.Error("--existing created a new file")
	}
}

func TestSyncPreservesModeAndMtime(t *testing.T) {
	sourceDir := t.TempDir()
	destDir := t.TempDir()

	path := filepath.Join(sourceDir, "script.sh")
	writeFile(t, path, []byte("#!/bin/sh\n"))
	if err := os.Chmod(path, 0o755); err != nil {
		t.Fatal(err)
	}

	runSync(t, ClientOptions{
		Sources:   []string{sourceDir},
		DestDir:   destDir,
		Recursive: true,
	})

	sourceInfo, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	destInfo, err := os.Stat(filepath.Join(destDir, "script.sh"))
	if err != nil {
		t.Fatal(err)
	}
	if destInfo.Mode().Perm() != 0o755 {
		t.Errorf("mode = %o, want 755", destInfo.Mode().Perm())
	}
	if !destInfo.ModTime().Equal(sourceInfo.ModTime()) {
		t.Errorf("mtime = %v, want %v", destInfo.ModTime(), sourceInfo.ModTime())
	}
}
