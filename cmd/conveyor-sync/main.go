// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

// conveyor-sync is the one-shot directory synchronizer. It speaks
// the signature/delta/patch protocol to a conveyor-sync-server
// reached over TCP (--ip/--port), over SSH (user@host:path
// destinations), or as a local subprocess (plain path destinations).
//
// Exit codes: 0 success, 1 usage error, 2 transport error, 3 remote
// error.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/dustin/go-humanize"
	flag "github.com/spf13/pflag"

	"github.com/conveyor-fs/conveyor/lib/deltasync"
	"github.com/conveyor-fs/conveyor/lib/msgpump"
	"github.com/conveyor-fs/conveyor/lib/service"
	"github.com/conveyor-fs/conveyor/lib/status"
	"github.com/conveyor-fs/conveyor/lib/version"
)

const (
	exitOK        = 0
	exitUsage     = 1
	exitTransport = 2
	exitRemote    = 3
)

func main() {
	os.Exit(run())
}

type cliOptions struct {
	recursive     bool
	verbosity     int
	quiet         bool
	wholeFile     bool
	relative      bool
	compress      bool
	compressLevel int
	checksum      bool
	dryRun        bool
	deleteExtra   bool
	existing      bool
	jsonOutput    bool
	ip            string
	port          int
	contimeout    int
	copyDest      string
	filesFrom     string
	showVersion   bool
}

func run() int {
	flags := flag.NewFlagSet("conveyor-sync", flag.ContinueOnError)
	options := &cliOptions{}

	flags.BoolVarP(&options.recursive, "recursive", "r", false, "recurse into directories")
	flags.CountVarP(&options.verbosity, "verbosity", "v", "increase verbosity")
	flags.BoolVar(&options.quiet, "quiet", false, "suppress non-error output")
	flags.BoolVarP(&options.wholeFile, "whole-file", "W", false, "copy whole files, no delta transfer")
	flags.BoolVarP(&options.relative, "relative", "R", false, "use relative path names")
	flags.BoolVarP(&options.compress, "compress", "z", false, "compress file data during transfer")
	flags.IntVar(&options.compressLevel, "compress-level", 6, "zstd compression level (1-22)")
	flags.BoolVarP(&options.checksum, "checksum", "c", false, "compare by checksum, not size and mtime")
	flags.BoolVarP(&options.dryRun, "dry-run", "n", false, "show what would be transferred")
	flags.BoolVar(&options.deleteExtra, "delete", false, "delete extraneous destination files (requires -r)")
	flags.BoolVar(&options.existing, "existing", false, "skip creating files new to the destination")
	flags.BoolVar(&options.jsonOutput, "json", false, "print the summary as JSON")
	flags.StringVar(&options.ip, "ip", "", "connect to a sync server at this address")
	flags.IntVar(&options.port, "port", 44460, "sync server TCP port")
	flags.IntVar(&options.contimeout, "contimeout", 10, "connection timeout in seconds")
	flags.StringVar(&options.copyDest, "copy-dest", "", "server-side basis directory for missing files")
	flags.StringVar(&options.filesFrom, "files-from", "", "read source file list from FILE (implies --relative)")
	flags.BoolVar(&options.showVersion, "version", false, "print version and exit")

	// Ordered filter rules: pflag keeps per-flag values but not the
	// interleaving between flags, so the rule order is recovered
	// from the raw argument list.
	var filterStubs []string
	flags.StringArrayVar(&filterStubs, "include", nil, "include files matching PATTERN")
	flags.StringArrayVar(&filterStubs, "exclude", nil, "exclude files matching PATTERN")
	flags.StringArrayVar(&filterStubs, "include-from", nil, "read include patterns from FILE")
	flags.StringArrayVar(&filterStubs, "exclude-from", nil, "read exclude patterns from FILE")

	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: conveyor-sync [options] source... destination\n\n%s", flags.FlagUsages())
	}

	if err := flags.Parse(os.Args[1:]); err != nil {
		return exitUsage
	}
	if options.showVersion {
		fmt.Printf("conveyor-sync %s\n", version.Info())
		return exitOK
	}

	logger := service.NewLogger(options.verbosity > 0)

	filters, err := collectFilters(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "conveyor-sync: %v\n", err)
		return exitUsage
	}

	positional := flags.Args()
	if len(positional) < 2 {
		flags.Usage()
		return exitUsage
	}
	sources, destination := positional[:len(positional)-1], positional[len(positional)-1]

	if options.deleteExtra && !options.recursive {
		fmt.Fprintln(os.Stderr, "conveyor-sync: --delete requires --recursive")
		return exitUsage
	}
	if options.compressLevel < 1 || options.compressLevel > 22 {
		fmt.Fprintln(os.Stderr, "conveyor-sync: --compress-level must be 1-22")
		return exitUsage
	}

	clientOptions := deltasync.ClientOptions{
		Sources:       sources,
		Recursive:     options.recursive,
		WholeFile:     options.wholeFile,
		Checksum:      options.checksum,
		DryRun:        options.dryRun,
		Delete:        options.deleteExtra,
		Existing:      options.existing,
		Relative:      options.relative,
		Compress:      options.compress,
		CompressLevel: options.compressLevel,
		CopyDest:      options.copyDest,
		Filters:       filters,
		Logger:        logger,
	}

	if options.filesFrom != "" {
		clientOptions.Relative = true
		explicit, err := readFilesFrom(options.filesFrom, sources)
		if err != nil {
			fmt.Fprintf(os.Stderr, "conveyor-sync: %v\n", err)
			return exitUsage
		}
		clientOptions.ExplicitFiles = explicit
	}

	stream, destDir, cleanup, err := connect(options, destination)
	if err != nil {
		fmt.Fprintf(os.Stderr, "conveyor-sync: [%s] %v\n", status.Kind(err), err)
		return exitTransport
	}
	defer cleanup()
	clientOptions.DestDir = destDir

	started := time.Now()
	summary, err := deltasync.RunClient(msgpump.New(stream), clientOptions)
	if err != nil {
		fmt.Fprintf(os.Stderr, "conveyor-sync: [%s] %v\n", status.Kind(err), err)
		switch status.Kind(err) {
		case status.InvalidArgument:
			return exitUsage
		case status.Unavailable, status.DeadlineExceeded:
			return exitTransport
		default:
			return exitRemote
		}
	}

	if !options.quiet {
		printSummary(summary, time.Since(started), options)
	}
	return exitOK
}

// connect establishes the byte stream to the server and splits the
// destination into its path component.
func connect(options *cliOptions, destination string) (io.ReadWriter, string, func(), error) {
	// Explicit TCP endpoint.
	if options.ip != "" {
		address := net.JoinHostPort(options.ip, fmt.Sprintf("%d", options.port))
		conn, err := net.DialTimeout("tcp", address, time.Duration(options.contimeout)*time.Second)
		if err != nil {
			return nil, "", nil, status.Wrap(status.Unavailable, err, "connecting to "+address)
		}
		return conn, destination, func() { conn.Close() }, nil
	}

	// user@host:path — run the server over SSH.
	if host, remotePath, ok := splitRemote(destination); ok {
		command := exec.Command("ssh", host, "conveyor-sync-server --stdio")
		return startSubprocess(command, remotePath)
	}

	// Local destination: run the server as a subprocess.
	serverBinary := siblingBinary("conveyor-sync-server")
	command := exec.Command(serverBinary, "--stdio")
	return startSubprocess(command, destination)
}

// startSubprocess wires a server subprocess's stdio into a pump
// stream.
func startSubprocess(command *exec.Cmd, destDir string) (io.ReadWriter, string, func(), error) {
	stdin, err := command.StdinPipe()
	if err != nil {
		return nil, "", nil, status.Wrap(status.Unavailable, err, "creating server pipe")
	}
	stdout, err := command.StdoutPipe()
	if err != nil {
		return nil, "", nil, status.Wrap(status.Unavailable, err, "creating server pipe")
	}
	command.Stderr = os.Stderr
	if err := command.Start(); err != nil {
		return nil, "", nil, status.Wrap(status.Unavailable, err, "starting sync server")
	}
	cleanup := func() {
		stdin.Close()
		command.Wait()
	}
	return struct {
		io.Reader
		io.Writer
	}{stdout, stdin}, destDir, cleanup, nil
}

// splitRemote parses user@host:path destinations. A path with no
// colon, or a colon inside a Windows-style drive prefix, is local.
func splitRemote(destination string) (host, path string, ok bool) {
	index := strings.IndexByte(destination, ':')
	if index <= 0 {
		return "", "", false
	}
	if index == 1 && unicode.IsLetter(rune(destination[0])) {
		// Drive prefix such as C:\dir.
		return "", "", false
	}
	if strings.ContainsAny(destination[:index], "/\\") {
		return "", "", false
	}
	return destination[:index], destination[index+1:], true
}

// collectFilters rebuilds the ordered include/exclude rule list from
// the raw arguments.
func collectFilters(arguments []string) (*deltasync.FilterSet, error) {
	filters := deltasync.NewFilterSet(nil)
	for i := 0; i < len(arguments); i++ {
		argument := arguments[i]

		flagName, value, hasValue := strings.Cut(argument, "=")
		next := func() (string, bool) {
			if hasValue {
				return value, true
			}
			if i+1 < len(arguments) {
				i++
				return arguments[i], true
			}
			return "", false
		}

		switch flagName {
		case "--include":
			if pattern, ok := next(); ok {
				filters.AddInclude(pattern)
			}
		case "--exclude":
			if pattern, ok := next(); ok {
				filters.AddExclude(pattern)
			}
		case "--include-from":
			if file, ok := next(); ok {
				if err := filters.LoadRuleFile(file, deltasync.ActionInclude); err != nil {
					return nil, err
				}
			}
		case "--exclude-from":
			if file, ok := next(); ok {
				if err := filters.LoadRuleFile(file, deltasync.ActionExclude); err != nil {
					return nil, err
				}
			}
		}
	}
	return filters, nil
}

// readFilesFrom loads the --files-from list. Lines are relative to
// the single source root.
func readFilesFrom(listPath string, sources []string) ([]deltasync.SourceFile, error) {
	if len(sources) != 1 {
		return nil, fmt.Errorf("--files-from requires exactly one source root")
	}
	root := sources[0]

	file, err := os.Open(listPath)
	if err != nil {
		return nil, fmt.Errorf("opening --files-from list: %w", err)
	}
	defer file.Close()

	var explicit []deltasync.SourceFile
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		explicit = append(explicit, deltasync.SourceFile{
			LocalPath: filepath.Join(root, line),
			WirePath:  filepath.ToSlash(line),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading --files-from list: %w", err)
	}
	return explicit, nil
}

func printSummary(summary *deltasync.Summary, elapsed time.Duration, options *cliOptions) {
	if options.jsonOutput {
		encoded, err := json.MarshalIndent(summary, "", "  ")
		if err == nil {
			fmt.Println(string(encoded))
		}
		return
	}

	verb := "transferred"
	if options.dryRun {
		verb = "would transfer"
	}
	fmt.Printf("%d files: %d missing, %d changed, %d unchanged, %d deleted\n",
		summary.FilesTotal, summary.FilesMissing, summary.FilesChanged,
		summary.FilesUnchanged, summary.FilesDeleted)
	fmt.Printf("%s %s literal, %s matched in place (%.1fs)\n",
		verb,
		humanize.Bytes(uint64(summary.LiteralBytes)),
		humanize.Bytes(uint64(summary.MatchedBytes)),
		elapsed.Seconds())
}

// siblingBinary resolves a binary next to this one, falling back to
// PATH lookup.
func siblingBinary(name string) string {
	executable, err := os.Executable()
	if err != nil {
		return name
	}
	sibling := filepath.Join(filepath.Dir(executable), name)
	if _, err := os.Stat(sibling); err != nil {
		return name
	}
	return sibling
}
