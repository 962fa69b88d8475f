// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

// Package remote builds the SSH and SCP command lines the session
// manager runs, and parses the output of the remote probes it
// depends on. The actual process execution lives behind the session
// manager's Runner interface; this package is pure string work, kept
// separate because quoting mistakes here turn into shell injection
// or silently wrong paths on the remote side.
package remote

import (
	"fmt"
	"strconv"
	"strings"
)

// QuoteArg quotes one argument for a POSIX shell. An argument made
// only of shell-safe characters is returned as is; any other is
// wrapped in single quotes, with each embedded single quote closed,
// escaped, and reopened. Safe for spaces, backslashes, quotes, and
// glob characters.
func QuoteArg(argument string) string {
	if argument == "" {
		return "''"
	}
	if isShellSafe(argument) {
		return argument
	}
	return "'" + strings.ReplaceAll(argument, "'", `'\''`) + "'"
}

// QuotePath quotes a path like QuoteArg, but preserves a leading
// ~ or ~user/ prefix unquoted so the remote shell still expands the
// home directory. The username must be a valid POSIX login name;
// anything else gets the whole token quoted.
func QuotePath(remotePath string) string {
	if !strings.HasPrefix(remotePath, "~") {
		return QuoteArg(remotePath)
	}

	prefix := remotePath
	rest := ""
	if index := strings.IndexByte(remotePath, '/'); index >= 0 {
		prefix, rest = remotePath[:index], remotePath[index:]
	}

	user := prefix[1:]
	if user != "" && !isPosixLoginName(user) {
		return QuoteArg(remotePath)
	}
	if rest == "" {
		return prefix
	}
	return prefix + QuoteArg(rest)
}

// JoinCommand renders an argument vector as a single shell command
// string with each argument quoted, for passing to `ssh host <cmd>`.
func JoinCommand(arguments []string) string {
	quoted := make([]string, len(arguments))
	for i, argument := range arguments {
		quoted[i] = QuoteArg(argument)
	}
	return strings.Join(quoted, " ")
}

// isShellSafe reports whether the string can appear unquoted in a
// POSIX shell.
func isShellSafe(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.' || r == '/' || r == ':' || r == '=' || r == ',' || r == '+' || r == '@' || r == '%':
		default:
			return false
		}
	}
	return true
}

// isPosixLoginName reports whether s is a valid POSIX login name:
// [a-z_][a-z0-9_-]*, optionally ending in $.
func isPosixLoginName(s string) bool {
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r == '_':
		case r >= '0' && r <= '9', r == '-':
			if i == 0 {
				return false
			}
		case r == '$' && i == len(s)-1:
		default:
			return false
		}
	}
	return len(s) > 0
}

// Command is a templated external command: the binary plus leading
// arguments from configuration (e.g. "ssh -o BatchMode=yes"),
// extended per call.
type Command struct {
	program   string
	arguments []string
}

// ParseCommand splits a configured command template into program and
// leading arguments. Templates are whitespace-split; they come from
// local configuration, not from the remote side, so no shell parsing
// is applied.
func ParseCommand(template string) (Command, error) {
	fields := strings.Fields(template)
	if len(fields) == 0 {
		return Command{}, fmt.Errorf("empty command template")
	}
	return Command{program: fields[0], arguments: fields[1:]}, nil
}

// Program returns the executable.
func (c Command) Program() string { return c.program }

// Args returns the template arguments followed by extra.
func (c Command) Args(extra ...string) []string {
	arguments := make([]string, 0, len(c.arguments)+len(extra))
	arguments = append(arguments, c.arguments...)
	arguments = append(arguments, extra...)
	return arguments
}

// SSHArgs builds the argument list for running remoteCommand on
// userHost, with optional reverse forwards ("-R" specs).
func (c Command) SSHArgs(userHost string, reverseForwards []string, remoteCommand string) []string {
	var extra []string
	for _, forward := range reverseForwards {
		extra = append(extra, "-R", forward)
	}
	extra = append(extra, userHost, remoteCommand)
	return c.Args(extra...)
}

// SCPArgs builds the argument list for copying localPath to
// remotePath on userHost.
func (c Command) SCPArgs(localPath, userHost, remotePath string) []string {
	return c.Args(localPath, userHost+":"+QuotePath(remotePath))
}

// ParseListeningPorts extracts the set of locally-bound listening
// TCP ports from `netstat -an`-style output (also accepts `ss -ltn`
// output). Lines that do not look like listening sockets are
// ignored.
func ParseListeningPorts(output string) map[int]bool {
	listening := make(map[int]bool)
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		if !strings.Contains(strings.ToUpper(line), "LISTEN") {
			continue
		}
		for _, field := range fields {
			port, ok := parseAddressPort(field)
			if ok {
				listening[port] = true
				break
			}
		}
	}
	return listening
}

// parseAddressPort pulls the port out of "0.0.0.0:22", "[::]:22",
// or "*:22" address forms.
func parseAddressPort(address string) (int, bool) {
	index := strings.LastIndexByte(address, ':')
	if index < 0 || index == len(address)-1 {
		return 0, false
	}
	port, err := strconv.Atoi(address[index+1:])
	if err != nil || port <= 0 || port > 65535 {
		return 0, false
	}
	return port, true
}

// StderrTail returns the last few lines of a command's stderr for
// error reporting.
func StderrTail(stderr string, maxLines int) string {
	lines := strings.Split(strings.TrimRight(stderr, "\n"), "\n")
	if len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	return strings.Join(lines, "\n")
}
