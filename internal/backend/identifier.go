// ABOUTME: Identifier allow-list and liveness checks shared by both backends.
// ABOUTME: Validation runs before any filesystem, process-table or tmux access.

package backend

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// DeviceDir is where terminal identifiers must resolve.
const DeviceDir = "/dev"

const shellMetacharacters = "`$;&|<>(){}[]*?!~'\"\\ \t\n\r"

var (
	paneIDPattern = regexp.MustCompile(`^%[0-9]{1,9}$`)
	ttyPattern    = regexp.MustCompile(`^/dev/(pts/[0-9]{1,9}|tty[A-Za-z0-9]{1,12})$`)
	pidPattern    = regexp.MustCompile(`^pid:[1-9][0-9]{0,9}$`)
)

// IdentifierKind classifies a validated identifier.
type IdentifierKind int

const (
	IdentifierPane IdentifierKind = iota + 1
	IdentifierTTY
	IdentifierPID
)

// ValidateIdentifier checks identifier against the allow-list.
func ValidateIdentifier(identifier string) (IdentifierKind, error) {
	if identifier == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidIdentifier)
	}
	if strings.Contains(identifier, "..") || strings.ContainsAny(identifier, shellMetacharacters) {
		return 0, fmt.Errorf("%w: %q contains forbidden characters", ErrInvalidIdentifier, identifier)
	}
	switch {
	case paneIDPattern.MatchString(identifier):
		return IdentifierPane, nil
	case ttyPattern.MatchString(identifier):
		return IdentifierTTY, nil
	case pidPattern.MatchString(identifier):
		return IdentifierPID, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidIdentifier, identifier)
	}
}

// PIDIdentifier formats a pid-based identifier.
func PIDIdentifier(pid int) string {
	return "pid:" + strconv.Itoa(pid)
}

// pidFromIdentifier extracts the pid of a validated pid identifier.
func pidFromIdentifier(identifier string) int {
	pid, _ := strconv.Atoi(strings.TrimPrefix(identifier, "pid:"))
	return pid
}

// ttyAlive reports whether a terminal device node exists and, after
// resolving symlinks, still lives under deviceDir.
func ttyAlive(path, deviceDir string) bool {
	if _, err := os.Stat(path); err != nil {
		return false
	}
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return false
	}
	base, err := filepath.EvalSymlinks(deviceDir)
	if err != nil {
		base = deviceDir
	}
	return strings.HasPrefix(resolved, base+string(filepath.Separator))
}

// runsCLI reports whether a process looks like the agent CLI. Interpreted
// CLIs show up as "node /path/to/<cli>", so the first two argv entries are
// checked as well as the executable name.
func runsCLI(info ProcessInfo, cliName string) bool {
	if cliName == "" {
		return false
	}
	if filepath.Base(info.Executable) == cliName {
		return true
	}
	for i, arg := range info.CmdLine {
		if i > 1 {
			break
		}
		if filepath.Base(arg) == cliName {
			return true
		}
	}
	return false
}

// excluded reports whether a process matches any exclusion pattern.
func excluded(info ProcessInfo, patterns []string) bool {
	line := strings.Join(info.CmdLine, " ")
	if line == "" {
		line = info.Executable
	}
	for _, pattern := range patterns {
		if pattern != "" && strings.Contains(line, pattern) {
			return true
		}
	}
	return false
}

// pidRunsCLI checks that pid is alive and still runs the CLI, which
// guards against pid reuse.
func pidRunsCLI(table ProcessTable, pid int, cliName string) bool {
	if pid <= 0 {
		return false
	}
	info, ok := table.Lookup(pid)
	if !ok {
		return false
	}
	return runsCLI(info, cliName)
}

// withinRoot reports whether dir is root or below it, after resolving symlinks.
func withinRoot(dir, root string) bool {
	if root == "" {
		return true
	}
	if dir == "" {
		return false
	}
	resolvedRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		resolvedRoot = filepath.Clean(root)
	}
	resolvedDir, err := filepath.EvalSymlinks(dir)
	if err != nil {
		resolvedDir = filepath.Clean(dir)
	}
	rel, err := filepath.Rel(resolvedRoot, resolvedDir)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
