//go:build linux

// ABOUTME: Linux process table backed by prometheus/procfs.
// ABOUTME: Reports command line, cwd, controlling terminal and COVEN_AGENT_ID.

package backend

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

// NewProcessTable returns the best process table for this platform.
func NewProcessTable() ProcessTable {
	fs, err := procfs.NewFS(procfs.DefaultMountPoint)
	if err != nil {
		return psTable{}
	}
	return procfsTable{fs: fs, mount: procfs.DefaultMountPoint}
}

type procfsTable struct {
	fs    procfs.FS
	mount string
}

func (t procfsTable) List() ([]ProcessInfo, error) {
	procs, err := t.fs.AllProcs()
	if err != nil {
		return nil, fmt.Errorf("listing processes: %w", err)
	}
	infos := make([]ProcessInfo, 0, len(procs))
	for _, p := range procs {
		info, ok := t.describe(p)
		if ok {
			infos = append(infos, info)
		}
	}
	return infos, nil
}

func (t procfsTable) Lookup(pid int) (ProcessInfo, bool) {
	if pid <= 0 {
		return ProcessInfo{}, false
	}
	p, err := t.fs.Proc(pid)
	if err != nil {
		return ProcessInfo{}, false
	}
	return t.describe(p)
}

// describe reads what it can about p. Only a missing stat file (the process
// exited) or a zombie makes the process absent; other fields are best effort.
func (t procfsTable) describe(p procfs.Proc) (ProcessInfo, bool) {
	stat, err := p.Stat()
	if err != nil || stat.State == "Z" {
		return ProcessInfo{}, false
	}

	info := ProcessInfo{
		PID:        p.PID,
		PPID:       stat.PPID,
		Executable: stat.Comm,
	}
	if exe, err := p.Executable(); err == nil && exe != "" {
		info.Executable = filepath.Base(exe)
	}
	if cmdline, err := p.CmdLine(); err == nil {
		info.CmdLine = cmdline
	}
	if cwd, err := p.Cwd(); err == nil {
		info.Cwd = cwd
	}
	info.TTY = ttyName(stat.TTY)
	if info.TTY == "" && stat.TTY != 0 {
		info.TTY = t.stdinTerminal(p.PID)
	}
	if environ, err := p.Environ(); err == nil {
		prefix := AgentIDEnv + "="
		for _, kv := range environ {
			if strings.HasPrefix(kv, prefix) {
				info.AgentID = strings.TrimPrefix(kv, prefix)
				break
			}
		}
	}
	return info, true
}

// stdinTerminal resolves fd 0 when the tty device number has no known name.
func (t procfsTable) stdinTerminal(pid int) string {
	target, err := os.Readlink(filepath.Join(t.mount, strconv.Itoa(pid), "fd", "0"))
	if err != nil || !strings.HasPrefix(target, DeviceDir+"/") {
		return ""
	}
	return target
}

// ttyName maps a tty_nr from /proc/<pid>/stat to a device path, following
// the numbering used by procps.
func ttyName(ttyNr int) string {
	if ttyNr <= 0 {
		return ""
	}
	dev := uint64(ttyNr)
	major := unix.Major(dev)
	minor := unix.Minor(dev)
	switch {
	case major >= 136 && major <= 143:
		return fmt.Sprintf("/dev/pts/%d", minor+(major-136)*256)
	case major == 4 && minor < 64:
		return fmt.Sprintf("/dev/tty%d", minor)
	case major == 4:
		return fmt.Sprintf("/dev/ttyS%d", minor-64)
	default:
		return ""
	}
}
