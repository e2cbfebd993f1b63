// ABOUTME: Process table abstraction used for discovery and pid liveness checks.
// ABOUTME: The portable implementation is backed by mitchellh/go-ps.

package backend

import (
	"fmt"

	ps "github.com/mitchellh/go-ps"
)

// AgentIDEnv is the environment variable an agent CLI may carry to choose
// its own agent id.
const AgentIDEnv = "COVEN_AGENT_ID"

// ProcessInfo is what discovery knows about one process. Fields other than
// PID, PPID and Executable may be empty when the platform cannot report them.
type ProcessInfo struct {
	PID        int
	PPID       int
	Executable string
	CmdLine    []string
	Cwd        string
	TTY        string
	AgentID    string
}

// ProcessTable enumerates and looks up processes.
type ProcessTable interface {
	List() ([]ProcessInfo, error)
	Lookup(pid int) (ProcessInfo, bool)
}

// psTable is the portable fallback built on go-ps.
type psTable struct{}

func (psTable) List() ([]ProcessInfo, error) {
	procs, err := ps.Processes()
	if err != nil {
		return nil, fmt.Errorf("listing processes: %w", err)
	}
	infos := make([]ProcessInfo, 0, len(procs))
	for _, p := range procs {
		infos = append(infos, fromPS(p))
	}
	return infos, nil
}

func (psTable) Lookup(pid int) (ProcessInfo, bool) {
	if pid <= 0 {
		return ProcessInfo{}, false
	}
	p, err := ps.FindProcess(pid)
	if err != nil || p == nil {
		return ProcessInfo{}, false
	}
	return fromPS(p), true
}

func fromPS(p ps.Process) ProcessInfo {
	return ProcessInfo{
		PID:        p.Pid(),
		PPID:       p.PPid(),
		Executable: p.Executable(),
	}
}

// children returns the processes whose parent is pid.
func children(table ProcessTable, pid int) []ProcessInfo {
	all, err := table.List()
	if err != nil {
		return nil
	}
	var out []ProcessInfo
	for _, info := range all {
		if info.PPID == pid {
			out = append(out, info)
		}
	}
	return out
}
