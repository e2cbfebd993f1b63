//go:build !linux

// ABOUTME: Process table selection for platforms without procfs.
// ABOUTME: Falls back to go-ps, which reports pid, ppid and executable only.

package backend

// NewProcessTable returns the best process table for this platform.
func NewProcessTable() ProcessTable {
	return psTable{}
}
