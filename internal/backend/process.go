// ABOUTME: Process-table backend: discovers agent CLI processes without a multiplexer.
// ABOUTME: Discovery and verification only; it cannot push text into a terminal.

package backend

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"time"
)

// maxAncestorDepth bounds the parent walk in CurrentAgentIdentifier.
const maxAncestorDepth = 32

// ProcessBackend implements Backend by scanning the process table.
type ProcessBackend struct {
	table           ProcessTable
	cliName         string
	excludePatterns []string
	sessionName     string
	deviceDir       string
	self            int
	logger          *slog.Logger
	now             func() time.Time
}

// NewProcessBackend creates a process backend. Use New for defaulted options.
func NewProcessBackend(opts Options) *ProcessBackend {
	return &ProcessBackend{
		table:           opts.Table,
		cliName:         opts.CLIName,
		excludePatterns: opts.ExcludePatterns,
		sessionName:     opts.SessionName,
		deviceDir:       DeviceDir,
		self:            os.Getpid(),
		logger:          opts.Logger.With("component", "backend", "backend", string(KindProcess)),
		now:             time.Now,
	}
}

// Name implements Backend.
func (b *ProcessBackend) Name() Kind { return KindProcess }

// DiscoverAgents lists processes running the agent CLI inside projectRoot.
// Agents with a terminal are identified by it; others by pid.
func (b *ProcessBackend) DiscoverAgents(_ context.Context, projectRoot string) ([]AgentIdentity, error) {
	procs, err := b.table.List()
	if err != nil {
		return nil, fmt.Errorf("discovering agents: %w", err)
	}
	sort.Slice(procs, func(i, j int) bool { return procs[i].PID < procs[j].PID })

	now := b.now().UTC()
	seen := make(map[string]bool)
	var agents []AgentIdentity
	for _, info := range procs {
		if info.PID == b.self || !runsCLI(info, b.cliName) || excluded(info, b.excludePatterns) {
			continue
		}
		switch {
		case info.Cwd == "" && projectRoot != "":
			b.logger.Debug("process cwd unknown, skipping root filter", "pid", info.PID)
		case !withinRoot(info.Cwd, projectRoot):
			continue
		}

		identifier := info.TTY
		if identifier == "" {
			identifier = PIDIdentifier(info.PID)
		}
		if _, err := ValidateIdentifier(identifier); err != nil {
			b.logger.Debug("skipping process with unusable identifier", "pid", info.PID, "identifier", identifier)
			continue
		}
		if seen[identifier] {
			continue
		}
		seen[identifier] = true

		agentID := info.AgentID
		if agentID == "" {
			agentID = "agent-" + strconv.Itoa(info.PID)
		}
		agents = append(agents, AgentIdentity{
			AgentID:     agentID,
			Identifier:  identifier,
			PID:         info.PID,
			SessionName: b.sessionName,
			Status:      StatusActive,
			Cwd:         info.Cwd,
			LastSeen:    now,
		})
	}

	b.logger.Debug("process discovery finished", "processes", len(procs), "agents", len(agents))
	return agents, nil
}

// VerifyAgent checks a pid identifier against the process table and a
// terminal identifier against the device directory.
func (b *ProcessBackend) VerifyAgent(_ context.Context, identifier string) bool {
	kind, err := ValidateIdentifier(identifier)
	if err != nil {
		return false
	}
	switch kind {
	case IdentifierPID:
		return pidRunsCLI(b.table, pidFromIdentifier(identifier), b.cliName)
	case IdentifierTTY:
		return ttyAlive(identifier, b.deviceDir)
	default:
		return false
	}
}

// SendMessage always fails: agents found by process scan have no input
// channel the coordinator can write to. Messages still reach them through
// the message log.
func (b *ProcessBackend) SendMessage(_ context.Context, identifier, _ string) error {
	if _, err := ValidateIdentifier(identifier); err != nil {
		return fmt.Errorf("%w: %w", ErrTargetNotFound, err)
	}
	return fmt.Errorf("%w: %s", ErrDeliveryUnsupported, KindProcess)
}

// CurrentAgentIdentifier walks up from the parent process to the nearest
// ancestor running the agent CLI.
func (b *ProcessBackend) CurrentAgentIdentifier(context.Context) (string, bool) {
	pid := os.Getppid()
	for depth := 0; depth < maxAncestorDepth && pid > 1; depth++ {
		info, ok := b.table.Lookup(pid)
		if !ok {
			return "", false
		}
		if runsCLI(info, b.cliName) {
			if info.TTY != "" {
				if _, err := ValidateIdentifier(info.TTY); err == nil {
					return info.TTY, true
				}
			}
			return PIDIdentifier(info.PID), true
		}
		pid = info.PPID
	}
	return "", false
}
