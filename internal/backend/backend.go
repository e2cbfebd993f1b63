// ABOUTME: Backend interface, agent identity model, and backend selection.
// ABOUTME: Selection is a pure function of override, config and environment.

package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/2389/coven-coord/internal/tmux"
)

// Kind tags a backend implementation.
type Kind string

const (
	KindTmux    Kind = "tmux"
	KindProcess Kind = "process"
)

// Status is an agent's liveness as last observed by discovery.
type Status string

const (
	StatusActive Status = "active"
	StatusStale  Status = "stale"
)

var (
	// ErrTargetNotFound indicates the identifier does not name a live agent.
	// Delivery treats it as permanent.
	ErrTargetNotFound = errors.New("target agent not found")
	// ErrDeliveryUnsupported indicates the backend cannot push text to agents.
	ErrDeliveryUnsupported = errors.New("backend does not support delivery")
	// ErrInvalidIdentifier indicates an identifier failed the allow-list.
	ErrInvalidIdentifier = errors.New("invalid agent identifier")
)

// AgentIdentity is one discovered agent.
type AgentIdentity struct {
	AgentID     string            `json:"id"`
	Identifier  string            `json:"identifier"`
	PaneIndex   *int              `json:"pane_index,omitempty"`
	PID         int               `json:"pid"`
	SessionName string            `json:"session_name"`
	Status      Status            `json:"status"`
	Cwd         string            `json:"cwd,omitempty"`
	LastSeen    time.Time         `json:"last_seen"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Backend discovers, verifies and nudges peer agents.
type Backend interface {
	// Name reports which implementation this is.
	Name() Kind
	// DiscoverAgents scans for agents. A non-empty projectRoot restricts
	// results to agents working inside it.
	DiscoverAgents(ctx context.Context, projectRoot string) ([]AgentIdentity, error)
	// VerifyAgent reports whether identifier names a live agent.
	VerifyAgent(ctx context.Context, identifier string) bool
	// SendMessage delivers text to the agent's interactive session.
	SendMessage(ctx context.Context, identifier, text string) error
	// CurrentAgentIdentifier returns the identifier of the agent this
	// process runs under, if any.
	CurrentAgentIdentifier(ctx context.Context) (string, bool)
}

// SelectOptions are the inputs to Select.
type SelectOptions struct {
	Override   string              // explicit choice, e.g. a CLI flag
	Configured string              // discovery.backend
	Getenv     func(string) string // nil means os.Getenv
}

// Select picks a backend kind: override, then configuration, then tmux
// when running inside tmux, otherwise the process backend.
func Select(opts SelectOptions) Kind {
	if opts.Override != "" {
		return Kind(opts.Override)
	}
	if opts.Configured != "" {
		return Kind(opts.Configured)
	}
	getenv := opts.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	if getenv("TMUX") != "" || getenv("TMUX_PANE") != "" {
		return KindTmux
	}
	return KindProcess
}

// Options configure a backend built by New.
type Options struct {
	CLIName         string
	ExcludePatterns []string
	SessionName     string
	Logger          *slog.Logger
	Tmux            *tmux.Client // nil means tmux.NewClient()
	Table           ProcessTable // nil means NewProcessTable()
	Getenv          func(string) string
}

// New builds the backend for kind.
func New(kind Kind, opts Options) (Backend, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Table == nil {
		opts.Table = NewProcessTable()
	}
	if opts.Getenv == nil {
		opts.Getenv = os.Getenv
	}
	if opts.CLIName == "" {
		return nil, fmt.Errorf("backend: cli name is required")
	}

	switch kind {
	case KindTmux:
		if opts.Tmux == nil {
			opts.Tmux = tmux.NewClient()
		}
		return NewTmuxBackend(opts), nil
	case KindProcess:
		return NewProcessBackend(opts), nil
	default:
		return nil, fmt.Errorf("backend: unknown kind %q", kind)
	}
}
