// ABOUTME: Multiplexer backend: discovers agents in tmux panes and pastes text into them.
// ABOUTME: Pane ids are the stable identifiers; pane processes are confirmed against the CLI name.

package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-coord/internal/tmux"
)

var unsafeIDChars = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

// TmuxBackend implements Backend on top of a tmux server.
type TmuxBackend struct {
	client          *tmux.Client
	table           ProcessTable
	cliName         string
	excludePatterns []string
	getenv          func(string) string
	logger          *slog.Logger
	now             func() time.Time
}

// NewTmuxBackend creates a tmux backend. Use New for defaulted options.
func NewTmuxBackend(opts Options) *TmuxBackend {
	return &TmuxBackend{
		client:          opts.Tmux,
		table:           opts.Table,
		cliName:         opts.CLIName,
		excludePatterns: opts.ExcludePatterns,
		getenv:          opts.Getenv,
		logger:          opts.Logger.With("component", "backend", "backend", string(KindTmux)),
		now:             time.Now,
	}
}

// Name implements Backend.
func (b *TmuxBackend) Name() Kind { return KindTmux }

// DiscoverAgents lists panes whose process is the agent CLI.
func (b *TmuxBackend) DiscoverAgents(ctx context.Context, projectRoot string) ([]AgentIdentity, error) {
	panes, err := b.client.ListPanes(ctx)
	if err != nil {
		if errors.Is(err, tmux.ErrNoServer) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing panes: %w", err)
	}

	now := b.now().UTC()
	var agents []AgentIdentity
	for _, pane := range panes {
		pid, ok := b.agentProcess(pane)
		if !ok {
			continue
		}
		if !withinRoot(pane.CurrentPath, projectRoot) {
			continue
		}
		paneIndex := pane.PaneIndex
		agentID := pane.AgentID
		if agentID == "" {
			agentID = defaultPaneAgentID(pane)
		}
		agents = append(agents, AgentIdentity{
			AgentID:     agentID,
			Identifier:  pane.ID,
			PaneIndex:   &paneIndex,
			PID:         pid,
			SessionName: pane.SessionName,
			Status:      StatusActive,
			Cwd:         pane.CurrentPath,
			LastSeen:    now,
			Metadata: map[string]string{
				"window_index": fmt.Sprintf("%d", pane.WindowIndex),
				"command":      pane.CurrentCommand,
			},
		})
	}

	b.logger.Debug("tmux discovery finished", "panes", len(panes), "agents", len(agents))
	return agents, nil
}

// VerifyAgent checks that the pane exists and still runs the agent CLI.
func (b *TmuxBackend) VerifyAgent(ctx context.Context, identifier string) bool {
	kind, err := ValidateIdentifier(identifier)
	if err != nil || kind != IdentifierPane {
		return false
	}
	pane, err := b.client.DescribePane(ctx, identifier)
	if err != nil {
		return false
	}
	_, ok := b.agentProcess(pane)
	return ok
}

// SendMessage pastes text into the pane and submits it with Enter.
func (b *TmuxBackend) SendMessage(ctx context.Context, identifier, text string) error {
	kind, err := ValidateIdentifier(identifier)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTargetNotFound, err)
	}
	if kind != IdentifierPane {
		return fmt.Errorf("%w: %q is not a tmux pane", ErrTargetNotFound, identifier)
	}

	if _, err := b.client.DescribePane(ctx, identifier); err != nil {
		if errors.Is(err, tmux.ErrPaneNotFound) {
			return fmt.Errorf("%w: %w", ErrTargetNotFound, err)
		}
		return err
	}

	buffer := "coven-" + uuid.NewString()[:8]
	if err := b.client.LoadBuffer(ctx, buffer, []byte(text)); err != nil {
		return err
	}
	if err := b.client.PasteBuffer(ctx, buffer, identifier); err != nil {
		return err
	}
	return b.client.SendKeys(ctx, identifier, "Enter")
}

// CurrentAgentIdentifier returns $TMUX_PANE when it is a valid pane id.
func (b *TmuxBackend) CurrentAgentIdentifier(context.Context) (string, bool) {
	pane := b.getenv("TMUX_PANE")
	if kind, err := ValidateIdentifier(pane); err != nil || kind != IdentifierPane {
		return "", false
	}
	return pane, true
}

// agentProcess finds the agent CLI process inside a pane: the pane's root
// process itself, or one of its direct children (the usual case when the
// CLI was started from a shell).
func (b *TmuxBackend) agentProcess(pane tmux.Pane) (int, bool) {
	if info, ok := b.table.Lookup(pane.PID); ok {
		if excluded(info, b.excludePatterns) {
			return 0, false
		}
		if runsCLI(info, b.cliName) {
			return pane.PID, true
		}
	}
	for _, child := range children(b.table, pane.PID) {
		if runsCLI(child, b.cliName) && !excluded(child, b.excludePatterns) {
			return child.PID, true
		}
	}
	return 0, false
}

func defaultPaneAgentID(pane tmux.Pane) string {
	session := unsafeIDChars.ReplaceAllString(pane.SessionName, "_")
	if session == "" {
		session = "pane"
	}
	return fmt.Sprintf("%s-%d-%d", session, pane.WindowIndex, pane.PaneIndex)
}
