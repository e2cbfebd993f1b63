// ABOUTME: tmux command client used for pane discovery and paste-based delivery.
// ABOUTME: Commands run through an injectable CommandRunner; errors carry tmux's own output.

package tmux

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// AgentIDOption is the pane user option holding a caller-chosen agent id.
const AgentIDOption = "@coven_agent_id"

var (
	// ErrPaneNotFound indicates the target pane does not exist.
	ErrPaneNotFound = errors.New("tmux pane not found")
	// ErrNoServer indicates no tmux server is running.
	ErrNoServer = errors.New("tmux server not running")
)

// paneFormat lists the fields parsed by parsePane, tab separated.
const paneFormat = "#{pane_id}\t#{pane_pid}\t#{session_name}\t#{window_index}\t#{pane_index}\t#{pane_current_path}\t#{pane_current_command}\t#{" + AgentIDOption + "}"

// CommandRunner executes tmux commands with optional stdin data.
type CommandRunner interface {
	Run(ctx context.Context, args []string, input []byte) ([]byte, error)
}

// Pane describes one tmux pane.
type Pane struct {
	ID             string // "%12"
	PID            int    // pid of the pane's root process
	SessionName    string
	WindowIndex    int
	PaneIndex      int
	CurrentPath    string
	CurrentCommand string
	AgentID        string // value of @coven_agent_id, may be empty
}

// Client executes tmux commands.
type Client struct {
	runner CommandRunner
}

// NewClient returns a tmux client using the default command runner.
func NewClient() *Client {
	return &Client{runner: execRunner{}}
}

// NewClientWithRunner returns a tmux client using a custom command runner.
func NewClientWithRunner(runner CommandRunner) *Client {
	return &Client{runner: runner}
}

// ListPanes returns every pane on the server.
func (c *Client) ListPanes(ctx context.Context) ([]Pane, error) {
	output, err := c.runWithOutput(ctx, []string{"list-panes", "-a", "-F", paneFormat}, nil)
	if err != nil {
		return nil, err
	}

	var panes []Pane
	for _, line := range strings.Split(strings.TrimSpace(string(output)), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		pane, err := parsePane(line)
		if err != nil {
			return nil, err
		}
		panes = append(panes, pane)
	}
	return panes, nil
}

// DescribePane returns details for a single pane.
func (c *Client) DescribePane(ctx context.Context, target string) (Pane, error) {
	output, err := c.runWithOutput(ctx, []string{"display-message", "-p", "-t", target, paneFormat}, nil)
	if err != nil {
		return Pane{}, err
	}
	return parsePane(strings.TrimRight(string(output), "\r\n"))
}

// SetAgentID tags a pane with a caller-chosen agent id.
func (c *Client) SetAgentID(ctx context.Context, target, agentID string) error {
	return c.run(ctx, []string{"set-option", "-p", "-t", target, AgentIDOption, agentID}, nil)
}

// LoadBuffer loads data into a named tmux paste buffer.
func (c *Client) LoadBuffer(ctx context.Context, name string, data []byte) error {
	return c.run(ctx, []string{"load-buffer", "-b", name, "-"}, data)
}

// PasteBuffer pastes a named buffer into a target pane and deletes the buffer.
func (c *Client) PasteBuffer(ctx context.Context, name, target string) error {
	return c.run(ctx, []string{"paste-buffer", "-d", "-b", name, "-t", target}, nil)
}

// SendKeys sends keystrokes to a target pane.
func (c *Client) SendKeys(ctx context.Context, target string, keys ...string) error {
	args := append([]string{"send-keys", "-t", target}, keys...)
	return c.run(ctx, args, nil)
}

func parsePane(line string) (Pane, error) {
	fields := strings.Split(line, "\t")
	if len(fields) < 7 {
		return Pane{}, fmt.Errorf("unexpected tmux pane line %q", line)
	}
	pid, err := strconv.Atoi(fields[1])
	if err != nil {
		return Pane{}, fmt.Errorf("parsing pane pid %q: %w", fields[1], err)
	}
	windowIndex, _ := strconv.Atoi(fields[3])
	paneIndex, _ := strconv.Atoi(fields[4])
	pane := Pane{
		ID:             fields[0],
		PID:            pid,
		SessionName:    fields[2],
		WindowIndex:    windowIndex,
		PaneIndex:      paneIndex,
		CurrentPath:    fields[5],
		CurrentCommand: fields[6],
	}
	if len(fields) > 7 {
		pane.AgentID = fields[7]
	}
	return pane, nil
}

func (c *Client) run(ctx context.Context, args []string, input []byte) error {
	_, err := c.runWithOutput(ctx, args, input)
	return err
}

func (c *Client) runWithOutput(ctx context.Context, args []string, input []byte) ([]byte, error) {
	if c == nil || c.runner == nil {
		return nil, errors.New("tmux runner unavailable")
	}
	output, err := c.runner.Run(ctx, args, input)
	if err != nil {
		return nil, classify(args[0], output, err)
	}
	return output, nil
}

// classify folds tmux's stderr into the error and maps well-known
// conditions onto sentinel errors.
func classify(command string, output []byte, err error) error {
	detail := string(bytes.TrimSpace(output))
	switch {
	case strings.Contains(detail, "can't find pane"), strings.Contains(detail, "can't find window"):
		return fmt.Errorf("tmux %s: %w: %s", command, ErrPaneNotFound, detail)
	case strings.Contains(detail, "no server running"):
		return fmt.Errorf("tmux %s: %w: %s", command, ErrNoServer, detail)
	case detail != "":
		return fmt.Errorf("tmux %s failed: %s: %w", command, detail, err)
	default:
		return fmt.Errorf("tmux %s failed: %w", command, err)
	}
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, args []string, input []byte) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "tmux", args...)
	if len(input) > 0 {
		cmd.Stdin = bytes.NewReader(input)
	}
	return cmd.CombinedOutput()
}
