// ABOUTME: Tests for the tmux backend using a scripted tmux runner.
// ABOUTME: Covers discovery filtering, verification, delivery and error mapping.

package backend

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-coord/internal/tmux"
)

// scriptedRunner answers tmux commands from a map keyed by subcommand.
type scriptedRunner struct {
	responses map[string]scriptedResponse
	calls     [][]string
	inputs    [][]byte
}

type scriptedResponse struct {
	output string
	err    error
}

func (r *scriptedRunner) Run(_ context.Context, args []string, input []byte) ([]byte, error) {
	r.calls = append(r.calls, append([]string(nil), args...))
	r.inputs = append(r.inputs, append([]byte(nil), input...))
	resp := r.responses[args[0]]
	return []byte(resp.output), resp.err
}

func (r *scriptedRunner) subcommands() []string {
	var out []string
	for _, c := range r.calls {
		out = append(out, c[0])
	}
	return out
}

func paneLine(id string, pid int, session string, window, pane int, cwd, command, agentID string) string {
	return fmt.Sprintf("%s\t%d\t%s\t%d\t%d\t%s\t%s\t%s", id, pid, session, window, pane, cwd, command, agentID)
}

func newTmuxBackendForTest(runner *scriptedRunner, table ProcessTable, env map[string]string) *TmuxBackend {
	return NewTmuxBackend(Options{
		CLIName:         "claude",
		ExcludePatterns: []string{"mcp serve"},
		Logger:          discardLogger(),
		Tmux:            tmux.NewClientWithRunner(runner),
		Table:           table,
		Getenv:          envFunc(env),
	})
}

func TestTmuxDiscoverAgents(t *testing.T) {
	root := t.TempDir()
	inside := filepath.Join(root, "pkg")
	require.NoError(t, os.MkdirAll(inside, 0o755))
	outside := t.TempDir()

	runner := &scriptedRunner{responses: map[string]scriptedResponse{
		"list-panes": {output: strings.Join([]string{
			paneLine("%1", 100, "work", 0, 0, root, "claude", "planner"),
			paneLine("%2", 200, "work", 0, 1, inside, "bash", ""),
			paneLine("%3", 300, "work", 1, 0, root, "bash", ""),
			paneLine("%4", 400, "work", 1, 1, outside, "claude", ""),
			paneLine("%5", 500, "my session", 2, 0, root, "node", ""),
		}, "\n")},
	}}
	table := &fakeTable{procs: []ProcessInfo{
		{PID: 100, Executable: "/usr/bin/claude"},
		{PID: 200, Executable: "/bin/bash"},
		{PID: 201, PPID: 200, Executable: "/usr/bin/node", CmdLine: []string{"node", "/opt/claude"}},
		{PID: 300, Executable: "/bin/bash"},
		{PID: 301, PPID: 300, Executable: "/usr/bin/vim"},
		{PID: 400, Executable: "/usr/bin/claude"},
		{PID: 500, Executable: "/usr/bin/node", CmdLine: []string{"node", "claude", "mcp", "serve"}},
	}}
	b := newTmuxBackendForTest(runner, table, nil)

	agents, err := b.DiscoverAgents(context.Background(), root)
	require.NoError(t, err)
	require.Len(t, agents, 2)

	assert.Equal(t, "planner", agents[0].AgentID)
	assert.Equal(t, "%1", agents[0].Identifier)
	assert.Equal(t, 100, agents[0].PID)
	require.NotNil(t, agents[0].PaneIndex)
	assert.Equal(t, 0, *agents[0].PaneIndex)
	assert.Equal(t, StatusActive, agents[0].Status)

	assert.Equal(t, "work-0-1", agents[1].AgentID)
	assert.Equal(t, "%2", agents[1].Identifier)
	assert.Equal(t, 201, agents[1].PID, "child process carries the CLI")
	require.NotNil(t, agents[1].PaneIndex)
	assert.Equal(t, 1, *agents[1].PaneIndex)
}

func TestTmuxDiscoverAgents_NoServer(t *testing.T) {
	runner := &scriptedRunner{responses: map[string]scriptedResponse{
		"list-panes": {output: "no server running on /tmp/tmux-0/default", err: errors.New("exit status 1")},
	}}
	b := newTmuxBackendForTest(runner, &fakeTable{}, nil)

	agents, err := b.DiscoverAgents(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, agents)
}

func TestTmuxVerifyAgent(t *testing.T) {
	runner := &scriptedRunner{responses: map[string]scriptedResponse{
		"display-message": {output: paneLine("%1", 100, "work", 0, 0, "/repo", "claude", "") + "\n"},
	}}
	table := &fakeTable{procs: []ProcessInfo{{PID: 100, Executable: "/usr/bin/claude"}}}
	b := newTmuxBackendForTest(runner, table, nil)

	assert.True(t, b.VerifyAgent(context.Background(), "%1"))
	assert.False(t, b.VerifyAgent(context.Background(), "pid:100"), "not a pane identifier")
	assert.False(t, b.VerifyAgent(context.Background(), "%1;ls"))

	// Pane still exists but the CLI has exited.
	table.procs = []ProcessInfo{{PID: 100, Executable: "/bin/bash"}}
	assert.False(t, b.VerifyAgent(context.Background(), "%1"))
}

func TestTmuxSendMessage(t *testing.T) {
	runner := &scriptedRunner{responses: map[string]scriptedResponse{
		"display-message": {output: paneLine("%7", 100, "work", 0, 0, "/repo", "claude", "")},
	}}
	b := newTmuxBackendForTest(runner, &fakeTable{}, nil)

	require.NoError(t, b.SendMessage(context.Background(), "%7", "[INFO from planner] hello"))
	assert.Equal(t, []string{"display-message", "load-buffer", "paste-buffer", "send-keys"}, runner.subcommands())

	loaded := runner.calls[1]
	buffer := loaded[2]
	assert.True(t, strings.HasPrefix(buffer, "coven-"))
	assert.Equal(t, "[INFO from planner] hello", string(runner.inputs[1]))
	assert.Equal(t, []string{"paste-buffer", "-d", "-b", buffer, "-t", "%7"}, runner.calls[2])
	assert.Equal(t, []string{"send-keys", "-t", "%7", "Enter"}, runner.calls[3])
}

func TestTmuxSendMessage_MissingPane(t *testing.T) {
	runner := &scriptedRunner{responses: map[string]scriptedResponse{
		"display-message": {output: "can't find pane: %9", err: errors.New("exit status 1")},
	}}
	b := newTmuxBackendForTest(runner, &fakeTable{}, nil)

	err := b.SendMessage(context.Background(), "%9", "hello")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTargetNotFound))
	assert.Equal(t, []string{"display-message"}, runner.subcommands(), "nothing pasted")
}

func TestTmuxSendMessage_TransientErrorPropagates(t *testing.T) {
	runner := &scriptedRunner{responses: map[string]scriptedResponse{
		"display-message": {output: paneLine("%7", 100, "work", 0, 0, "/repo", "claude", "")},
		"paste-buffer":    {output: "server not responding", err: errors.New("exit status 1")},
	}}
	b := newTmuxBackendForTest(runner, &fakeTable{}, nil)

	err := b.SendMessage(context.Background(), "%7", "hello")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrTargetNotFound))
	assert.Contains(t, err.Error(), "server not responding")
}

func TestTmuxSendMessage_RejectsHostileIdentifier(t *testing.T) {
	runner := &scriptedRunner{}
	b := newTmuxBackendForTest(runner, &fakeTable{}, nil)

	for _, identifier := range []string{"%1; rm -rf ~", "/dev/pts/3", "$(id)"} {
		err := b.SendMessage(context.Background(), identifier, "hello")
		require.Error(t, err, identifier)
		assert.True(t, errors.Is(err, ErrTargetNotFound), identifier)
	}
	assert.Empty(t, runner.calls, "no tmux command may run for a rejected identifier")
}

func TestTmuxCurrentAgentIdentifier(t *testing.T) {
	b := newTmuxBackendForTest(&scriptedRunner{}, &fakeTable{}, map[string]string{"TMUX_PANE": "%4"})
	id, ok := b.CurrentAgentIdentifier(context.Background())
	require.True(t, ok)
	assert.Equal(t, "%4", id)

	b = newTmuxBackendForTest(&scriptedRunner{}, &fakeTable{}, map[string]string{"TMUX_PANE": "bogus"})
	_, ok = b.CurrentAgentIdentifier(context.Background())
	assert.False(t, ok)
}
