// ABOUTME: Tests for runtime assembly, agent id resolution and the background loops.
// ABOUTME: A fake backend stands in for tmux so messages flow end to end through real state files.

package coord

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/2389/coven-coord/internal/backend"
	"github.com/2389/coven-coord/internal/config"
	"github.com/2389/coven-coord/internal/delivery"
	"github.com/2389/coven-coord/internal/message"
	"github.com/2389/coven-coord/internal/msglog"
)

type fakeBackend struct {
	mu      sync.Mutex
	agents  []backend.AgentIdentity
	current string
	texts   map[string][]string
}

func newFakeBackend(agents ...backend.AgentIdentity) *fakeBackend {
	return &fakeBackend{agents: agents, texts: map[string][]string{}}
}

func (f *fakeBackend) Name() backend.Kind { return backend.KindTmux }

func (f *fakeBackend) DiscoverAgents(context.Context, string) ([]backend.AgentIdentity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now().UTC()
	out := make([]backend.AgentIdentity, len(f.agents))
	for i, a := range f.agents {
		a.LastSeen = now
		a.Status = backend.StatusActive
		out[i] = a
	}
	return out, nil
}

func (f *fakeBackend) VerifyAgent(context.Context, string) bool { return true }

func (f *fakeBackend) SendMessage(_ context.Context, identifier, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts[identifier] = append(f.texts[identifier], text)
	return nil
}

func (f *fakeBackend) CurrentAgentIdentifier(context.Context) (string, bool) {
	return f.current, f.current != ""
}

func (f *fakeBackend) received(identifier string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts[identifier]...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func noEnv(string) string { return "" }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Project.Root = t.TempDir()
	return cfg
}

func twoAgents() *fakeBackend {
	return newFakeBackend(
		backend.AgentIdentity{AgentID: "planner", Identifier: "%1", PID: 100},
		backend.AgentIdentity{AgentID: "reviewer", Identifier: "%2", PID: 200},
	)
}

func newTestRuntime(t *testing.T, cfg *config.Config, b backend.Backend, agentID string) *Runtime {
	t.Helper()
	rt, err := New(Options{Config: cfg, Backend: b, AgentID: agentID, Logger: discardLogger(), Getenv: noEnv})
	require.NoError(t, err)
	return rt
}

func TestNew_CreatesStateAndKey(t *testing.T) {
	cfg := testConfig(t)
	rt := newTestRuntime(t, cfg, twoAgents(), "")

	info, err := os.Stat(filepath.Join(cfg.Project.Root, ".coven", LocksDir))
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	key, err := os.ReadFile(filepath.Join(cfg.Project.Root, ".coven", SigningKeyFile))
	require.NoError(t, err)
	assert.NotEmpty(t, strings.TrimSpace(string(key)))

	// A second runtime on the same root shares the key.
	other := newTestRuntime(t, cfg, twoAgents(), "")
	m, err := message.New("planner", []string{"reviewer"}, message.TypeInfo, "hi", 0)
	require.NoError(t, err)
	require.NoError(t, rt.Signer.Sign(m))
	assert.True(t, other.Signer.Verify(m))
}

func TestNew_ConfiguredSigningKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.Messaging.SigningKey = "shared-secret"
	newTestRuntime(t, cfg, twoAgents(), "")

	_, err := os.Stat(filepath.Join(cfg.Project.Root, ".coven", SigningKeyFile))
	assert.True(t, os.IsNotExist(err), "a configured key must not create a key file")
}

func TestNew_DefaultsRootToWorkingDirectory(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	cfg := config.Default()
	rt := newTestRuntime(t, cfg, twoAgents(), "")
	assert.Equal(t, dir, rt.Config.Project.Root)
	assert.Empty(t, cfg.Project.Root, "the caller's config is not modified")
}

func TestNew_SelectsConfiguredBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.Discovery.Backend = config.BackendProcess

	rt, err := New(Options{Config: cfg, Logger: discardLogger(), Getenv: noEnv})
	require.NoError(t, err)
	assert.Equal(t, backend.KindProcess, rt.Backend.Name())
}

func TestNew_RequiresConfig(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestAgentID_Resolution(t *testing.T) {
	t.Run("explicit", func(t *testing.T) {
		rt := newTestRuntime(t, testConfig(t), twoAgents(), "planner")
		id, err := rt.AgentID(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "planner", id)
	})

	t.Run("environment", func(t *testing.T) {
		rt, err := New(Options{
			Config:  testConfig(t),
			Backend: twoAgents(),
			Logger:  discardLogger(),
			Getenv: func(key string) string {
				if key == AgentIDEnv {
					return "reviewer"
				}
				return ""
			},
		})
		require.NoError(t, err)
		id, err := rt.AgentID(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "reviewer", id)
	})

	t.Run("invalid environment value", func(t *testing.T) {
		rt, err := New(Options{
			Config:  testConfig(t),
			Backend: twoAgents(),
			Logger:  discardLogger(),
			Getenv: func(key string) string {
				if key == AgentIDEnv {
					return "../etc"
				}
				return ""
			},
		})
		require.NoError(t, err)
		_, err = rt.AgentID(context.Background())
		assert.ErrorIs(t, err, message.ErrValidation)
	})

	t.Run("backend identifier", func(t *testing.T) {
		b := twoAgents()
		b.current = "%2"
		rt := newTestRuntime(t, testConfig(t), b, "")
		id, err := rt.AgentID(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "reviewer", id)
	})

	t.Run("unknown", func(t *testing.T) {
		b := twoAgents()
		b.current = "%9"
		rt := newTestRuntime(t, testConfig(t), b, "")
		_, err := rt.AgentID(context.Background())
		assert.True(t, errors.Is(err, ErrUnknownAgent))
	})
}

func TestRuntime_SendEndToEnd(t *testing.T) {
	b := twoAgents()
	rt := newTestRuntime(t, testConfig(t), b, "planner")
	ctx := context.Background()

	_, err := rt.Discover(ctx)
	require.NoError(t, err)

	res, err := rt.Delivery.Send(ctx, "planner", "reviewer", message.TypeInfo, "auth module ready")
	require.NoError(t, err)
	assert.Equal(t, delivery.StatusSent, res.Status)
	assert.True(t, res.Delivered["reviewer"])

	texts := b.received("%2")
	require.Len(t, texts, 1)
	assert.Contains(t, texts[0], "[INFO from planner] auth module ready")

	read, err := rt.Log.Read(msglog.Filter{Recipient: "reviewer"})
	require.NoError(t, err)
	require.Len(t, read.Messages, 1)
	assert.True(t, rt.Signer.Verify(read.Messages[0]))
}

func TestRuntime_RunHandlesAcksAndReleasesLocks(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := testConfig(t)
	cfg.Discovery.RefreshInterval = 20 * time.Millisecond
	cfg.Messaging.RateLimit.Window = 20 * time.Millisecond
	cfg.Acks.SweepInterval = 20 * time.Millisecond
	cfg.Locks.RefreshInterval = 20 * time.Millisecond

	b := twoAgents()
	rt := newTestRuntime(t, cfg, b, "planner")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := rt.Discover(ctx)
	require.NoError(t, err)

	target := filepath.Join(cfg.Project.Root, "main.go")
	_, conflict, err := rt.Locks.Acquire(target, "planner", "editing", 0)
	require.NoError(t, err)
	require.Nil(t, conflict)

	msgID, err := rt.Acks.SendWithAck(ctx, "planner", "reviewer", "please review", time.Hour)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	ackMsg, err := message.New("reviewer", []string{"planner"}, message.TypeAck, "ACK "+msgID, 0)
	require.NoError(t, err)
	require.NoError(t, rt.Signer.Sign(ackMsg))

	// The watcher only sees lines appended after it starts; re-appending
	// the same message is harmless because readers suppress repeated ids.
	require.Eventually(t, func() bool {
		if err := rt.Log.Append(ackMsg); err != nil {
			return false
		}
		pending, err := rt.Acks.Pending()
		return err == nil && len(pending) == 0
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runtime did not stop")
	}

	holder, err := rt.Locks.WhoHas(target)
	require.NoError(t, err)
	assert.Nil(t, holder, "locks are released on shutdown")
}

func TestRuntime_RunWithoutAgent(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := testConfig(t)
	cfg.Discovery.RefreshInterval = 10 * time.Millisecond

	rt := newTestRuntime(t, cfg, twoAgents(), "")
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	require.Eventually(t, func() bool {
		snap, err := rt.Registry.Load()
		return err == nil && len(snap.Agents) == 2
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runtime did not stop")
	}
}
