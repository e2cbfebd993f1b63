// ABOUTME: Runtime wires config into backend, registry, locks, messaging and acks.
// ABOUTME: Run hosts the background refresh, sweep and cleanup loops under an errgroup.

package coord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-coord/internal/ack"
	"github.com/2389/coven-coord/internal/backend"
	"github.com/2389/coven-coord/internal/config"
	"github.com/2389/coven-coord/internal/delivery"
	"github.com/2389/coven-coord/internal/lock"
	"github.com/2389/coven-coord/internal/message"
	"github.com/2389/coven-coord/internal/msglog"
	"github.com/2389/coven-coord/internal/ratelimit"
	"github.com/2389/coven-coord/internal/registry"
	"github.com/2389/coven-coord/internal/tmux"
)

// AgentIDEnv names the environment variable carrying the caller's agent id.
const AgentIDEnv = backend.AgentIDEnv

// State file names under the state directory.
const (
	RegistryFile    = "registry.json"
	LocksDir        = "locks"
	MessageLogFile  = "messages.jsonl"
	PendingAcksFile = "pending_acks.json"
	SigningKeyFile  = "signing.key"
)

// ErrUnknownAgent indicates the caller's agent id could not be determined.
var ErrUnknownAgent = errors.New("cannot determine agent id")

// Options configure New. Only Config is required.
type Options struct {
	Config *config.Config
	// BackendKind overrides discovery.backend.
	BackendKind string
	// Backend replaces the backend entirely.
	Backend backend.Backend
	// AgentID is the agent this runtime acts for; empty means resolve it
	// from the environment or the backend.
	AgentID string
	Logger  *slog.Logger
	Tmux    *tmux.Client
	Table   backend.ProcessTable
	Getenv  func(string) string
}

// Runtime holds the components shared by every coordination operation.
type Runtime struct {
	Config   *config.Config
	Backend  backend.Backend
	Registry *registry.Store
	Locks    *lock.Manager
	Log      *msglog.Log
	Signer   *message.Signer
	Limiter  *ratelimit.Limiter
	Delivery *delivery.Service
	Acks     *ack.Tracker

	agentID string
	getenv  func(string) string
	logger  *slog.Logger
}

// New builds a Runtime. A config without a project root is rooted at the
// working directory.
func New(opts Options) (*Runtime, error) {
	if opts.Config == nil {
		return nil, errors.New("coord: config is required")
	}
	cfg := *opts.Config
	if cfg.Project.Root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolving working directory: %w", err)
		}
		cfg.Project.Root = wd
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	getenv := opts.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}

	if err := os.MkdirAll(cfg.StatePath(LocksDir), 0o755); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	b := opts.Backend
	if b == nil {
		kind := backend.Select(backend.SelectOptions{
			Override:   opts.BackendKind,
			Configured: cfg.Discovery.Backend,
			Getenv:     getenv,
		})
		var err error
		b, err = backend.New(kind, backend.Options{
			CLIName:         cfg.Discovery.CLIName,
			ExcludePatterns: cfg.Discovery.ExcludePatterns,
			SessionName:     cfg.Project.SessionName,
			Logger:          logger,
			Tmux:            opts.Tmux,
			Table:           opts.Table,
			Getenv:          getenv,
		})
		if err != nil {
			return nil, fmt.Errorf("creating backend: %w", err)
		}
	}

	reg := registry.NewStore(cfg.StatePath(RegistryFile), registry.Options{
		SessionName: cfg.Project.SessionName,
		StaleAfter:  cfg.Discovery.StaleAfter,
		Logger:      logger,
	})

	locks, err := lock.NewManager(cfg.Project.Root, cfg.StatePath(LocksDir), lock.Options{
		StaleTimeout: cfg.Locks.StaleTimeout,
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating lock manager: %w", err)
	}

	signer, err := newSigner(&cfg)
	if err != nil {
		return nil, err
	}

	msgs := msglog.New(cfg.StatePath(MessageLogFile), logger)
	limiter := ratelimit.New(cfg.Messaging.RateLimit.MaxMessages, cfg.Messaging.RateLimit.Window)

	svc, err := delivery.NewService(delivery.Options{
		Backend:   b,
		Directory: reg,
		Log:       msgs,
		Signer:    signer,
		Limiter:   limiter,
		Retry: delivery.RetryPolicy{
			MaxAttempts:  cfg.Messaging.Retry.MaxAttempts,
			InitialDelay: cfg.Messaging.Retry.InitialDelay,
			MaxDelay:     cfg.Messaging.Retry.MaxDelay,
			Jitter:       cfg.Messaging.Retry.Jitter,
		},
		MaxContentLength: cfg.Messaging.MaxContentLength,
		Logger:           logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating delivery service: %w", err)
	}

	tracker := ack.NewTracker(ack.Options{
		Store:          ack.NewStore(cfg.StatePath(PendingAcksFile), cfg.Acks.MaxCASAttempts, logger),
		Sender:         svc,
		MaxRetries:     cfg.Acks.MaxRetries,
		DefaultTimeout: cfg.Acks.Timeout,
		AgentID:        opts.AgentID,
		Logger:         logger,
	})

	return &Runtime{
		Config:   &cfg,
		Backend:  b,
		Registry: reg,
		Locks:    locks,
		Log:      msgs,
		Signer:   signer,
		Limiter:  limiter,
		Delivery: svc,
		Acks:     tracker,
		agentID:  opts.AgentID,
		getenv:   getenv,
		logger:   logger.With("component", "coord"),
	}, nil
}

func newSigner(cfg *config.Config) (*message.Signer, error) {
	var key []byte
	if cfg.Messaging.SigningKey != "" {
		key = message.DecodeKey(cfg.Messaging.SigningKey)
	} else {
		var err error
		key, err = message.LoadOrCreateKey(cfg.StatePath(SigningKeyFile))
		if err != nil {
			return nil, fmt.Errorf("loading signing key: %w", err)
		}
	}
	signer, err := message.NewSigner(key)
	if err != nil {
		return nil, fmt.Errorf("creating signer: %w", err)
	}
	return signer, nil
}

// Discover refreshes the registry from the backend.
func (r *Runtime) Discover(ctx context.Context) (*registry.Snapshot, error) {
	return r.Registry.Refresh(ctx, r.Backend, r.Config.Project.Root)
}

// AgentID resolves the agent this process acts for: the explicit option,
// then COVEN_AGENT_ID, then the registry entry whose identifier matches
// the backend's view of the current process.
func (r *Runtime) AgentID(ctx context.Context) (string, error) {
	if r.agentID != "" {
		return r.agentID, message.ValidateAgentID("agent_id", r.agentID)
	}
	if id := r.getenv(AgentIDEnv); id != "" {
		if err := message.ValidateAgentID(AgentIDEnv, id); err != nil {
			return "", err
		}
		r.agentID = id
		return id, nil
	}

	identifier, ok := r.Backend.CurrentAgentIdentifier(ctx)
	if !ok {
		return "", fmt.Errorf("%w: set %s or run inside an agent session", ErrUnknownAgent, AgentIDEnv)
	}
	snap, err := r.Registry.Load()
	if err != nil {
		return "", err
	}
	if id, ok := agentForIdentifier(snap, identifier); ok {
		r.agentID = id
		return id, nil
	}
	snap, err = r.Discover(ctx)
	if err != nil {
		return "", err
	}
	if id, ok := agentForIdentifier(snap, identifier); ok {
		r.agentID = id
		return id, nil
	}
	return "", fmt.Errorf("%w: %s is not a registered agent", ErrUnknownAgent, identifier)
}

func agentForIdentifier(snap *registry.Snapshot, identifier string) (string, bool) {
	for _, a := range snap.Agents {
		if a.Identifier == identifier {
			return a.AgentID, true
		}
	}
	return "", false
}

// Run runs the background loops until ctx is done or one of them fails.
// Locks held by the runtime's agent are released before Run returns.
func (r *Runtime) Run(ctx context.Context) error {
	agentID := r.agentID
	if agentID == "" {
		if id, err := r.AgentID(ctx); err == nil {
			agentID = id
		} else {
			r.logger.Info("running without an agent identity", "reason", err)
		}
	}

	var watcher *msglog.Watcher
	if agentID != "" {
		var err error
		watcher, err = r.Log.Watch(msglog.Filter{Recipient: agentID, Types: []message.Type{message.TypeAck}})
		if err != nil {
			return fmt.Errorf("watching message log: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return r.every(gctx, r.Config.Discovery.RefreshInterval, true, func() error {
			if _, err := r.Discover(gctx); err != nil {
				r.logger.Warn("registry refresh failed", "error", err)
			}
			return nil
		})
	})

	g.Go(func() error {
		inactive := r.Config.Messaging.RateLimit.InactiveAfter
		return r.every(gctx, r.Config.Messaging.RateLimit.Window, false, func() error {
			if n := r.Limiter.CleanupInactiveAgents(inactive); n > 0 {
				r.logger.Debug("rate limiter cleaned up", "senders", n)
			}
			return nil
		})
	})

	acks := r.Acks
	if agentID != "" {
		acks = r.Acks.ForAgent(agentID)
	}
	g.Go(func() error {
		return ack.NewSweeper(acks, r.Config.Acks.SweepInterval).Run(gctx)
	})

	if agentID != "" {
		g.Go(func() error {
			return lock.NewRefresher(r.Locks, agentID, r.Config.Locks.RefreshInterval).Run(gctx)
		})

		g.Go(func() error {
			return watcher.Run(gctx, func(m *message.Message) {
				if !r.Signer.Verify(m) {
					r.logger.Warn("ignoring ACK with bad signature", "msg_id", m.ID, "sender", m.Sender)
					return
				}
				if _, err := r.Acks.HandleMessage(m); err != nil {
					r.logger.Warn("handling ACK failed", "msg_id", m.ID, "error", err)
				}
			})
		})
	}

	r.logger.Info("coordination runtime started",
		"agent_id", agentID,
		"backend", r.Backend.Name(),
		"root", r.Config.Project.Root,
	)
	err := g.Wait()

	if agentID != "" {
		if n, relErr := r.Locks.ReleaseAll(agentID); relErr != nil {
			r.logger.Warn("releasing locks on shutdown failed", "agent_id", agentID, "error", relErr)
		} else if n > 0 {
			r.logger.Info("released locks on shutdown", "agent_id", agentID, "count", n)
		}
	}
	r.logger.Info("coordination runtime stopped")
	return err
}

// every calls fn on an interval until ctx is done. A non-nil error from fn
// stops the loop.
func (r *Runtime) every(ctx context.Context, interval time.Duration, immediate bool, fn func() error) error {
	if interval <= 0 {
		return fmt.Errorf("coord: loop interval must be positive")
	}
	if immediate {
		if err := fn(); err != nil {
			return err
		}
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := fn(); err != nil {
				return err
			}
		}
	}
}
