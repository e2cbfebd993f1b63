// ABOUTME: Message send and broadcast pipeline: validate, sign, rate-limit, resolve, log, nudge.
// ABOUTME: Per-recipient nudges retry transient backend errors with jittered backoff.

package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-coord/internal/backend"
	"github.com/2389/coven-coord/internal/message"
	"github.com/2389/coven-coord/internal/ratelimit"
	"github.com/2389/coven-coord/internal/registry"
)

const (
	// attemptTimeout bounds a single verify-and-paste attempt.
	attemptTimeout = 10 * time.Second
	// broadcastParallelism bounds concurrent nudges during a broadcast.
	broadcastParallelism = 8
)

// Status is the overall outcome of a send.
type Status string

const (
	StatusSent        Status = "sent"
	StatusRateLimited Status = "rate_limited"
)

// Result reports what happened to a message.
type Result struct {
	Message   *message.Message
	Status    Status
	Delivered map[string]bool  // recipient id -> nudge succeeded
	Errors    map[string]error // recipient id -> why the nudge failed
}

// DeliveredCount returns how many recipients were nudged successfully.
func (r *Result) DeliveredCount() int {
	n := 0
	for _, ok := range r.Delivered {
		if ok {
			n++
		}
	}
	return n
}

// Directory resolves agent ids and lists known agents. *registry.Store
// satisfies it.
type Directory interface {
	Resolve(agentID string) (backend.AgentIdentity, error)
	Load() (*registry.Snapshot, error)
}

// Appender records messages. *msglog.Log satisfies it.
type Appender interface {
	Append(m *message.Message) error
}

// Options configure a Service.
type Options struct {
	Backend          backend.Backend
	Directory        Directory
	Log              Appender
	Signer           *message.Signer
	Limiter          *ratelimit.Limiter
	Retry            RetryPolicy
	MaxContentLength int
	Logger           *slog.Logger
}

// Service sends messages between agents.
type Service struct {
	backend    backend.Backend
	directory  Directory
	log        Appender
	signer     *message.Signer
	limiter    *ratelimit.Limiter
	retry      RetryPolicy
	maxContent int
	logger     *slog.Logger

	// newTimer and random are overridden in tests.
	newTimer func() backoff.Timer
	random   func() float64
}

// NewService creates a Service.
func NewService(opts Options) (*Service, error) {
	if opts.Backend == nil || opts.Directory == nil || opts.Log == nil || opts.Signer == nil || opts.Limiter == nil {
		return nil, errors.New("delivery: backend, directory, log, signer and limiter are required")
	}
	if opts.Retry.MaxAttempts < 1 {
		opts.Retry = DefaultRetryPolicy()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		backend:    opts.Backend,
		directory:  opts.Directory,
		log:        opts.Log,
		signer:     opts.Signer,
		limiter:    opts.Limiter,
		retry:      opts.Retry,
		maxContent: opts.MaxContentLength,
		logger:     logger.With("component", "delivery"),
		newTimer:   func() backoff.Timer { return nil },
	}, nil
}

// Send delivers a message to one recipient. The recipient "all" is a
// broadcast that skips the sender.
func (s *Service) Send(ctx context.Context, sender, recipient string, t message.Type, content string) (*Result, error) {
	if recipient == message.Broadcast {
		return s.Broadcast(ctx, sender, t, content, true)
	}
	m, err := message.New(sender, []string{recipient}, t, content, s.maxContent)
	if err != nil {
		return nil, err
	}
	return s.dispatch(ctx, m, []string{recipient})
}

// Compose builds and signs a message to one recipient without sending it,
// so callers can record its id before it becomes visible.
func (s *Service) Compose(sender, recipient string, t message.Type, content string) (*message.Message, error) {
	if recipient == message.Broadcast {
		return nil, &message.ValidationError{Field: "recipient", Reason: "composed messages need a single recipient"}
	}
	m, err := message.New(sender, []string{recipient}, t, content, s.maxContent)
	if err != nil {
		return nil, err
	}
	if err := s.signer.Sign(m); err != nil {
		return nil, err
	}
	return m, nil
}

// SendComposed delivers a message built by Compose. It is rate limited
// like Send.
func (s *Service) SendComposed(ctx context.Context, m *message.Message) (*Result, error) {
	if m.IsBroadcast() || !s.signer.Verify(m) {
		return nil, fmt.Errorf("sending %s: not a signed single-recipient message", m.ID)
	}
	return s.dispatch(ctx, m, m.Recipients)
}

// Broadcast delivers a message to every registered agent. The message is
// logged once, addressed to "all".
func (s *Service) Broadcast(ctx context.Context, sender string, t message.Type, content string, excludeSelf bool) (*Result, error) {
	m, err := message.New(sender, []string{message.Broadcast}, t, content, s.maxContent)
	if err != nil {
		return nil, err
	}
	snap, err := s.directory.Load()
	if err != nil {
		return nil, fmt.Errorf("loading registry: %w", err)
	}
	var targets []string
	for _, agent := range snap.Agents {
		if excludeSelf && agent.AgentID == sender {
			continue
		}
		targets = append(targets, agent.AgentID)
	}
	return s.dispatch(ctx, m, targets)
}

// Resend logs and nudges an already signed message again under its
// original id. It is used for acknowledgment retries and is not subject
// to rate limiting.
func (s *Service) Resend(ctx context.Context, m *message.Message) (*Result, error) {
	if !s.signer.Verify(m) {
		return nil, fmt.Errorf("resending %s: signature does not verify", m.ID)
	}
	targets := m.Recipients
	if m.IsBroadcast() {
		snap, err := s.directory.Load()
		if err != nil {
			return nil, fmt.Errorf("loading registry: %w", err)
		}
		targets = nil
		for _, agent := range snap.Agents {
			if agent.AgentID != m.Sender {
				targets = append(targets, agent.AgentID)
			}
		}
	}
	return s.deliverAll(ctx, m, targets)
}

// dispatch signs, admits, logs and nudges a freshly built message.
func (s *Service) dispatch(ctx context.Context, m *message.Message, targets []string) (*Result, error) {
	if err := s.signer.Sign(m); err != nil {
		return nil, err
	}
	if !s.limiter.Allow(m.Sender) {
		s.logger.Warn("message rate limited", "agent_id", m.Sender, "msg_id", m.ID)
		return &Result{
			Message:   m,
			Status:    StatusRateLimited,
			Delivered: map[string]bool{},
			Errors:    map[string]error{},
		}, nil
	}
	return s.deliverAll(ctx, m, targets)
}

// deliverAll resolves targets, appends m to the log once and nudges each
// resolved target.
func (s *Service) deliverAll(ctx context.Context, m *message.Message, targets []string) (*Result, error) {
	result := &Result{
		Message:   m,
		Status:    StatusSent,
		Delivered: make(map[string]bool, len(targets)),
		Errors:    make(map[string]error),
	}

	resolved := make(map[string]backend.AgentIdentity, len(targets))
	for _, id := range targets {
		agent, err := s.directory.Resolve(id)
		if err != nil {
			result.Delivered[id] = false
			result.Errors[id] = err
			s.logger.Warn("recipient not in registry", "recipient", id, "msg_id", m.ID, "error", err)
			continue
		}
		resolved[id] = agent
	}

	if err := s.log.Append(m); err != nil {
		return nil, fmt.Errorf("logging message %s: %w", m.ID, err)
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(broadcastParallelism)
	text := m.Render()
	for id, agent := range resolved {
		g.Go(func() error {
			attempts, err := s.deliver(gctx, agent, text)
			mu.Lock()
			defer mu.Unlock()
			result.Delivered[id] = err == nil
			if err != nil {
				result.Errors[id] = err
				s.logger.Warn("delivery failed",
					"recipient", id,
					"identifier", agent.Identifier,
					"msg_id", m.ID,
					"attempt", attempts,
					"error", err,
				)
			}
			return nil
		})
	}
	_ = g.Wait()

	s.logger.Info("message sent",
		"msg_id", m.ID,
		"agent_id", m.Sender,
		"msg_type", m.Type,
		"recipients", len(targets),
		"delivered", result.DeliveredCount(),
	)
	return result, nil
}

// deliver nudges one agent, retrying transient failures. It returns the
// number of attempts made.
func (s *Service) deliver(ctx context.Context, agent backend.AgentIdentity, text string) (int, error) {
	attempts := 0
	operation := func() error {
		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
		defer cancel()

		if !s.backend.VerifyAgent(attemptCtx, agent.Identifier) {
			return backoff.Permanent(fmt.Errorf("%w: %s (%s)", backend.ErrTargetNotFound, agent.AgentID, agent.Identifier))
		}
		err := s.backend.SendMessage(attemptCtx, agent.Identifier, text)
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		s.logger.Debug("retrying delivery",
			"identifier", agent.Identifier,
			"attempt", attempts,
			"wait", wait,
			"error", err,
		)
	}

	err := backoff.RetryNotifyWithTimer(operation, newBackOff(ctx, s.retry, s.random), notify, s.newTimer())
	return attempts, err
}
