// ABOUTME: Acknowledgment tracker: send-with-ack, ACK handling and the retry sweep.
// ABOUTME: Every mutation of the pending set goes through the versioned store.

package ack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/2389/coven-coord/internal/delivery"
	"github.com/2389/coven-coord/internal/message"
)

// ackPrefix starts the content of every ACK message.
const ackPrefix = "ACK "

// ErrRateLimited indicates the initial send was refused by the rate limiter.
var ErrRateLimited = errors.New("message rate limited")

// Sender is the part of the delivery service the tracker uses.
type Sender interface {
	Compose(sender, recipient string, t message.Type, content string) (*message.Message, error)
	SendComposed(ctx context.Context, m *message.Message) (*delivery.Result, error)
	Send(ctx context.Context, sender, recipient string, t message.Type, content string) (*delivery.Result, error)
	Resend(ctx context.Context, m *message.Message) (*delivery.Result, error)
}

// Options configure a Tracker.
type Options struct {
	Store          *Store
	Sender         Sender
	MaxRetries     int
	DefaultTimeout time.Duration
	// AgentID limits the retry sweep to entries this agent sent. Empty
	// sweeps every entry.
	AgentID string
	Logger  *slog.Logger
}

// Tracker records pending acknowledgments and drives retries.
type Tracker struct {
	store          *Store
	sender         Sender
	maxRetries     int
	defaultTimeout time.Duration
	agentID        string
	logger         *slog.Logger
	now            func() time.Time
}

// NewTracker creates a Tracker.
func NewTracker(opts Options) *Tracker {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.DefaultTimeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Tracker{
		store:          opts.Store,
		sender:         opts.Sender,
		maxRetries:     opts.MaxRetries,
		defaultTimeout: timeout,
		agentID:        opts.AgentID,
		logger:         logger.With("component", "ack"),
		now:            time.Now,
	}
}

// ForAgent returns a Tracker sharing t's store whose retry sweep only
// touches entries sent by agentID.
func (t *Tracker) ForAgent(agentID string) *Tracker {
	scoped := *t
	scoped.agentID = agentID
	scoped.logger = t.logger.With("agent_id", agentID)
	return &scoped
}

// SendWithAck sends a question to one recipient and records it as pending
// until acknowledged. timeout is the wait before the first retry; zero
// uses the default. It returns the message id to acknowledge.
func (t *Tracker) SendWithAck(ctx context.Context, sender, recipient, content string, timeout time.Duration) (string, error) {
	if recipient == message.Broadcast {
		return "", &message.ValidationError{Field: "recipient", Reason: "acknowledged messages need a single recipient"}
	}
	if timeout < 0 {
		return "", &message.ValidationError{Field: "timeout", Reason: "must not be negative"}
	}
	if timeout == 0 {
		timeout = t.defaultTimeout
	}

	m, err := t.sender.Compose(sender, recipient, message.TypeQuestion, content)
	if err != nil {
		return "", err
	}

	// The entry exists before the message can be read, so an ACK that
	// arrives immediately always finds it.
	now := t.now().UTC()
	entry := PendingAck{
		MsgID:       m.ID,
		SenderID:    sender,
		RecipientID: recipient,
		Message:     m,
		SentAt:      now,
		NextRetryAt: now.Add(timeout),
		TimeoutMS:   timeout.Milliseconds(),
	}
	if _, err := t.store.Update(func(doc *Document) (bool, error) {
		if doc.Find(entry.MsgID) >= 0 {
			return false, nil
		}
		doc.PendingAcks = append(doc.PendingAcks, entry)
		return true, nil
	}); err != nil {
		return "", fmt.Errorf("recording pending ack %s: %w", entry.MsgID, err)
	}

	res, err := t.sender.SendComposed(ctx, m)
	if err == nil && res.Status == delivery.StatusRateLimited {
		err = fmt.Errorf("%w: %s", ErrRateLimited, sender)
	}
	if err != nil {
		if _, rerr := t.store.Update(func(doc *Document) (bool, error) {
			return doc.Remove(entry.MsgID), nil
		}); rerr != nil {
			t.logger.Warn("withdrawing pending ack failed", "msg_id", entry.MsgID, "error", rerr)
		}
		return "", err
	}

	t.logger.Info("awaiting acknowledgment",
		"msg_id", entry.MsgID,
		"agent_id", sender,
		"recipient", recipient,
	)
	return entry.MsgID, nil
}

// ReceiveAck removes the pending entry for msgID. It reports whether an
// entry was removed; acknowledging twice is harmless.
func (t *Tracker) ReceiveAck(msgID string) (bool, error) {
	removed := false
	doc, err := t.store.Update(func(doc *Document) (bool, error) {
		removed = doc.Remove(msgID)
		return removed, nil
	})
	if err != nil {
		return false, fmt.Errorf("removing pending ack %s: %w", msgID, err)
	}
	if removed {
		t.logger.Info("acknowledgment received", "msg_id", msgID, "version", doc.Version)
	}
	return removed, nil
}

// Acknowledge is called by the recipient of msgID: it clears the pending
// entry and sends an ACK message back to the original sender. Only the
// addressed recipient may acknowledge.
func (t *Tracker) Acknowledge(ctx context.Context, agentID, msgID string) (bool, error) {
	doc, err := t.store.Load()
	if err != nil {
		return false, err
	}
	i := doc.Find(msgID)
	if i < 0 {
		return false, nil
	}
	entry := doc.PendingAcks[i]
	if entry.RecipientID != agentID {
		return false, &message.ValidationError{
			Field:  "agent_id",
			Reason: fmt.Sprintf("%s is addressed to %s, not %s", msgID, entry.RecipientID, agentID),
		}
	}

	removed, err := t.ReceiveAck(msgID)
	if err != nil || !removed {
		return removed, err
	}

	res, err := t.sender.Send(ctx, agentID, entry.SenderID, message.TypeAck, ackPrefix+msgID)
	switch {
	case err != nil:
		t.logger.Warn("sending ACK message failed", "msg_id", msgID, "error", err)
	case res.Status == delivery.StatusRateLimited:
		t.logger.Warn("ACK message rate limited", "msg_id", msgID, "agent_id", agentID)
	}
	return true, nil
}

// HandleMessage consumes an inbound ACK message. It returns false for
// messages that are not acknowledgments.
func (t *Tracker) HandleMessage(m *message.Message) (bool, error) {
	msgID, ok := ParseAck(m)
	if !ok {
		return false, nil
	}
	return t.ReceiveAck(msgID)
}

// ParseAck extracts the acknowledged id from an ACK message.
func ParseAck(m *message.Message) (string, bool) {
	if m == nil || m.Type != message.TypeAck {
		return "", false
	}
	id := strings.TrimSpace(strings.TrimPrefix(m.Content, ackPrefix))
	if id == "" || id == m.Content {
		return "", false
	}
	return id, true
}

// Pending returns the current pending entries.
func (t *Tracker) Pending() ([]PendingAck, error) {
	doc, err := t.store.Load()
	if err != nil {
		return nil, err
	}
	return doc.PendingAcks, nil
}

// SweepResult reports one retry sweep.
type SweepResult struct {
	Retried int
	Dropped []PendingAck
	Failed  map[string]error // msg id -> resend error
}

// ProcessPendingRetries re-sends every due entry and drops entries that
// have exhausted their retries. A scoped tracker only considers entries
// its agent sent.
//
// Bookkeeping is applied only to entries that are still in the state the
// sweep observed: pending, due, and at the same retry count. Another sweep
// that handled the same cycle first leaves nothing for this one to count.
func (t *Tracker) ProcessPendingRetries(ctx context.Context) (*SweepResult, error) {
	result := &SweepResult{Failed: make(map[string]error)}

	snapshot, err := t.store.Load()
	if err != nil {
		return nil, err
	}
	now := t.now().UTC()
	retry := make(map[string]int) // msg id -> retry count seen
	drop := make(map[string]int)
	for _, entry := range snapshot.PendingAcks {
		if t.agentID != "" && entry.SenderID != t.agentID {
			continue
		}
		if entry.NextRetryAt.After(now) {
			continue
		}
		if entry.RetryCount >= t.maxRetries {
			drop[entry.MsgID] = entry.RetryCount
			continue
		}
		retry[entry.MsgID] = entry.RetryCount
	}
	if len(retry) == 0 && len(drop) == 0 {
		return result, nil
	}

	// Re-send outside the store's critical section. An ACK may arrive
	// meanwhile; the update below only touches entries still pending.
	for _, entry := range snapshot.PendingAcks {
		if _, ok := retry[entry.MsgID]; !ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if entry.Message == nil {
			result.Failed[entry.MsgID] = errors.New("pending entry has no message")
			continue
		}
		if _, err := t.sender.Resend(ctx, entry.Message); err != nil {
			result.Failed[entry.MsgID] = err
			t.logger.Warn("resend failed", "msg_id", entry.MsgID, "error", err)
		}
	}

	unchanged := func(entry PendingAck, seen map[string]int) bool {
		count, ok := seen[entry.MsgID]
		return ok && count == entry.RetryCount && !entry.NextRetryAt.After(now)
	}

	var dropped []PendingAck
	retried := 0
	_, err = t.store.Update(func(doc *Document) (bool, error) {
		dropped, retried = nil, 0
		kept := doc.PendingAcks[:0]
		for _, entry := range doc.PendingAcks {
			switch {
			case unchanged(entry, drop):
				dropped = append(dropped, entry)
				continue
			case unchanged(entry, retry):
				entry.RetryCount++
				entry.NextRetryAt = now.Add(t.retryInterval(entry))
				retried++
			}
			kept = append(kept, entry)
		}
		doc.PendingAcks = kept
		return retried > 0 || len(dropped) > 0, nil
	})
	if err != nil {
		return nil, fmt.Errorf("recording retries: %w", err)
	}

	for _, entry := range dropped {
		t.logger.Warn("giving up on acknowledgment",
			"msg_id", entry.MsgID,
			"agent_id", entry.SenderID,
			"recipient", entry.RecipientID,
			"retries", entry.RetryCount,
		)
	}
	result.Retried = retried
	result.Dropped = dropped
	if retried > 0 {
		t.logger.Info("pending acks retried", "count", retried)
	}
	return result, nil
}

// retryInterval is the wait the sender asked for, or the default for
// entries recorded without one.
func (t *Tracker) retryInterval(entry PendingAck) time.Duration {
	if entry.TimeoutMS > 0 {
		return time.Duration(entry.TimeoutMS) * time.Millisecond
	}
	return t.defaultTimeout
}
