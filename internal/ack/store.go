// ABOUTME: Versioned pending-ack document with compare-and-swap writes.
// ABOUTME: Update retries read-mutate-write cycles a bounded number of times on version conflicts.

package ack

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/2389/coven-coord/internal/atomicfile"
	"github.com/2389/coven-coord/internal/flock"
	"github.com/2389/coven-coord/internal/message"
)

var (
	// ErrVersionConflict indicates the document changed since it was read.
	ErrVersionConflict = errors.New("pending ack store version conflict")
	// ErrTooManyConflicts indicates Update gave up after repeated conflicts.
	ErrTooManyConflicts = errors.New("pending ack store update kept conflicting")
)

// PendingAck is one message awaiting acknowledgment.
type PendingAck struct {
	MsgID       string           `json:"msg_id"`
	SenderID    string           `json:"sender_id"`
	RecipientID string           `json:"recipient_id"`
	Message     *message.Message `json:"message"`
	SentAt      time.Time        `json:"sent_at"`
	RetryCount  int              `json:"retry_count"`
	NextRetryAt time.Time        `json:"next_retry_at"`
	TimeoutMS   int64            `json:"timeout_ms,omitempty"`
}

// Document is the on-disk pending-ack collection.
type Document struct {
	Version     int64        `json:"version"`
	PendingAcks []PendingAck `json:"pending_acks"`
}

// Find returns the index of msgID, or -1.
func (d *Document) Find(msgID string) int {
	for i := range d.PendingAcks {
		if d.PendingAcks[i].MsgID == msgID {
			return i
		}
	}
	return -1
}

// Remove deletes msgID and reports whether it was present.
func (d *Document) Remove(msgID string) bool {
	i := d.Find(msgID)
	if i < 0 {
		return false
	}
	d.PendingAcks = append(d.PendingAcks[:i], d.PendingAcks[i+1:]...)
	return true
}

// Store persists the pending-ack document.
type Store struct {
	path        string
	guard       *flock.Guard
	mu          sync.Mutex
	maxAttempts int
	logger      *slog.Logger
	writeFile   func(path string, data []byte, perm os.FileMode) error
}

// NewStore creates a Store at path. maxAttempts bounds Update's retries.
func NewStore(path string, maxAttempts int, logger *slog.Logger) *Store {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		path:        path,
		guard:       flock.New(path + ".lock"),
		maxAttempts: maxAttempts,
		logger:      logger.With("component", "ack_store"),
		writeFile:   atomicfile.WriteFile,
	}
}

// Load reads the document. A missing file is an empty document at version 0.
func (s *Store) Load() (*Document, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return &Document{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading pending acks: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decoding pending acks %s: %w", s.path, err)
	}
	return &doc, nil
}

// CompareAndSwap writes doc if the stored version still equals expected.
// On success doc.Version is expected+1.
func (s *Store) CompareAndSwap(expected int64, doc *Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	unlock, err := s.guard.Lock()
	if err != nil {
		return err
	}
	defer unlock()

	current, err := s.Load()
	if err != nil {
		return err
	}
	if current.Version != expected {
		return fmt.Errorf("%w: expected version %d, found %d", ErrVersionConflict, expected, current.Version)
	}

	next := *doc
	next.Version = expected + 1
	if next.PendingAcks == nil {
		next.PendingAcks = []PendingAck{}
	}
	data, err := json.MarshalIndent(&next, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding pending acks: %w", err)
	}
	if err := s.writeFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("writing pending acks: %w", err)
	}
	doc.Version = next.Version
	return nil
}

// Update applies mutate to a fresh copy of the document and writes it with
// CompareAndSwap, starting over on a version conflict. mutate may run more
// than once and must derive its changes only from the document it is
// given. Returning false from mutate skips the write.
func (s *Store) Update(mutate func(doc *Document) (bool, error)) (*Document, error) {
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		doc, err := s.Load()
		if err != nil {
			return nil, err
		}
		expected := doc.Version

		changed, err := mutate(doc)
		if err != nil {
			return nil, err
		}
		if !changed {
			return doc, nil
		}

		err = s.CompareAndSwap(expected, doc)
		if err == nil {
			return doc, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return nil, err
		}
		s.logger.Debug("pending ack update conflicted, reloading", "attempt", attempt, "version", expected)
	}
	return nil, fmt.Errorf("%w after %d attempts: %w", ErrTooManyConflicts, s.maxAttempts, ErrVersionConflict)
}
