// ABOUTME: Append-only JSON-lines message log with filtered reads.
// ABOUTME: Appends are single writes under a cross-process flock guard.

package msglog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/2389/coven-coord/internal/flock"
	"github.com/2389/coven-coord/internal/message"
)

// Log is a message log file.
type Log struct {
	path   string
	guard  *flock.Guard
	logger *slog.Logger
}

// New returns a Log stored at path. The file is created on first append.
func New(path string, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{
		path:   path,
		guard:  flock.New(path + ".lock"),
		logger: logger.With("component", "msglog"),
	}
}

// Path returns the log file location.
func (l *Log) Path() string { return l.path }

// Append writes m as one line.
func (l *Log) Append(m *message.Message) error {
	line, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding message %s: %w", m.ID, err)
	}
	line = append(line, '\n')

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("creating log directory: %w", err)
	}

	unlock, err := l.guard.Lock()
	if err != nil {
		return err
	}
	defer unlock()

	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("opening message log: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("appending message %s: %w", m.ID, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("syncing message log: %w", err)
	}
	return f.Close()
}

// Filter selects messages from the log. Zero fields match everything.
type Filter struct {
	Recipient string // agent id; matches messages to it or to "all"
	Sender    string
	Types     []message.Type
	Since     time.Time
	Limit     int // keep only the most recent Limit matches
}

// Match reports whether m passes the filter, ignoring Limit.
func (f Filter) Match(m *message.Message) bool {
	if f.Recipient != "" && !m.AddressedTo(f.Recipient) {
		return false
	}
	if f.Sender != "" && m.Sender != f.Sender {
		return false
	}
	if !f.Since.IsZero() && m.Timestamp.Before(f.Since) {
		return false
	}
	if len(f.Types) > 0 {
		for _, t := range f.Types {
			if m.Type == t {
				return true
			}
		}
		return false
	}
	return true
}

// ReadResult is the outcome of a Read.
type ReadResult struct {
	Messages []*message.Message
	Skipped  int // malformed lines
}

// Read returns the messages matching f in log order. A missing log is empty.
func (l *Log) Read(f Filter) (*ReadResult, error) {
	file, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return &ReadResult{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening message log: %w", err)
	}
	defer file.Close()

	result := &ReadResult{}
	_, err = scanLines(file, func(line []byte) {
		m, ok := l.decode(line)
		if !ok {
			result.Skipped++
			return
		}
		if f.Match(m) {
			result.Messages = append(result.Messages, m)
		}
	}, true)
	if err != nil {
		return nil, fmt.Errorf("reading message log: %w", err)
	}

	if f.Limit > 0 && len(result.Messages) > f.Limit {
		result.Messages = result.Messages[len(result.Messages)-f.Limit:]
	}
	return result, nil
}

// Find returns the message with the given id, if present.
func (l *Log) Find(msgID string) (*message.Message, error) {
	res, err := l.Read(Filter{})
	if err != nil {
		return nil, err
	}
	for i := len(res.Messages) - 1; i >= 0; i-- {
		if res.Messages[i].ID == msgID {
			return res.Messages[i], nil
		}
	}
	return nil, nil
}

func (l *Log) decode(line []byte) (*message.Message, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, false
	}
	var m message.Message
	if err := json.Unmarshal(line, &m); err != nil || m.ID == "" {
		l.logger.Debug("skipping malformed log line", "error", err)
		return nil, false
	}
	return &m, true
}

// scanLines calls fn for each complete line and returns how many bytes
// were consumed. A trailing line without a newline is only consumed when
// final is true, since a concurrent writer may still be appending to it.
func scanLines(r io.Reader, fn func([]byte), final bool) (int64, error) {
	br := bufio.NewReader(r)
	var consumed int64
	for {
		line, err := br.ReadBytes('\n')
		if err == io.EOF {
			if final && len(bytes.TrimSpace(line)) > 0 {
				fn(line)
				consumed += int64(len(line))
			}
			return consumed, nil
		}
		if err != nil {
			return consumed, err
		}
		consumed += int64(len(line))
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		fn(line)
	}
}
