// ABOUTME: Live tail of the message log driven by fsnotify with a polling backstop.
// ABOUTME: Suppresses msg_ids already delivered to the handler.

package msglog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/2389/coven-coord/internal/dedupe"
	"github.com/2389/coven-coord/internal/message"
)

const (
	pollInterval = time.Second
	dedupeTTL    = time.Hour
	dedupeSize   = 10000
)

// Watcher follows the log from a fixed offset.
type Watcher struct {
	log    *Log
	filter Filter
	offset int64
	fsw    *fsnotify.Watcher
	seen   *dedupe.Cache
	logger *slog.Logger
}

// Watch positions a Watcher at the current end of the log. Messages
// appended after Watch returns are delivered by Run.
func (l *Log) Watch(f Filter) (*Watcher, error) {
	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}

	var offset int64
	if info, err := os.Stat(l.path); err == nil {
		offset = info.Size()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watching %s: %w", dir, err)
	}

	return &Watcher{
		log:    l,
		filter: f,
		offset: offset,
		fsw:    fsw,
		seen:   dedupe.New(dedupeTTL, dedupeSize),
		logger: l.logger.With("recipient", f.Recipient),
	}, nil
}

// Run delivers matching messages to handle until ctx is done. It releases
// the watcher's resources before returning.
func (w *Watcher) Run(ctx context.Context, handle func(*message.Message)) error {
	defer w.seen.Close()
	defer w.fsw.Close()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	if err := w.drain(handle); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.log.path) {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if err := w.drain(handle); err != nil {
					return err
				}
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("file watcher error", "error", err)
		case <-ticker.C:
			if err := w.drain(handle); err != nil {
				return err
			}
		}
	}
}

// drain delivers every complete line past the current offset.
func (w *Watcher) drain(handle func(*message.Message)) error {
	f, err := os.Open(w.log.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("opening message log: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat message log: %w", err)
	}
	if info.Size() < w.offset {
		w.logger.Warn("message log shrank, reading from start", "offset", w.offset, "size", info.Size())
		w.offset = 0
	}
	if info.Size() == w.offset {
		return nil
	}
	if _, err := f.Seek(w.offset, io.SeekStart); err != nil {
		return fmt.Errorf("seeking message log: %w", err)
	}

	consumed, err := scanLines(f, func(line []byte) {
		m, ok := w.log.decode(line)
		if !ok || !w.filter.Match(m) {
			return
		}
		if w.seen.Seen(m.ID) {
			w.logger.Debug("suppressing repeated message", "msg_id", m.ID)
			return
		}
		handle(m)
	}, false)
	w.offset += consumed
	if err != nil {
		return fmt.Errorf("reading message log: %w", err)
	}
	return nil
}
