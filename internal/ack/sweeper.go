// ABOUTME: Background loop that runs the pending-ack retry sweep on an interval.
// ABOUTME: Individual sweep failures are logged; storage write failures stop the loop.

package ack

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/2389/coven-coord/internal/atomicfile"
)

// Sweeper calls ProcessPendingRetries periodically.
type Sweeper struct {
	tracker  *Tracker
	interval time.Duration
}

// NewSweeper creates a Sweeper.
func NewSweeper(tracker *Tracker, interval time.Duration) *Sweeper {
	return &Sweeper{tracker: tracker, interval: interval}
}

// Run sweeps until ctx is done. It returns nil on cancellation.
func (s *Sweeper) Run(ctx context.Context) error {
	if s.interval <= 0 {
		return fmt.Errorf("ack sweeper: interval must be positive")
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	logger := s.tracker.logger
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			res, err := s.tracker.ProcessPendingRetries(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				if errors.Is(err, atomicfile.ErrWrite) {
					logger.Error("ack sweep cannot write state", "error", err)
					return fmt.Errorf("ack sweep: %w", err)
				}
				logger.Warn("ack sweep failed", "error", err)
				continue
			}
			if len(res.Dropped) > 0 || len(res.Failed) > 0 {
				logger.Info("ack sweep finished",
					"retried", res.Retried,
					"dropped", len(res.Dropped),
					"failed", len(res.Failed),
				)
			}
		}
	}
}
