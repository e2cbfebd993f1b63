// ABOUTME: Background loop that keeps an agent's locks alive.
// ABOUTME: Stops on context cancellation or the first fatal I/O error.

package lock

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Refresher renews one agent's locks on an interval.
type Refresher struct {
	manager  *Manager
	agentID  string
	interval time.Duration
	logger   *slog.Logger
}

// NewRefresher creates a Refresher. The interval should be well below the
// manager's stale timeout.
func NewRefresher(manager *Manager, agentID string, interval time.Duration) *Refresher {
	return &Refresher{
		manager:  manager,
		agentID:  agentID,
		interval: interval,
		logger:   manager.logger.With("agent_id", agentID),
	}
}

// Run refreshes until ctx is done. It returns nil on cancellation and the
// error from the first failed refresh.
func (r *Refresher) Run(ctx context.Context) error {
	if r.interval <= 0 {
		return fmt.Errorf("lock refresher: interval must be positive")
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Debug("lock refresher started", "interval", r.interval)
	for {
		select {
		case <-ctx.Done():
			r.logger.Debug("lock refresher stopped")
			return nil
		case <-ticker.C:
			if _, err := r.manager.Refresh(r.agentID); err != nil {
				r.logger.Error("lock refresh failed", "error", err)
				return fmt.Errorf("refreshing locks for %s: %w", r.agentID, err)
			}
		}
	}
}
