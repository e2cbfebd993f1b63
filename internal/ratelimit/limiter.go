// ABOUTME: Sliding-window rate limiter keyed by sender agent id.
// ABOUTME: Keeps at most MaxMessages timestamps per sender and evicts idle senders on demand.

package ratelimit

import (
	"sync"
	"time"
)

// Limiter is a per-sender sliding-window limiter. It is safe for
// concurrent use.
type Limiter struct {
	mu          sync.Mutex
	maxMessages int
	window      time.Duration
	senders     map[string][]time.Time
	now         func() time.Time
}

// New creates a Limiter allowing maxMessages per window for each sender.
func New(maxMessages int, window time.Duration) *Limiter {
	if maxMessages < 1 {
		maxMessages = 1
	}
	return &Limiter{
		maxMessages: maxMessages,
		window:      window,
		senders:     make(map[string][]time.Time),
		now:         time.Now,
	}
}

// Check reports whether agentID may send now. It does not record anything.
func (l *Limiter) Check(agentID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.countInWindow(agentID, l.now()) < l.maxMessages
}

// Record notes a send by agentID.
func (l *Limiter) Record(agentID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.record(agentID, l.now())
}

// Allow checks and records in one step. It returns false without
// recording when the window is exhausted.
func (l *Limiter) Allow(agentID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if l.countInWindow(agentID, now) >= l.maxMessages {
		return false
	}
	l.record(agentID, now)
	return true
}

// Remaining returns how many more sends agentID may make in the current window.
func (l *Limiter) Remaining(agentID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.maxMessages - l.countInWindow(agentID, l.now())
}

// CleanupInactiveAgents forgets senders whose most recent send is older
// than cutoff and returns how many were removed.
func (l *Limiter) CleanupInactiveAgents(cutoff time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	threshold := l.now().Add(-cutoff)
	removed := 0
	for agentID, times := range l.senders {
		if len(times) == 0 || times[len(times)-1].Before(threshold) {
			delete(l.senders, agentID)
			removed++
		}
	}
	return removed
}

// Senders returns the number of senders currently tracked.
func (l *Limiter) Senders() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.senders)
}

func (l *Limiter) countInWindow(agentID string, now time.Time) int {
	start := now.Add(-l.window)
	count := 0
	for _, ts := range l.senders[agentID] {
		if ts.After(start) {
			count++
		}
	}
	return count
}

// record appends now, dropping the oldest entry once the ring is full.
func (l *Limiter) record(agentID string, now time.Time) {
	times := l.senders[agentID]
	if len(times) >= l.maxMessages {
		times = append(times[:0], times[len(times)-l.maxMessages+1:]...)
	}
	l.senders[agentID] = append(times, now)
}
