// ABOUTME: Tests for the sliding-window rate limiter.
// ABOUTME: Drives time through an injected clock.

package ratelimit

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLimiter(max int, window time.Duration) (*Limiter, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := New(max, window)
	l.now = clock.Now
	return l, clock
}

func TestLimiter_FourthMessageInWindowRejected(t *testing.T) {
	l, clock := newTestLimiter(3, 60*time.Second)

	for i := 0; i < 3; i++ {
		assert.True(t, l.Check("planner"), "message %d", i+1)
		l.Record("planner")
		clock.Advance(time.Second)
	}
	assert.False(t, l.Check("planner"))
	assert.False(t, l.Check("planner"), "check does not consume")
	assert.True(t, l.Check("reviewer"), "senders are independent")

	clock.Advance(60 * time.Second)
	assert.True(t, l.Check("planner"))
}

func TestLimiter_WindowSlides(t *testing.T) {
	l, clock := newTestLimiter(2, 10*time.Second)

	assert.True(t, l.Allow("a"))
	clock.Advance(6 * time.Second)
	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))

	// The first send leaves the window; only one slot frees up.
	clock.Advance(5 * time.Second)
	assert.Equal(t, 1, l.Remaining("a"))
	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
}

func TestLimiter_HistoryIsBounded(t *testing.T) {
	l, clock := newTestLimiter(3, time.Second)

	for i := 0; i < 50; i++ {
		l.Record("busy")
		clock.Advance(time.Second)
	}
	assert.Len(t, l.senders["busy"], 3)
}

func TestLimiter_AllowIsAtomic(t *testing.T) {
	l, _ := newTestLimiter(5, time.Minute)

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Allow("racer") {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(5), allowed.Load())
}

func TestLimiter_CleanupInactiveAgents(t *testing.T) {
	l, clock := newTestLimiter(3, time.Minute)

	l.Record("old")
	clock.Advance(2 * time.Hour)
	l.Record("recent")

	removed := l.CleanupInactiveAgents(time.Hour)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, l.Senders())
	assert.True(t, l.Check("old"))
}
