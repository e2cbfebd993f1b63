// ABOUTME: Tests for the message-id dedupe cache.
// ABOUTME: Covers TTL expiry, size-bounded eviction, sweeping and concurrent marking.

package dedupe

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
)

func newTestCache(t *testing.T, ttl time.Duration, maxSize int) (*Cache, *time.Time) {
	t.Helper()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := New(ttl, maxSize)
	c.now = func() time.Time { return now }
	t.Cleanup(c.Close)
	return c, &now
}

func TestSeen_FirstThenRepeat(t *testing.T) {
	c, _ := newTestCache(t, time.Minute, 10)

	assert.False(t, c.Seen("msg-1"))
	assert.True(t, c.Seen("msg-1"))
	assert.True(t, c.Contains("msg-1"))
	assert.False(t, c.Contains("msg-2"))
}

func TestSeen_ExpiresAfterTTL(t *testing.T) {
	c, now := newTestCache(t, time.Minute, 10)

	c.Seen("msg-1")
	*now = now.Add(2 * time.Minute)
	assert.False(t, c.Contains("msg-1"))
	assert.False(t, c.Seen("msg-1"), "expired id counts as new")
	assert.True(t, c.Seen("msg-1"))
}

func TestSeen_EvictsOldestWhenFull(t *testing.T) {
	c, now := newTestCache(t, time.Hour, 3)

	for i := 1; i <= 3; i++ {
		c.Seen(fmt.Sprintf("msg-%d", i))
		*now = now.Add(time.Second)
	}
	// Touching msg-1 makes msg-2 the oldest.
	c.Seen("msg-1")
	c.Seen("msg-4")

	assert.Equal(t, 3, c.Len())
	assert.True(t, c.Contains("msg-1"))
	assert.False(t, c.Contains("msg-2"))
	assert.True(t, c.Contains("msg-3"))
	assert.True(t, c.Contains("msg-4"))
}

func TestSweep_DropsExpired(t *testing.T) {
	c, now := newTestCache(t, time.Minute, 10)

	c.Seen("old")
	*now = now.Add(50 * time.Second)
	c.Seen("new")
	*now = now.Add(20 * time.Second)

	c.sweep()
	assert.Equal(t, 1, c.Len())
	assert.True(t, c.Contains("new"))
}

func TestSeen_ConcurrentCallersAgree(t *testing.T) {
	c := New(time.Minute, 100)
	defer c.Close()

	var firsts atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !c.Seen("shared") {
				firsts.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), firsts.Load())
}

func TestClose_StopsSweeper(t *testing.T) {
	defer goleak.VerifyNone(t)

	c := New(time.Minute, 10)
	c.Close()
	c.Close()
}
