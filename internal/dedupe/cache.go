// ABOUTME: Bounded TTL set of message ids already handed to a reader.
// ABOUTME: Suppresses repeats produced by at-least-once retries of the same msg_id.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// sweepInterval is how often expired ids are purged in the background.
const sweepInterval = time.Minute

type entry struct {
	seenAt  time.Time
	element *list.Element
}

// Cache remembers message ids for ttl, holding at most maxSize of them.
// When full, the id seen longest ago is forgotten first.
type Cache struct {
	mu      sync.Mutex
	ids     map[string]*entry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

// New creates a cache and starts its background sweep. Call Close to stop it.
func New(ttl time.Duration, maxSize int) *Cache {
	if maxSize < 1 {
		maxSize = 1
	}
	c := &Cache{
		ids:     make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// Contains reports whether msgID was seen within the TTL.
func (c *Cache) Contains(msgID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.ids[msgID]
	return ok && c.now().Sub(e.seenAt) < c.ttl
}

// Seen records msgID and reports whether it had already been recorded
// within the TTL. The check and the record happen under one lock.
func (c *Cache) Seen(msgID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if e, ok := c.ids[msgID]; ok {
		fresh := now.Sub(e.seenAt) < c.ttl
		e.seenAt = now
		c.order.MoveToBack(e.element)
		return fresh
	}

	if len(c.ids) >= c.maxSize {
		if front := c.order.Front(); front != nil {
			c.order.Remove(front)
			delete(c.ids, front.Value.(string))
		}
	}
	c.ids[msgID] = &entry{seenAt: now, element: c.order.PushBack(msgID)}
	return false
}

// Len returns the number of ids held, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ids)
}

// Close stops the background sweep and waits for it to exit. Safe to call
// more than once.
func (c *Cache) Close() {
	c.closeOnce.Do(func() { close(c.done) })
	<-c.stopped
}

func (c *Cache) sweepLoop() {
	defer close(c.stopped)
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.done:
			return
		}
	}
}

// sweep drops expired ids. Entries are ordered by last sighting, so it
// stops at the first fresh one.
func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		id := front.Value.(string)
		if now.Sub(c.ids[id].seenAt) < c.ttl {
			return
		}
		c.order.Remove(front)
		delete(c.ids, id)
	}
}
