// Package idempotency deduplicates logical requests by request id so a
// retried delivery never dispatches, or bills, twice.
package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/nuruai/orchestrator/internal/canonical"
)

// Flight is one logical request's slot in the cache. The first caller
// for a request id owns the flight and must call Finish exactly once;
// every other caller waits on it and shares the winner's outcome.
type Flight struct {
	done      chan struct{}
	result    *canonical.Result
	err       error
	expiresAt time.Time
}

// Wait blocks until the owning caller finishes or ctx is cancelled.
func (f *Flight) Wait(ctx context.Context) (*canonical.Result, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cache is a bounded, TTL-evicting map from request id to outcome.
// Concurrent submissions of the same id collapse to a single winner.
type Cache struct {
	mu       sync.Mutex
	ttl      time.Duration
	capacity int
	entries  map[string]*Flight

	now func() time.Time
}

func NewCache(ttl time.Duration, capacity int) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if capacity <= 0 {
		capacity = 4096
	}
	return &Cache{
		ttl:      ttl,
		capacity: capacity,
		entries:  make(map[string]*Flight),
		now:      time.Now,
	}
}

// Begin claims the flight for requestID. The second return value is true
// for the winner, who must complete the request and call Finish; losers
// receive the existing flight and should Wait on it.
func (c *Cache) Begin(requestID string) (*Flight, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()

	if f, ok := c.entries[requestID]; ok {
		if f.expiresAt.IsZero() || f.expiresAt.After(now) {
			return f, false
		}
		delete(c.entries, requestID)
	}

	c.evictLocked(now)
	f := &Flight{done: make(chan struct{})}
	c.entries[requestID] = f
	return f, true
}

// Finish publishes the winner's outcome and starts the TTL clock.
func (c *Cache) Finish(requestID string, f *Flight, result *canonical.Result, err error) {
	c.mu.Lock()
	f.result = result
	f.err = err
	f.expiresAt = c.now().Add(c.ttl)
	c.mu.Unlock()
	close(f.done)
}

// evictLocked drops expired entries, then completed ones if the cache is
// still over capacity. In-flight entries are never evicted.
func (c *Cache) evictLocked(now time.Time) {
	if len(c.entries) < c.capacity {
		return
	}
	for id, f := range c.entries {
		if !f.expiresAt.IsZero() && !f.expiresAt.After(now) {
			delete(c.entries, id)
		}
	}
	if len(c.entries) < c.capacity {
		return
	}
	for id, f := range c.entries {
		if !f.expiresAt.IsZero() {
			delete(c.entries, id)
			if len(c.entries) < c.capacity {
				return
			}
		}
	}
}

// Len reports the number of cached entries, in-flight included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
