// ABOUTME: Thread-safe TTL'd counter of consecutive health-check failures.
// ABOUTME: Keyed by instance id; drives the ONLINE to DEGRADED to OFFLINE ladder.

package health

import (
	"sync"
	"time"
)

type counterEntry struct {
	count   int
	touched time.Time
}

// failureCounter counts consecutive failures per instance. Entries expire
// after the TTL so an instance that stops being checked does not carry stale
// strikes into its next incarnation. Increments are independent of any prior
// read, so concurrent increments are safe.
type failureCounter struct {
	mu     sync.Mutex
	counts map[string]*counterEntry
	ttl    time.Duration
	done   chan struct{}
	closed bool
}

// newFailureCounter starts a counter with a background sweep of expired
// entries.
func newFailureCounter(ttl time.Duration) *failureCounter {
	c := &failureCounter{
		counts: make(map[string]*counterEntry),
		ttl:    ttl,
		done:   make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Increment adds one strike for the instance and returns the new count.
// An expired entry restarts from one.
func (c *failureCounter) Increment(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	entry, ok := c.counts[id]
	if !ok || now.Sub(entry.touched) > c.ttl {
		entry = &counterEntry{}
		c.counts[id] = entry
	}
	entry.count++
	entry.touched = now
	return entry.count
}

// Reset clears the instance's strikes.
func (c *failureCounter) Reset(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.counts, id)
}

// Get returns the current strike count; expired entries read as zero.
func (c *failureCounter) Get(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.counts[id]
	if !ok || time.Since(entry.touched) > c.ttl {
		return 0
	}
	return entry.count
}

func (c *failureCounter) cleanup() {
	ticker := time.NewTicker(c.ttl)
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

func (c *failureCounter) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for id, entry := range c.counts {
		if now.Sub(entry.touched) > c.ttl {
			delete(c.counts, id)
		}
	}
}

// Close stops the background sweep. Safe to call multiple times.
func (c *failureCounter) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
