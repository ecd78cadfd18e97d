package access

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const failureShards = 16

// failureEntry is the failure history of one client address.
type failureEntry struct {
	Count       int
	LastFailure time.Time
}

type failureShard struct {
	mu  sync.Mutex // serializes read-modify-write on the LRU
	lru *expirable.LRU[string, failureEntry]
}

// FailureCache is a bounded, recency ordered map of client address to
// failure history. Entries expire one window after their last failure.
type FailureCache struct {
	shards [failureShards]failureShard
	size   int
	window time.Duration
}

// NewFailureCache creates a cache holding at most size addresses in total.
func NewFailureCache(size int, window time.Duration) *FailureCache {
	perShard := failureCapacity(size) / failureShards

	c := &FailureCache{size: perShard * failureShards, window: window}
	for i := range c.shards {
		c.shards[i].lru = expirable.NewLRU[string, failureEntry](perShard, nil, window)
	}
	return c
}

// failureCapacity rounds size down to a multiple of the shard count.
func failureCapacity(size int) int {
	if size < failureShards {
		size = failureShards
	}
	return size / failureShards * failureShards
}

func (c *FailureCache) shard(addr string) *failureShard {
	return &c.shards[xxhash.Sum64String(addr)%failureShards]
}

// Record adds one failure for addr, refreshes its expiry and returns the new
// failure count.
func (c *FailureCache) Record(addr string) int {
	count, _ := c.Attempt(addr, 0, func() bool { return false })
	return count
}

// Attempt runs check for addr unless addr already has threshold failures.
// The threshold test, the check and the failure record share one shard
// lock, so no check runs for an address past its threshold. A threshold of
// zero disables the lockout. Failed checks and lockouts both count as
// failures; the new count is returned.
func (c *FailureCache) Attempt(addr string, threshold int, check func() bool) (count int, locked bool) {
	s := c.shard(addr)
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, _ := s.lru.Get(addr)
	locked = threshold > 0 && entry.Count >= threshold
	if !locked && check() {
		return entry.Count, false
	}
	entry.Count++
	entry.LastFailure = time.Now()
	s.lru.Add(addr, entry)
	return entry.Count, locked
}

// Failures returns the current failure count for addr.
func (c *FailureCache) Failures(addr string) int {
	entry, ok := c.shard(addr).lru.Peek(addr)
	if !ok {
		return 0
	}
	return entry.Count
}

// Len returns the number of tracked addresses.
func (c *FailureCache) Len() int {
	n := 0
	for i := range c.shards {
		n += c.shards[i].lru.Len()
	}
	return n
}

// Capacity returns the maximum number of tracked addresses.
func (c *FailureCache) Capacity() int {
	return c.size
}

// Window returns the expiry of an entry after its last failure.
func (c *FailureCache) Window() time.Duration {
	return c.window
}
