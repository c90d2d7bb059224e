package entitlements

import (
	"sync"
	"time"
)

// SnapshotCache keeps the last composed snapshot per user so the read path
// can degrade to cached state when storage or the provider is unavailable.
// It is a fallback source, never an enforcement source.
type SnapshotCache struct {
	mu       sync.RWMutex
	entries  map[string]*snapshotEntry
	maxSize  int
	hits     int64
	misses   int64
	evicted  int64
	sequence int64
}

type snapshotEntry struct {
	snapshot   *SubscriptionSnapshot
	expiration time.Time
	accessSeq  int64
}

// NewSnapshotCache creates a cache holding at most maxSize snapshots.
func NewSnapshotCache(maxSize int) *SnapshotCache {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &SnapshotCache{
		entries: make(map[string]*snapshotEntry, maxSize),
		maxSize: maxSize,
	}
}

// Get returns the cached snapshot for userID if present and not expired.
func (c *SnapshotCache) Get(userID string) (*SubscriptionSnapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[userID]
	if !ok || time.Now().After(e.expiration) {
		if ok {
			delete(c.entries, userID)
		}
		c.misses++
		return nil, false
	}
	c.sequence++
	e.accessSeq = c.sequence
	c.hits++
	cp := *e.snapshot
	return &cp, true
}

// Set stores a snapshot with the given TTL, evicting the least recently
// accessed entry when the cache is full.
func (c *SnapshotCache) Set(userID string, snap *SubscriptionSnapshot, ttl time.Duration) {
	if snap == nil || ttl <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[userID]; !ok && len(c.entries) >= c.maxSize {
		c.evictOldest()
	}

	c.sequence++
	cp := *snap
	c.entries[userID] = &snapshotEntry{
		snapshot:   &cp,
		expiration: time.Now().Add(ttl),
		accessSeq:  c.sequence,
	}
}

// Invalidate removes a user's cached snapshot.
func (c *SnapshotCache) Invalidate(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, userID)
}

func (c *SnapshotCache) evictOldest() {
	var oldestKey string
	var oldestSeq int64 = -1
	for k, e := range c.entries {
		if oldestSeq < 0 || e.accessSeq < oldestSeq {
			oldestKey = k
			oldestSeq = e.accessSeq
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
		c.evicted++
	}
}
