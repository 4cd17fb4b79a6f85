package cache

import (
	"context"
	"sync"
	"time"
)

// DefaultMaxEntries bounds a memory cache built without an explicit size.
const DefaultMaxEntries = 1024

type memoryEntry struct {
	body      []byte
	expiresAt time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !now.Before(e.expiresAt)
}

// MemoryExactCache keeps completion bodies in process. Expired entries are
// dropped on read and swept when the cache is full; if nothing has expired
// the entry closest to expiry makes room.
type MemoryExactCache struct {
	mu         sync.Mutex
	entries    map[string]memoryEntry
	maxEntries int
	now        func() time.Time
}

func NewMemoryExactCache(maxEntries int) *MemoryExactCache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &MemoryExactCache{
		entries:    make(map[string]memoryEntry, maxEntries),
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

func (c *MemoryExactCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	if e.expired(c.now()) {
		delete(c.entries, key)
		return nil, false, nil
	}
	return e.body, true, nil
}

// Set stores a copy of body; ttl <= 0 evicts the key.
func (c *MemoryExactCache) Set(_ context.Context, key string, body []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ttl <= 0 {
		delete(c.entries, key)
		return nil
	}

	now := c.now()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.makeRoom(now)
	}
	c.entries[key] = memoryEntry{
		body:      append([]byte(nil), body...),
		expiresAt: now.Add(ttl),
	}
	return nil
}

// makeRoom must be called with mu held.
func (c *MemoryExactCache) makeRoom(now time.Time) {
	var (
		oldestKey string
		oldest    time.Time
	)
	for k, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, k)
			continue
		}
		if oldestKey == "" || e.expiresAt.Before(oldest) {
			oldestKey, oldest = k, e.expiresAt
		}
	}
	if len(c.entries) >= c.maxEntries && oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

// Len counts stored entries, expired ones included until they are swept.
func (c *MemoryExactCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
