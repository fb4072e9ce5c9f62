package session

import (
	"context"
	"strings"
	"sync"
	"time"
)

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// MemoryCache is an in-process Cache for single-instance and dev use.
type MemoryCache struct {
	mu       sync.Mutex
	entries  map[string]memoryEntry
	now      func() time.Time
	onExpire func(key string)
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// SetClock replaces the time source. Tests use it to move past TTLs.
func (c *MemoryCache) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if now == nil {
		now = time.Now
	}
	c.now = now
}

// SetExpireHook registers a callback run for every entry the janitor evicts.
func (c *MemoryCache) SetExpireHook(hook func(key string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onExpire = hook
}

func (c *MemoryCache) Get(_ context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lookupLocked(key)
	if !ok {
		return "", false, nil
	}
	return e.value, true, nil
}

func (c *MemoryCache) Set(_ context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = c.entryLocked(value, ttl)
	return nil
}

func (c *MemoryCache) Update(_ context.Context, key string, ttl time.Duration, fn UpdateFunc) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, found := c.lookupLocked(key)
	next, err := fn(cur.value, found)
	if err != nil {
		return err
	}
	c.entries[key] = c.entryLocked(next, ttl)
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

func (c *MemoryCache) Close() error { return nil }

// Len reports the number of live entries.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	n := 0
	for _, e := range c.entries {
		if !expired(e, now) {
			n++
		}
	}
	return n
}

func (c *MemoryCache) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.expireStale()
			}
		}
	}()
}

func (c *MemoryCache) expireStale() {
	var evicted []string

	c.mu.Lock()
	now := c.now()
	for key, e := range c.entries {
		if !expired(e, now) {
			continue
		}
		delete(c.entries, key)
		evicted = append(evicted, key)
	}
	hook := c.onExpire
	c.mu.Unlock()

	if hook != nil {
		for _, key := range evicted {
			hook(strings.TrimPrefix(key, KeyPrefix))
		}
	}
}

func (c *MemoryCache) lookupLocked(key string) (memoryEntry, bool) {
	e, ok := c.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if expired(e, c.now()) {
		delete(c.entries, key)
		return memoryEntry{}, false
	}
	return e, true
}

func (c *MemoryCache) entryLocked(value string, ttl time.Duration) memoryEntry {
	e := memoryEntry{value: value}
	if ttl > 0 {
		e.expiresAt = c.now().Add(ttl)
	}
	return e
}

func expired(e memoryEntry, now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}
