package cache

import (
	"strings"
	"sync"
	"time"
)

type entry struct {
	value     interface{}
	expiresAt time.Time
}

func (e *entry) expired() bool {
	return time.Now().After(e.expiresAt)
}

// Cache is a thread-safe in-memory TTL cache. Expired entries are swept by a
// background goroutine; Get never returns them even before the sweep runs.
type Cache struct {
	mu         sync.RWMutex
	items      map[string]*entry
	defaultTTL time.Duration
	stop       chan struct{}
	stopOnce   sync.Once
}

// NewCache creates a cache whose entries expire after defaultTTL unless
// SetWithTTL overrides it.
func NewCache(defaultTTL time.Duration) *Cache {
	c := &Cache{
		items:      make(map[string]*entry),
		defaultTTL: defaultTTL,
		stop:       make(chan struct{}),
	}
	go c.sweep(defaultTTL / 2)
	return c
}

func (c *Cache) Get(key string) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.items[key]
	if !ok || e.expired() {
		return nil, false
	}
	return e.value, true
}

func (c *Cache) Set(key string, value interface{}) {
	c.SetWithTTL(key, value, c.defaultTTL)
}

func (c *Cache) SetWithTTL(key string, value interface{}, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = &entry{
		value:     value,
		expiresAt: time.Now().Add(ttl),
	}
}

func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// Invalidate removes every entry whose key starts with prefix. An empty
// prefix removes only expired entries, which is what the sweeper uses.
func (c *Cache) Invalidate(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if prefix == "" {
		for key, e := range c.items {
			if e.expired() {
				delete(c.items, key)
			}
		}
		return
	}

	for key := range c.items {
		if strings.HasPrefix(key, prefix) {
			delete(c.items, key)
		}
	}
}

func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Stop terminates the background sweeper. Safe to call more than once.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
}

func (c *Cache) sweep(interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Invalidate("")
		case <-c.stop:
			return
		}
	}
}
