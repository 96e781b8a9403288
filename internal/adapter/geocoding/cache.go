package geocoding

import (
	"context"
	"strings"
	"sync"

	"github.com/couchcryptid/weather-domain-etl/internal/domain"
)

// CachedResolver wraps a Resolver with an in-memory LRU cache.
type CachedResolver struct {
	inner Resolver
	cache *lruCache
}

// NewCachedResolver creates a cache decorator around a resolver.
func NewCachedResolver(inner Resolver, maxEntries int) *CachedResolver {
	return &CachedResolver{
		inner: inner,
		cache: newLRUCache(maxEntries),
	}
}

// Resolve serves repeated lookups of the same name from memory. Names are
// matched case-insensitively; failures are never cached.
func (c *CachedResolver) Resolve(ctx context.Context, name string) (domain.Location, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if loc, ok := c.cache.get(key); ok {
		loc.Name = strings.TrimSpace(name)
		return loc, nil
	}
	loc, err := c.inner.Resolve(ctx, name)
	if err != nil {
		return loc, err
	}
	c.cache.put(key, loc)
	return loc, nil
}

// lruCache is a simple thread-safe LRU cache of resolved locations.
type lruCache struct {
	maxEntries int
	mu         sync.Mutex
	entries    map[string]*entry
	head       *entry // most recently used
	tail       *entry // least recently used
}

type entry struct {
	key   string
	value domain.Location
	prev  *entry
	next  *entry
}

func newLRUCache(maxEntries int) *lruCache {
	if maxEntries < 1 {
		maxEntries = 1
	}
	return &lruCache{
		maxEntries: maxEntries,
		entries:    make(map[string]*entry),
	}
}

func (c *lruCache) get(key string) (domain.Location, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return domain.Location{}, false
	}
	c.moveToFront(e)
	return e.value, true
}

func (c *lruCache) put(key string, value domain.Location) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.value = value
		c.moveToFront(e)
		return
	}

	e := &entry{key: key, value: value}
	c.entries[key] = e
	c.addToFront(e)

	if len(c.entries) > c.maxEntries {
		c.evictTail()
	}
}

func (c *lruCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *lruCache) moveToFront(e *entry) {
	if e == c.head {
		return
	}
	c.remove(e)
	c.addToFront(e)
}

func (c *lruCache) addToFront(e *entry) {
	e.next = c.head
	e.prev = nil
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *lruCache) remove(e *entry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
}

func (c *lruCache) evictTail() {
	if c.tail == nil {
		return
	}
	delete(c.entries, c.tail.key)
	c.remove(c.tail)
}
