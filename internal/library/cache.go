package library

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Cache provides thread-safe reuse of loaded libraries so repeated requests
// for the same file do not reparse it.
//
// Entries are keyed by path and load mode. Libraries returned by the cache
// are owned by it: callers must not Close them, and should call Evict or
// Clear to release them.
//
// # Example Usage
//
//	cache := library.NewCache(logger)
//	lib, err := cache.Load(ctx, "/data/usgs_minerals.sli", library.InMemory)
//	if err != nil {
//	    return err
//	}
//	// Use lib...
//	cache.Evict("/data/usgs_minerals.sli")
type Cache struct {
	mu   sync.RWMutex
	libs map[cacheKey]Library
	log  *zap.Logger
}

type cacheKey struct {
	path string
	mode Mode
}

// NewCache creates an empty cache. A nil logger disables logging.
func NewCache(log *zap.Logger) *Cache {
	if log == nil {
		log = zap.NewNop()
	}
	return &Cache{libs: make(map[cacheKey]Library), log: log}
}

// Load returns the cached library for path and mode, loading it on first use.
//
// The library is cached using the exact path string provided. Errors from
// Load are not cached.
func (c *Cache) Load(ctx context.Context, path string, mode Mode) (Library, error) {
	if mode == "" {
		mode = InMemory
	}
	key := cacheKey{path, mode}
	c.mu.RLock()
	if lib, ok := c.libs[key]; ok {
		c.mu.RUnlock()
		return lib, nil
	}
	c.mu.RUnlock()

	lib, err := Load(ctx, path, mode, WithLogger(c.log))
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.libs[key]; ok {
		// Lost a race with another loader; keep the first.
		lib.Close()
		return prev, nil
	}
	c.libs[key] = lib
	return lib, nil
}

// Evict closes and removes every cached library loaded from path.
func (c *Cache) Evict(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, lib := range c.libs {
		if k.path == path {
			lib.Close()
			delete(c.libs, k)
		}
	}
}

// Clear closes and removes all cached libraries.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, lib := range c.libs {
		lib.Close()
	}
	c.libs = make(map[cacheKey]Library)
}

// Len returns the number of cached libraries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.libs)
}
