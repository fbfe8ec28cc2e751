package ghgovernor

import (
	"net/http"
	"sync"
)

// ConditionalCache keeps one ETag validator per cache key for the lifetime of
// the governor. It never evicts; callers control the key space.
type ConditionalCache struct {
	mu    sync.RWMutex
	store map[string]string
}

// NewConditionalCache creates an empty cache.
func NewConditionalCache() *ConditionalCache {
	return &ConditionalCache{store: make(map[string]string)}
}

// Get returns the validator stored for key.
func (c *ConditionalCache) Get(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.store[key]
	return v, ok && v != ""
}

// Observe records the validator of a response. Only a 200 carrying an ETag
// overwrites the entry; a 304 leaves it untouched.
func (c *ConditionalCache) Observe(key string, status int, header http.Header) bool {
	if status != http.StatusOK {
		return false
	}
	etag := header.Get("ETag")
	if etag == "" {
		return false
	}
	c.mu.Lock()
	c.store[key] = etag
	c.mu.Unlock()
	return true
}

// Snapshot returns a copy of every key and validator.
func (c *ConditionalCache) Snapshot() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.store))
	for k, v := range c.store {
		out[k] = v
	}
	return out
}

// Len returns the number of cached validators.
func (c *ConditionalCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.store)
}

// Clear drops every validator.
func (c *ConditionalCache) Clear() {
	c.mu.Lock()
	c.store = make(map[string]string)
	c.mu.Unlock()
}

// addConditionalHeaders attaches If-None-Match when a validator is cached for key.
func (c *ConditionalCache) addConditionalHeaders(key string, header http.Header) {
	if etag, ok := c.Get(key); ok {
		header.Set("If-None-Match", etag)
	}
}

func isNotModified(status int) bool {
	return status == http.StatusNotModified
}
