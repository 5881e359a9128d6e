package auth

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Verdict is a cached authentication decision.
type Verdict int

const (
	VerdictRejected Verdict = iota
	VerdictMaster
	VerdictPassthrough
)

// cachedVerdict holds a verdict with its timestamp.
type cachedVerdict struct {
	verdict  Verdict
	cachedAt time.Time
}

// Cache is an LRU cache for token authentication verdicts, keyed by token
// hash. Thread-safe, uses hashicorp/golang-lru under the hood.
type Cache struct {
	cache *lru.Cache[string, *cachedVerdict]
	ttl   time.Duration
	mu    sync.RWMutex
}

// NewCache creates a new verdict cache.
func NewCache(maxSize int, ttl time.Duration) (*Cache, error) {
	if maxSize <= 0 {
		maxSize = 10000
	}
	if ttl <= 0 {
		ttl = time.Minute
	}

	cache, err := lru.New[string, *cachedVerdict](maxSize)
	if err != nil {
		return nil, fmt.Errorf("auth: failed to create verdict cache: %w", err)
	}

	return &Cache{
		cache: cache,
		ttl:   ttl,
	}, nil
}

// Get retrieves a verdict from cache. Returns false when the token hash is
// unknown or the entry expired.
func (c *Cache) Get(hashedToken string) (Verdict, bool) {
	if c == nil || c.cache == nil {
		return VerdictRejected, false
	}

	c.mu.RLock()
	cached, ok := c.cache.Get(hashedToken)
	c.mu.RUnlock()

	if !ok {
		return VerdictRejected, false
	}

	if time.Since(cached.cachedAt) > c.ttl {
		// Re-check under write lock to avoid evicting a fresh entry
		// another goroutine may have Set between RUnlock and Lock.
		c.mu.Lock()
		current, stillExists := c.cache.Get(hashedToken)
		if stillExists && time.Since(current.cachedAt) > c.ttl {
			c.cache.Remove(hashedToken)
		}
		c.mu.Unlock()
		return VerdictRejected, false
	}

	return cached.verdict, true
}

// Set stores a verdict.
func (c *Cache) Set(hashedToken string, verdict Verdict) {
	if c == nil || c.cache == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Add(hashedToken, &cachedVerdict{
		verdict:  verdict,
		cachedAt: time.Now().UTC(),
	})
}

// Invalidate removes a token hash from the cache.
func (c *Cache) Invalidate(hashedToken string) {
	if c == nil || c.cache == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Remove(hashedToken)
}
