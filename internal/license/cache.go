package license

import (
	"sync"
	"time"
)

// cacheEntry is a cached validation verdict.
type cacheEntry struct {
	Status    Status
	CachedAt  time.Time
	ExpiresAt time.Time
	HitCount  int
}

// ValidationCache keeps recent validation verdicts so that repeated startup
// checks from the GUI do not trigger repeated remote calls. A remote
// "revoked" verdict invalidates the entry immediately.
type ValidationCache struct {
	entries   map[string]cacheEntry
	mutex     sync.Mutex
	ttl       time.Duration
	maxSize   int
	hitCount  int64
	missCount int64
	stopChan  chan struct{}
	stopOnce  sync.Once
}

// NewValidationCache creates a cache with the given TTL and size bound.
func NewValidationCache(ttl time.Duration, maxSize int) *ValidationCache {
	cache := &ValidationCache{
		entries:  make(map[string]cacheEntry),
		ttl:      ttl,
		maxSize:  maxSize,
		stopChan: make(chan struct{}),
	}

	go cache.cleanup()

	return cache
}

// Get retrieves a cached verdict.
func (c *ValidationCache) Get(licenseKey string) (Status, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	entry, exists := c.entries[licenseKey]
	if !exists || time.Now().After(entry.ExpiresAt) {
		c.missCount++
		return Status{}, false
	}

	entry.HitCount++
	c.entries[licenseKey] = entry
	c.hitCount++

	return entry.Status, true
}

// Set stores a verdict.
func (c *ValidationCache) Set(licenseKey string, status Status) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.maxSize <= 0 {
		return
	}

	if len(c.entries) >= c.maxSize {
		c.evictOldest()
	}

	c.entries[licenseKey] = cacheEntry{
		Status:    status,
		CachedAt:  time.Now(),
		ExpiresAt: time.Now().Add(c.ttl),
	}
}

// Invalidate removes a verdict.
func (c *ValidationCache) Invalidate(licenseKey string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	delete(c.entries, licenseKey)
}

// Stats returns cache statistics.
func (c *ValidationCache) Stats() map[string]interface{} {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	totalRequests := c.hitCount + c.missCount
	hitRatio := float64(0)
	if totalRequests > 0 {
		hitRatio = float64(c.hitCount) / float64(totalRequests)
	}

	return map[string]interface{}{
		"entries":     len(c.entries),
		"max_size":    c.maxSize,
		"hit_count":   c.hitCount,
		"miss_count":  c.missCount,
		"hit_ratio":   hitRatio,
		"ttl_seconds": c.ttl.Seconds(),
	}
}

func (c *ValidationCache) evictOldest() {
	var oldestKey string
	var oldestTime time.Time

	for key, entry := range c.entries {
		if oldestKey == "" || entry.CachedAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.CachedAt
		}
	}

	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

// Stop terminates the cleanup goroutine.
func (c *ValidationCache) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopChan)
	})
}

func (c *ValidationCache) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mutex.Lock()
			now := time.Now()
			for key, entry := range c.entries {
				if now.After(entry.ExpiresAt) {
					delete(c.entries, key)
				}
			}
			c.mutex.Unlock()
		case <-c.stopChan:
			return
		}
	}
}
