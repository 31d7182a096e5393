package pim

import (
	"sync"
	"time"
)

// cacheTTL is how long a role scan stays fresh. Scans fan out across every
// subscription, so they are expensive enough to cache.
const cacheTTL = time.Hour

// Cache holds the last eligible-role scan with a TTL. Safe for concurrent
// use.
type Cache struct {
	mu       sync.Mutex
	roles    []EligibleRole
	cachedAt time.Time
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{}
}

// EligibleRoles returns the cached roles if still fresh.
func (c *Cache) EligibleRoles() ([]EligibleRole, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.roles == nil || time.Since(c.cachedAt) >= cacheTTL {
		return nil, false
	}
	return c.roles, true
}

// SetEligibleRoles stores a fresh scan result.
func (c *Cache) SetEligibleRoles(roles []EligibleRole) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if roles == nil {
		roles = []EligibleRole{}
	}
	c.roles = roles
	c.cachedAt = time.Now()
}

// CachedAt returns when the cache was last filled.
func (c *Cache) CachedAt() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.roles == nil {
		return time.Time{}, false
	}
	return c.cachedAt, true
}

// Invalidate drops the cached scan.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roles = nil
	c.cachedAt = time.Time{}
}

// NeedsRefresh reports whether the next read would miss.
func (c *Cache) NeedsRefresh() bool {
	_, ok := c.EligibleRoles()
	return !ok
}
