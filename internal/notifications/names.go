package notifications

import (
	"context"
	"sync"
	"time"

	"lectern/internal/repository"
)

type nameEntry struct {
	name    string
	expires time.Time
}

// NameCache keeps display names for typing broadcasts for a short TTL.
type NameCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]nameEntry
	users   repository.UserRepository
	now     func() time.Time
}

// NewNameCache creates a cache backed by the user repository.
func NewNameCache(users repository.UserRepository, ttl time.Duration) *NameCache {
	return &NameCache{ttl: ttl, entries: make(map[string]nameEntry), users: users, now: time.Now}
}

// SetClock replaces the time source.
func (c *NameCache) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

// Get returns the user's display name, falling back to the id. Lookup
// failures are not cached.
func (c *NameCache) Get(ctx context.Context, userID string) string {
	c.mu.Lock()
	if e, ok := c.entries[userID]; ok && c.now().Before(e.expires) {
		c.mu.Unlock()
		return e.name
	}
	c.mu.Unlock()

	u, err := c.users.GetByID(ctx, userID)
	if err != nil || u == nil || u.DisplayName == "" {
		return userID
	}

	c.mu.Lock()
	c.entries[userID] = nameEntry{name: u.DisplayName, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
	return u.DisplayName
}

// Forget drops a cached name.
func (c *NameCache) Forget(userID string) {
	c.mu.Lock()
	delete(c.entries, userID)
	c.mu.Unlock()
}
