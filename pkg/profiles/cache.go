// Package profiles holds the shared identity cache (user id → display
// name, avatar). Message display never blocks on it: callers render with
// what they have and patch in place when the cache notifies them.
package profiles

import (
	"context"
	"fmt"
	"sync"

	"flocksync/pkg/models"
	"flocksync/pkg/store"
	"flocksync/pkg/telemetry"
)

type Cache struct {
	st store.Store

	mu        sync.Mutex
	byID      map[string]models.Profile
	requested map[string]struct{}
	observers map[int]func(userID string)
	nextID    int
}

func NewCache(st store.Store) *Cache {
	return &Cache{
		st:        st,
		byID:      make(map[string]models.Profile),
		requested: make(map[string]struct{}),
		observers: make(map[int]func(string)),
	}
}

// Ensure fetches any profiles not already cached, in one query.
// Observers are notified per newly-arrived profile so on-screen rows can
// patch themselves.
func (c *Cache) Ensure(ctx context.Context, userIDs []string) error {
	c.mu.Lock()
	var missing []string
	for _, id := range userIDs {
		if id == "" {
			continue
		}
		if _, ok := c.requested[id]; !ok {
			c.requested[id] = struct{}{}
			missing = append(missing, id)
		}
	}
	c.mu.Unlock()
	if len(missing) == 0 {
		return nil
	}

	rows, err := c.st.Select(ctx, models.TableProfiles, store.Query{
		Filters: []store.Filter{store.In("id", missing)},
	})
	if err != nil {
		return fmt.Errorf("profile fetch: %w", err)
	}
	profs := models.DecodeRows[models.Profile](rows)

	c.mu.Lock()
	for _, p := range profs {
		c.byID[p.ID] = p
	}
	size := len(c.byID)
	c.mu.Unlock()
	telemetry.CacheSize.WithLabelValues("profiles").Set(float64(size))

	for _, p := range profs {
		c.notify(p.ID)
	}
	return nil
}

// Get returns a cached profile without blocking.
func (c *Cache) Get(userID string) (models.Profile, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.byID[userID]
	return p, ok
}

// OnChange registers an observer for profile arrivals and updates.
func (c *Cache) OnChange(fn func(userID string)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.observers[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.observers, id)
		c.mu.Unlock()
	}
}

func (c *Cache) notify(userID string) {
	c.mu.Lock()
	fns := make([]func(string), 0, len(c.observers))
	for _, fn := range c.observers {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(userID)
	}
}

// Size reports cached profiles (ops endpoint).
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byID)
}
