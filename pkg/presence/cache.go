package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"flocksync/pkg/logger"
	"flocksync/pkg/models"
	"flocksync/pkg/realtime"
	"flocksync/pkg/store"
	"flocksync/pkg/telemetry"
)

// Cache is the process-wide map of user presence. It is populated by
// bulk fetches for requested users and kept live by the change feed;
// observers subscribe to change notifications instead of polling the
// store. One instance per client session, passed by reference.
type Cache struct {
	st store.Store
	th Thresholds

	mu        sync.Mutex
	records   map[string]models.PresenceRecord
	requested map[string]struct{}
	observers map[int]func(userID string)
	nextID    int

	now func() time.Time
}

func NewCache(st store.Store, th Thresholds) *Cache {
	return &Cache{
		st:        st,
		th:        th,
		records:   make(map[string]models.PresenceRecord),
		requested: make(map[string]struct{}),
		observers: make(map[int]func(string)),
		now:       time.Now,
	}
}

// Ensure bulk-fetches presence for any of userIDs not already tracked.
// Already-tracked users cost nothing; the feed keeps them current.
func (c *Cache) Ensure(ctx context.Context, userIDs []string) error {
	c.mu.Lock()
	var missing []string
	for _, id := range userIDs {
		if _, ok := c.requested[id]; !ok {
			c.requested[id] = struct{}{}
			missing = append(missing, id)
		}
	}
	c.mu.Unlock()
	if len(missing) == 0 {
		return nil
	}

	rows, err := c.st.Select(ctx, models.TablePresence, store.Query{
		Filters: []store.Filter{store.In("user_id", missing)},
	})
	if err != nil {
		return fmt.Errorf("presence fetch: %w", err)
	}
	recs := models.DecodeRows[models.PresenceRecord](rows)

	c.mu.Lock()
	for _, r := range recs {
		c.records[r.UserID] = r
	}
	size := len(c.records)
	c.mu.Unlock()
	telemetry.CacheSize.WithLabelValues("presence").Set(float64(size))

	for _, r := range recs {
		c.notify(r.UserID)
	}
	return nil
}

// Get returns the effective status for a user, derived at read time. A
// user never fetched reads as offline.
func (c *Cache) Get(userID string) string {
	c.mu.Lock()
	rec, ok := c.records[userID]
	c.mu.Unlock()
	if !ok {
		return models.StatusOffline
	}
	return EffectiveStatus(rec, c.now(), c.th)
}

// Record returns the raw stored record, if tracked.
func (c *Cache) Record(userID string) (models.PresenceRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[userID]
	return rec, ok
}

// Snapshot returns effective statuses for every tracked user.
func (c *Cache) Snapshot() map[string]string {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.records))
	for id, rec := range c.records {
		out[id] = EffectiveStatus(rec, now, c.th)
	}
	return out
}

// OnChange registers an observer called with the user id whenever a
// tracked record changes. Returns an unregister func.
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

// Size reports tracked users (ops endpoint).
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

// Bind subscribes the cache to presence events on the dispatcher.
func (c *Cache) Bind(d *realtime.Dispatcher) func() {
	return d.Subscribe(models.TablePresence, nil, realtime.Handlers{
		OnInsert: c.applyRow,
		OnUpdate: c.applyRow,
		OnDelete: c.removeRow,
	})
}

func (c *Cache) applyRow(row json.RawMessage) {
	rec, err := models.DecodeRow[models.PresenceRecord](row)
	if err != nil || rec.UserID == "" {
		logger.Warn("presence_event_malformed", "error", err)
		return
	}
	c.mu.Lock()
	// only track users someone asked about; unrelated presence rows on
	// the feed stay out of the cache
	if _, ok := c.requested[rec.UserID]; !ok {
		c.mu.Unlock()
		return
	}
	c.records[rec.UserID] = rec
	c.mu.Unlock()
	c.notify(rec.UserID)
}

func (c *Cache) removeRow(row json.RawMessage) {
	rec, err := models.DecodeRow[models.PresenceRecord](row)
	if err != nil || rec.UserID == "" {
		return
	}
	c.mu.Lock()
	_, had := c.records[rec.UserID]
	delete(c.records, rec.UserID)
	c.mu.Unlock()
	if had {
		c.notify(rec.UserID)
	}
}
