package signals

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"flocksync/pkg/models"
	"flocksync/pkg/realtime"
	"flocksync/pkg/store"
)

// Reactions tracks emoji reactions for one conversation's messages.
// Toggle consults local state first: a cached matching row means delete,
// otherwise insert. The live-event path suppresses duplicates by row id,
// so an insert racing its own remote echo converges to one row.
type Reactions struct {
	st     store.Store
	selfID string

	mu   sync.Mutex
	rows map[string]models.Reaction // by row id

	now func() time.Time
}

func NewReactions(st store.Store, selfID string) *Reactions {
	return &Reactions{
		st:     st,
		selfID: selfID,
		rows:   make(map[string]models.Reaction),
		now:    time.Now,
	}
}

// Load seeds the cache for the given messages.
func (r *Reactions) Load(ctx context.Context, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	rows, err := r.st.Select(ctx, models.TableReactions, store.Query{
		Filters: []store.Filter{store.In("message_id", messageIDs)},
	})
	if err != nil {
		return err
	}
	r.mu.Lock()
	for _, rec := range models.DecodeRows[models.Reaction](rows) {
		r.rows[rec.ID] = rec
	}
	r.mu.Unlock()
	return nil
}

// Toggle removes this user's (message, emoji) reaction if one is cached,
// else inserts a fresh row with a client-generated id.
func (r *Reactions) Toggle(ctx context.Context, messageID, emoji string) error {
	r.mu.Lock()
	var existing *models.Reaction
	for _, rec := range r.rows {
		if rec.MessageID == messageID && rec.UserID == r.selfID && rec.Emoji == emoji {
			e := rec
			existing = &e
			break
		}
	}
	r.mu.Unlock()

	if existing != nil {
		if err := r.st.Delete(ctx, models.TableReactions, []store.Filter{store.Eq("id", existing.ID)}); err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("reaction delete: %w", err)
		}
		r.mu.Lock()
		delete(r.rows, existing.ID)
		r.mu.Unlock()
		return nil
	}

	rec := models.Reaction{
		ID:        uuid.NewString(),
		MessageID: messageID,
		UserID:    r.selfID,
		Emoji:     emoji,
		CreatedAt: r.now().UTC(),
	}
	payload, err := models.EncodeRow(rec)
	if err != nil {
		return err
	}
	// cache before the echo can arrive; apply() dedups by id
	r.mu.Lock()
	r.rows[rec.ID] = rec
	r.mu.Unlock()

	if _, err := r.st.Insert(ctx, models.TableReactions, payload); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// a concurrent identical toggle already landed; the echo
			// will carry the surviving row
			return nil
		}
		r.mu.Lock()
		delete(r.rows, rec.ID)
		r.mu.Unlock()
		return fmt.Errorf("reaction insert: %w", err)
	}
	return nil
}

// ForMessage returns cached reactions for one message.
func (r *Reactions) ForMessage(messageID string) []models.Reaction {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Reaction
	for _, rec := range r.rows {
		if rec.MessageID == messageID {
			out = append(out, rec)
		}
	}
	return out
}

// Has reports whether this user has the given reaction cached.
func (r *Reactions) Has(messageID, emoji string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.rows {
		if rec.MessageID == messageID && rec.UserID == r.selfID && rec.Emoji == emoji {
			return true
		}
	}
	return false
}

// Bind subscribes the cache to live reaction events, scoped by match.
func (r *Reactions) Bind(d *realtime.Dispatcher, match realtime.Match) func() {
	return d.Subscribe(models.TableReactions, match, realtime.Handlers{
		OnInsert: func(row json.RawMessage) {
			rec, err := models.DecodeRow[models.Reaction](row)
			if err != nil || rec.ID == "" {
				return
			}
			r.mu.Lock()
			// duplicate-suppression by id: our own echoed insert is
			// already cached
			if _, ok := r.rows[rec.ID]; !ok {
				r.rows[rec.ID] = rec
			}
			r.mu.Unlock()
		},
		OnDelete: func(row json.RawMessage) {
			rec, err := models.DecodeRow[models.Reaction](row)
			if err != nil || rec.ID == "" {
				return
			}
			r.mu.Lock()
			delete(r.rows, rec.ID)
			r.mu.Unlock()
		},
	})
}
