// Package signals implements the small, high-churn TTL-governed
// collections layered on the sync pattern: typing status, read receipts,
// reactions, and pinned messages.
package signals

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"flocksync/pkg/logger"
	"flocksync/pkg/models"
	"flocksync/pkg/realtime"
	"flocksync/pkg/store"
)

// Typing tracks who is typing in one conversation. This client's own
// row is upserted on Touch and auto-deleted after the refresh window of
// local inactivity; other users' rows are read through a staleness
// filter so a missed delete event cannot wedge the indicator.
type Typing struct {
	st             store.Store
	selfID         string
	conversationID string
	refresh        time.Duration
	stale          time.Duration

	mu     sync.Mutex
	rows   map[string]models.TypingSignal
	expiry *time.Timer
	closed bool

	now func() time.Time
}

func NewTyping(st store.Store, selfID, conversationID string, refresh, stale time.Duration) *Typing {
	return &Typing{
		st:             st,
		selfID:         selfID,
		conversationID: conversationID,
		refresh:        refresh,
		stale:          stale,
		rows:           make(map[string]models.TypingSignal),
		now:            time.Now,
	}
}

// Touch publishes (or refreshes) this client's typing row and re-arms
// the local expiry that will delete it after the refresh window.
func (t *Typing) Touch(ctx context.Context) {
	sig := models.TypingSignal{
		ConversationID: t.conversationID,
		UserID:         t.selfID,
		StartedAt:      t.now().UTC(),
	}
	payload, err := models.EncodeRow(sig)
	if err != nil {
		return
	}
	if _, err := t.st.Upsert(ctx, models.TableTyping, payload); err != nil {
		logger.Warn("typing_publish_failed", "conversation", t.conversationID, "error", err)
		return
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	if t.expiry != nil {
		t.expiry.Stop()
	}
	t.expiry = time.AfterFunc(t.refresh, t.expire)
	t.mu.Unlock()
}

func (t *Typing) expire() {
	ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	t.deleteOwn(ctx)
}

// StopTyping deletes this client's typing row immediately (message sent
// or input cleared).
func (t *Typing) StopTyping(ctx context.Context) {
	t.mu.Lock()
	if t.expiry != nil {
		t.expiry.Stop()
		t.expiry = nil
	}
	t.mu.Unlock()
	t.deleteOwn(ctx)
}

func (t *Typing) deleteOwn(ctx context.Context) {
	err := t.st.Delete(ctx, models.TableTyping, []store.Filter{
		store.Eq("conversation_id", t.conversationID),
		store.Eq("user_id", t.selfID),
	})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		logger.Warn("typing_delete_failed", "conversation", t.conversationID, "error", err)
	}
}

// Active returns the users currently typing, excluding self and rows
// older than the staleness window even if their delete event never
// arrived.
func (t *Typing) Active() []string {
	cutoff := t.now().Add(-t.stale)
	t.mu.Lock()
	var out []string
	for id, sig := range t.rows {
		if id == t.selfID {
			continue
		}
		if sig.StartedAt.Before(cutoff) {
			continue
		}
		out = append(out, id)
	}
	t.mu.Unlock()
	sort.Strings(out)
	return out
}

// Load seeds the cache with the conversation's current typing rows.
func (t *Typing) Load(ctx context.Context) error {
	rows, err := t.st.Select(ctx, models.TableTyping, store.Query{
		Filters: []store.Filter{store.Eq("conversation_id", t.conversationID)},
	})
	if err != nil {
		return err
	}
	sigs := models.DecodeRows[models.TypingSignal](rows)
	t.mu.Lock()
	t.rows = make(map[string]models.TypingSignal, len(sigs))
	for _, s := range sigs {
		t.rows[s.UserID] = s
	}
	t.mu.Unlock()
	return nil
}

// Bind subscribes the typing cache to this conversation's events.
func (t *Typing) Bind(d *realtime.Dispatcher) func() {
	match := realtime.MatchEq("conversation_id", t.conversationID)
	apply := func(row json.RawMessage) {
		sig, err := models.DecodeRow[models.TypingSignal](row)
		if err != nil || sig.UserID == "" {
			return
		}
		t.mu.Lock()
		t.rows[sig.UserID] = sig
		t.mu.Unlock()
	}
	remove := func(row json.RawMessage) {
		sig, err := models.DecodeRow[models.TypingSignal](row)
		if err != nil || sig.UserID == "" {
			return
		}
		t.mu.Lock()
		delete(t.rows, sig.UserID)
		t.mu.Unlock()
	}
	return d.Subscribe(models.TableTyping, match, realtime.Handlers{
		OnInsert: apply,
		OnUpdate: apply,
		OnDelete: remove,
	})
}

// Close cancels the expiry timer and best-effort-clears the own row.
func (t *Typing) Close() {
	t.mu.Lock()
	t.closed = true
	if t.expiry != nil {
		t.expiry.Stop()
		t.expiry = nil
	}
	t.mu.Unlock()
	ctx, done := context.WithTimeout(context.Background(), 2*time.Second)
	defer done()
	t.deleteOwn(ctx)
}
