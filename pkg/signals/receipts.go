package signals

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"flocksync/pkg/logger"
	"flocksync/pkg/models"
	"flocksync/pkg/realtime"
	"flocksync/pkg/store"
)

// Receipts tracks read receipts for the messages of one conversation's
// window. Writes are idempotent upserts per (message, user); conflicts
// from double-marking are swallowed.
type Receipts struct {
	st     store.Store
	selfID string

	mu sync.Mutex
	// byMessage[messageID][userID] -> receipt
	byMessage map[string]map[string]models.ReadReceipt

	now func() time.Time
}

func NewReceipts(st store.Store, selfID string) *Receipts {
	return &Receipts{
		st:        st,
		selfID:    selfID,
		byMessage: make(map[string]map[string]models.ReadReceipt),
		now:       time.Now,
	}
}

// MarkRead upserts a receipt per message id. Individual failures are
// logged and skipped; marking read is never worth surfacing an error.
func (r *Receipts) MarkRead(ctx context.Context, messageIDs []string) {
	ts := r.now().UTC()
	for _, id := range messageIDs {
		rec := models.ReadReceipt{MessageID: id, UserID: r.selfID, ReadAt: ts}
		payload, err := models.EncodeRow(rec)
		if err != nil {
			continue
		}
		if _, err := r.st.Upsert(ctx, models.TableReadReceipts, payload); err != nil {
			logger.Warn("receipt_upsert_failed", "message", id, "error", err)
			continue
		}
		r.apply(rec)
	}
}

// Load bulk-fetches receipts for the given messages.
func (r *Receipts) Load(ctx context.Context, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	rows, err := r.st.Select(ctx, models.TableReadReceipts, store.Query{
		Filters: []store.Filter{store.In("message_id", messageIDs)},
	})
	if err != nil {
		return err
	}
	for _, rec := range models.DecodeRows[models.ReadReceipt](rows) {
		r.apply(rec)
	}
	return nil
}

func (r *Receipts) apply(rec models.ReadReceipt) {
	r.mu.Lock()
	m, ok := r.byMessage[rec.MessageID]
	if !ok {
		m = make(map[string]models.ReadReceipt)
		r.byMessage[rec.MessageID] = m
	}
	m[rec.UserID] = rec
	r.mu.Unlock()
}

// IsReadByOther reports whether anyone besides the sender has a receipt
// for the message. The sender's own receipt never counts.
func (r *Receipts) IsReadByOther(messageID, senderID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for userID := range r.byMessage[messageID] {
		if userID != senderID {
			return true
		}
	}
	return false
}

// Readers returns the user ids with a receipt for the message.
func (r *Receipts) Readers(messageID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.byMessage[messageID]))
	for userID := range r.byMessage[messageID] {
		out = append(out, userID)
	}
	return out
}

// Bind subscribes the receipt cache to live events, scoped by match
// (typically: message ids present in the open window).
func (r *Receipts) Bind(d *realtime.Dispatcher, match realtime.Match) func() {
	apply := func(row json.RawMessage) {
		rec, err := models.DecodeRow[models.ReadReceipt](row)
		if err != nil || rec.MessageID == "" {
			return
		}
		r.apply(rec)
	}
	return d.Subscribe(models.TableReadReceipts, match, realtime.Handlers{
		OnInsert: apply,
		OnUpdate: apply,
	})
}
