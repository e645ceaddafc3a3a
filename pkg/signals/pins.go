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

// Pins tracks pinned messages for one conversation, mirroring the
// reaction toggle pattern: local state decides insert vs delete, the
// live path dedups by row id. Unpin is gated to admins above this layer;
// the store remains the real enforcement boundary.
type Pins struct {
	st             store.Store
	selfID         string
	conversationID string

	mu   sync.Mutex
	rows map[string]models.PinnedMessage // by message id

	now func() time.Time
}

func NewPins(st store.Store, selfID, conversationID string) *Pins {
	return &Pins{
		st:             st,
		selfID:         selfID,
		conversationID: conversationID,
		rows:           make(map[string]models.PinnedMessage),
		now:            time.Now,
	}
}

// Load seeds the pin cache for the conversation.
func (p *Pins) Load(ctx context.Context) error {
	rows, err := p.st.Select(ctx, models.TablePins, store.Query{
		Filters: []store.Filter{store.Eq("conversation_id", p.conversationID)},
	})
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.rows = make(map[string]models.PinnedMessage, len(rows))
	for _, pin := range models.DecodeRows[models.PinnedMessage](rows) {
		p.rows[pin.MessageID] = pin
	}
	p.mu.Unlock()
	return nil
}

// TogglePin pins the message if unpinned, unpins it if pinned.
func (p *Pins) TogglePin(ctx context.Context, messageID string) error {
	p.mu.Lock()
	existing, pinned := p.rows[messageID]
	p.mu.Unlock()

	if pinned {
		err := p.st.Delete(ctx, models.TablePins, []store.Filter{store.Eq("id", existing.ID)})
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("unpin: %w", err)
		}
		p.mu.Lock()
		delete(p.rows, messageID)
		p.mu.Unlock()
		return nil
	}

	pin := models.PinnedMessage{
		ID:             uuid.NewString(),
		ConversationID: p.conversationID,
		MessageID:      messageID,
		PinnedBy:       p.selfID,
		PinnedAt:       p.now().UTC(),
	}
	payload, err := models.EncodeRow(pin)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.rows[messageID] = pin
	p.mu.Unlock()

	if _, err := p.st.Insert(ctx, models.TablePins, payload); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil
		}
		p.mu.Lock()
		delete(p.rows, messageID)
		p.mu.Unlock()
		return fmt.Errorf("pin: %w", err)
	}
	return nil
}

// Pinned reports whether a message is pinned.
func (p *Pins) Pinned(messageID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.rows[messageID]
	return ok
}

// All returns the cached pins.
func (p *Pins) All() []models.PinnedMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.PinnedMessage, 0, len(p.rows))
	for _, pin := range p.rows {
		out = append(out, pin)
	}
	return out
}

// Bind subscribes the pin cache to this conversation's events.
func (p *Pins) Bind(d *realtime.Dispatcher) func() {
	match := realtime.MatchEq("conversation_id", p.conversationID)
	return d.Subscribe(models.TablePins, match, realtime.Handlers{
		OnInsert: func(row json.RawMessage) {
			pin, err := models.DecodeRow[models.PinnedMessage](row)
			if err != nil || pin.MessageID == "" {
				return
			}
			p.mu.Lock()
			if cur, ok := p.rows[pin.MessageID]; !ok || cur.ID != pin.ID {
				p.rows[pin.MessageID] = pin
			}
			p.mu.Unlock()
		},
		OnDelete: func(row json.RawMessage) {
			pin, err := models.DecodeRow[models.PinnedMessage](row)
			if err != nil || pin.MessageID == "" {
				return
			}
			p.mu.Lock()
			delete(p.rows, pin.MessageID)
			p.mu.Unlock()
		},
	})
}
