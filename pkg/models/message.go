package models

import "time"

type Attachment struct {
	ID   string `json:"id,omitempty"`
	Kind string `json:"kind,omitempty"`
	URL  string `json:"url"`
	Name string `json:"name,omitempty"`
	Size int64  `json:"size,omitempty"`
}

type Message struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversation_id"`
	SenderID       string       `json:"sender_id"`
	Body           string       `json:"body,omitempty"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	ReplyTo        string       `json:"reply_to,omitempty"`
	ForwardedFrom  string       `json:"forwarded_from,omitempty"`
	EditedAt       *time.Time   `json:"edited_at,omitempty"`
	// DeletedAt marks a soft delete; the row stays so references keep
	// resolving, the visible window drops it.
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	// CorrelationID is a client-generated id echoed back by the store;
	// it matches an optimistic provisional message to its confirmed row.
	CorrelationID string `json:"correlation_id,omitempty"`

	// Provisional is local-only: true while the message exists only as
	// an optimistic echo awaiting store confirmation.
	Provisional bool `json:"-"`
}

// Deleted reports whether the message is soft-deleted.
func (m *Message) Deleted() bool { return m.DeletedAt != nil }

// Before reports display order: created_at ascending, ties broken by id.
func (m *Message) Before(o *Message) bool {
	if m.CreatedAt.Equal(o.CreatedAt) {
		return m.ID < o.ID
	}
	return m.CreatedAt.Before(o.CreatedAt)
}

// Matches reports whether other is the authoritative counterpart of m,
// either by plain identity or by the optimistic correlation id.
func (m *Message) Matches(o *Message) bool {
	if m.ID != "" && m.ID == o.ID {
		return true
	}
	return m.CorrelationID != "" && m.CorrelationID == o.CorrelationID
}
