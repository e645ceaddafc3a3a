package models

import "time"

// TypingSignal: at most one live row per (conversation, user); the row
// expires if not refreshed within the typing refresh window.
type TypingSignal struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	StartedAt      time.Time `json:"started_at"`
}

// ReadReceipt: a sender's own receipt never counts toward "read by
// someone else".
type ReadReceipt struct {
	MessageID string    `json:"message_id"`
	UserID    string    `json:"user_id"`
	ReadAt    time.Time `json:"read_at"`
}

// Reaction: at most one row per (message, user, emoji); toggling removes
// if present, inserts if absent.
type Reaction struct {
	ID        string    `json:"id"`
	MessageID string    `json:"message_id"`
	UserID    string    `json:"user_id"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"created_at"`
}

// PinnedMessage: at most one row per (conversation, message).
type PinnedMessage struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id"`
	PinnedBy       string    `json:"pinned_by"`
	PinnedAt       time.Time `json:"pinned_at"`
}

// Notification rows are written best-effort after a send and cleared when
// the recipient opens the conversation. Failures here never fail a send.
type Notification struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id"`
	CreatedAt      time.Time `json:"created_at"`
}
