package models

import "time"

// Conversation kinds.
const (
	KindDirect  = "direct"
	KindGroup   = "group"
	KindChannel = "channel"
)

// Participant roles.
const (
	RoleAdmin  = "admin"
	RoleMember = "member"
)

type Conversation struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Name      string    `json:"name,omitempty"`
	Starred   bool      `json:"starred,omitempty"`
	Archived  bool      `json:"archived,omitempty"`
	Muted     bool      `json:"muted,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Derived view state, never written back to the store.
	Participants []Participant `json:"-"`
	LastMessage  *Message      `json:"-"`
	// Unread is approximate: it compares only the newest message's
	// timestamp to the reader's last_read_at watermark, so a burst of
	// unread messages counts the same as one. An exact count would need
	// a maintained counter or a count query per conversation.
	Unread bool `json:"-"`
}

// DisplayName resolves the name shown for the conversation. Direct
// conversations take the counterpart's profile name.
func (c *Conversation) DisplayName(selfID string, profiles func(string) (Profile, bool)) string {
	if c.Kind != KindDirect {
		return c.Name
	}
	for _, p := range c.Participants {
		if p.UserID == selfID {
			continue
		}
		if prof, ok := profiles(p.UserID); ok && prof.DisplayName != "" {
			return prof.DisplayName
		}
		return p.UserID
	}
	return c.Name
}

// Counterpart returns the other user of a direct conversation, or "".
func (c *Conversation) Counterpart(selfID string) string {
	if c.Kind != KindDirect {
		return ""
	}
	for _, p := range c.Participants {
		if p.UserID != selfID {
			return p.UserID
		}
	}
	return ""
}

// A (conversation, user) pair appears at most once.
type Participant struct {
	ConversationID string     `json:"conversation_id"`
	UserID         string     `json:"user_id"`
	Role           string     `json:"role"`
	LastReadAt     *time.Time `json:"last_read_at,omitempty"`
	Muted          bool       `json:"muted,omitempty"`
}
