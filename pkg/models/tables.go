package models

// Table names in the remote store. The core consumes these and nothing
// else; administrative tables (rosters, scheduling, kids ministry) are
// other modules' business.
const (
	TableConversations = "conversations"
	TableParticipants  = "conversation_participants"
	TableMessages      = "messages"
	TablePresence      = "user_presence"
	TableTyping        = "typing_status"
	TableReactions     = "message_reactions"
	TableReadReceipts  = "message_read_receipts"
	TablePins          = "pinned_messages"
	TableProfiles      = "profiles"
	TableNotifications = "notifications"
)
