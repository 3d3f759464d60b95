package models

// ConversationKind distinguishes direct (immutable participant set)
// from group (append-only participant set) conversations.
type ConversationKind string

const (
	KindDirect ConversationKind = "direct"
	KindGroup  ConversationKind = "group"
)

type Conversation struct {
	ID   string           `json:"id"`
	Kind ConversationKind `json:"kind"`
	// ParticipantIDs is a set; immutable for direct conversations,
	// append-only for groups.
	ParticipantIDs []string `json:"participant_ids"`
	// LastMessage is denormalized so conversation lists render without
	// a message scan.
	LastMessage *LastMessageSnapshot `json:"last_message,omitempty"`
	// LastSyncedTS is the resume watermark for bounded resync (ns).
	LastSyncedTS int64 `json:"last_synced_ts,omitempty"`
	// Unread is a derived count maintained on merge for list badges.
	Unread int `json:"unread,omitempty"`
	// Created timestamp (ns)
	CreatedTS int64 `json:"created_ts,omitempty"`
	// Updated timestamp (ns) - last time metadata or activity changed
	UpdatedTS int64 `json:"updated_ts,omitempty"`
}

// LastMessageSnapshot is the denormalized tail of a conversation.
type LastMessageSnapshot struct {
	Body     string `json:"body"`
	TS       int64  `json:"ts"`
	Priority string `json:"priority,omitempty"`
	SenderID string `json:"sender_id,omitempty"`
}

// HasParticipant reports membership in the participant set.
func (c *Conversation) HasParticipant(userID string) bool {
	for _, p := range c.ParticipantIDs {
		if p == userID {
			return true
		}
	}
	return false
}

// AddParticipant appends a participant; no-op for duplicates and for
// direct conversations, whose membership is fixed at creation.
func (c *Conversation) AddParticipant(userID string) bool {
	if c.Kind == KindDirect || c.HasParticipant(userID) {
		return false
	}
	c.ParticipantIDs = append(c.ParticipantIDs, userID)
	return true
}

// TypingState is an ephemeral typing signal; it is never persisted
// across restarts. Readers must treat entries past ExpiresAt as absent
// even before the sweeper removes them.
type TypingState struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	ExpiresAt      int64  `json:"expires_at"`
}
