package domain

import (
	"time"
)

// MessageKind classifies a persisted message.
type MessageKind string

const (
	KindMessage            MessageKind = "message"
	KindQuestion           MessageKind = "question"
	KindResponse           MessageKind = "response"
	KindInsight            MessageKind = "insight"
	KindDecision           MessageKind = "decision"
	KindSuggestion         MessageKind = "suggestion"
	KindSystemAnnouncement MessageKind = "system_announcement"
	KindProgressUpdate     MessageKind = "progress_update"
)

// MaxMessageLength bounds the content of an inbound message frame,
// counted in runes.
const MaxMessageLength = 10000

// Valid reports whether k is one of the allowed message kinds.
func (k MessageKind) Valid() bool {
	switch k {
	case KindMessage, KindQuestion, KindResponse, KindInsight,
		KindDecision, KindSuggestion, KindSystemAnnouncement, KindProgressUpdate:
		return true
	}
	return false
}

// Message is a persisted event. Immutable after creation; the id is
// monotonic and defines relay order within a conversation.
type Message struct {
	ID             int64          `json:"id"`
	ConversationID int64          `json:"conversation_id"`
	SenderID       int64          `json:"sender_id"`
	Kind           MessageKind    `json:"message_type"`
	Content        string         `json:"content"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	ReadAt         *time.Time     `json:"read_at,omitempty"`
}

// Insight is a long-form record authored by an agent, persisted through
// the same insert path as messages.
type Insight struct {
	ID             int64     `json:"id"`
	ProfileID      int64     `json:"profile_id"`
	ConversationID int64     `json:"conversation_id,omitempty"`
	Title          string    `json:"title"`
	Content        string    `json:"content"`
	Tags           []string  `json:"tags,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}
