package hub

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/ashureev/agent-hub/internal/domain"
)

// Frame type strings. One JSON object per WebSocket text frame.
const (
	FrameSendMessage           = "send_message"
	FrameSubscribe             = "subscribe"
	FrameSubscribeConversation = "subscribe_conversation"
	FrameUnsubscribe           = "unsubscribe"
	FrameGetOnlineUsers        = "get_online_users"
	FrameListOnlineAIs         = "list_online_ais"
	FrameWhoAmI                = "who_am_i"
	FrameBrainStatePut         = "brain_state_put"
	FrameBrainStateGet         = "brain_state_get"
	FrameLivenessAck           = "liveness_ack"
	FrameHeartbeat             = "heartbeat"
	FrameCreateConversation    = "create_conversation"
	FrameListConversations     = "list_conversations"
	FrameGetMessages           = "get_messages"
	FrameShareInsight          = "share_insight"

	FrameConnected           = "connected"
	FrameError               = "error"
	FrameMessageSent         = "message_sent"
	FrameSubscribed          = "subscribed"
	FrameUnsubscribed        = "unsubscribed"
	FrameOnlineUsers         = "online_users"
	FrameIdentity            = "identity"
	FrameBrainState          = "brain_state"
	FrameBrainStateSaved     = "brain_state_saved"
	FrameNewMessage          = "new_message"
	FrameLivenessChallenge   = "liveness_challenge"
	FrameSleeping            = "sleeping"
	FrameConversationCreated = "conversation_created"
	FrameConversations       = "conversations"
	FrameMessages            = "messages"
	FrameInsightShared       = "insight_shared"
)

// Request is the decoded shape of every post-auth inbound frame. Fields
// are a union across frame types; the dispatcher reads only the ones
// its type requires.
type Request struct {
	Type           string         `json:"type"`
	RequestID      string         `json:"request_id,omitempty"`
	ConversationID int64          `json:"conversation_id,omitempty"`
	MessageType    string         `json:"message_type,omitempty"`
	Content        string         `json:"content,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Title          string         `json:"title,omitempty"`
	Project        string         `json:"project,omitempty"`
	SinceID        int64          `json:"since_id,omitempty"`
	Limit          int            `json:"limit,omitempty"`
	CurrentTask    string         `json:"current_task,omitempty"`
	LastThought    string         `json:"last_thought,omitempty"`
	LastInsight    string         `json:"last_insight,omitempty"`
	CycleCount     int64          `json:"cycle_count,omitempty"`
	Progress       map[string]any `json:"progress,omitempty"`
	Tags           []string       `json:"tags,omitempty"`
	ProfileID      int64          `json:"profile_id,omitempty"`

	// AIID is set only on (duplicate) auth frames.
	AIID *int64 `json:"ai_id,omitempty"`
}

// OnlineUser is the registry projection returned by get_online_users.
type OnlineUser struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	SessionID string `json:"session_id"`
	Expertise string `json:"expertise,omitempty"`
	Project   string `json:"project,omitempty"`
}

// NewMessageEvent is the frame pushed by the relay to subscribers.
type NewMessageEvent struct {
	Type           string         `json:"type"`
	ID             int64          `json:"id"`
	ConversationID int64          `json:"conversation_id"`
	SenderID       int64          `json:"sender_id"`
	SenderName     string         `json:"sender_name"`
	MessageType    string         `json:"message_type"`
	Content        string         `json:"content"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// marshalFrame serializes a frame, which must not fail for the shapes
// built in this package.
func marshalFrame(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("Failed to marshal frame", "error", err)
		return []byte(`{"type":"error","error":"Internal"}`)
	}
	return data
}

// errorFrame builds the wire error envelope for err.
func errorFrame(requestID string, err error) []byte {
	env := map[string]any{
		"type":  FrameError,
		"error": string(domain.CodeOf(err)),
	}
	if detail := domain.DetailOf(err); detail != "" {
		env["detail"] = detail
	}
	if requestID != "" {
		env["request_id"] = requestID
	}
	return marshalFrame(env)
}
