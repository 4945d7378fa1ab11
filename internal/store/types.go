package store

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/openlumo/lumo-proxy/internal/upstream"
)

// MessageStatus tracks the lifecycle of a stored message.
type MessageStatus string

const (
	StatusSucceeded  MessageStatus = "succeeded"
	StatusFailed     MessageStatus = "failed"
	StatusGenerating MessageStatus = "generating"
)

// DefaultTitle is the sentinel a new conversation starts with. The
// pipeline requests a server-generated title exactly once, while the
// title still equals this value.
const DefaultTitle = "New Conversation"

// Message is a single stored conversation entry. Messages are
// append-only and never mutated after creation.
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversationId"`
	ParentID       string        `json:"parentId,omitempty"`
	CreatedAt      int64         `json:"createdAt"`
	Role           upstream.Role `json:"role"`
	Status         MessageStatus `json:"status"`
	Content        string        `json:"content"`
	ToolCall       string        `json:"toolCall,omitempty"`
	ToolResult     string        `json:"toolResult,omitempty"`
	SemanticID     string        `json:"semanticId"`
}

// Conversation groups an ordered message history with sync state.
type Conversation struct {
	ID           string     `json:"id"`
	SpaceID      string     `json:"spaceId,omitempty"`
	CreatedAt    int64      `json:"createdAt"`
	UpdatedAt    int64      `json:"updatedAt"`
	Title        string     `json:"title"`
	Starred      bool       `json:"starred"`
	Generating   bool       `json:"generating"`
	Messages     []*Message `json:"messages"`
	Dirty        bool       `json:"dirty"`
	LastSyncedAt int64      `json:"lastSyncedAt,omitempty"`
}

// Incoming is a client-supplied message before it enters the store.
// ID, when set, is a caller-provided identifier (an OpenAI
// tool_call_id) and becomes the semantic id verbatim.
type Incoming struct {
	ID      string
	Role    upstream.Role
	Content string
}

// SemanticID returns the deduplication fingerprint for the record.
func (m Incoming) SemanticID() string {
	if m.ID != "" {
		return m.ID
	}
	return hash16(m.Role, m.Content)
}

// hash16 is the first 16 hex characters of SHA256(role || NUL || content).
func hash16(role upstream.Role, content string) string {
	h := sha256.New()
	h.Write([]byte(role))
	h.Write([]byte{0})
	h.Write([]byte(content))
	return hex.EncodeToString(h.Sum(nil))[:16]
}
