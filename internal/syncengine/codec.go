package syncengine

import (
	"encoding/json"
	"fmt"

	"github.com/openlumo/lumo-proxy/internal/crypto"
	"github.com/openlumo/lumo-proxy/internal/store"
	"github.com/openlumo/lumo-proxy/internal/upstream"
)

// Associated data binds each ciphertext to its entity id. A mismatch
// at decryption time is a hard failure for that entity, never a
// silent success.
func conversationAD(conversationID string) string {
	return "lumo.conversation." + conversationID
}

func messageAD(messageID string) string {
	return "lumo.message." + messageID
}

// conversationPayload is the plaintext pushed for a conversation.
type conversationPayload struct {
	Title   string `json:"title"`
	Starred bool   `json:"starred"`
}

// messagePayload is the plaintext pushed for a message. SemanticID
// travels with the body: recomputing it from role and content on pull
// would lose tool_call_id identities and break continuation matching.
type messagePayload struct {
	Role       upstream.Role       `json:"role"`
	Status     store.MessageStatus `json:"status"`
	Content    string              `json:"content"`
	ToolCall   string              `json:"toolCall,omitempty"`
	ToolResult string              `json:"toolResult,omitempty"`
	ParentID   string              `json:"parentId,omitempty"`
	SemanticID string              `json:"semanticId,omitempty"`
	CreatedAt  int64               `json:"createdAt"`
}

// encryptConversation seals the conversation metadata under the DEK.
func encryptConversation(dek []byte, conv *store.Conversation) (string, error) {
	plain, err := json.Marshal(conversationPayload{Title: conv.Title, Starred: conv.Starred})
	if err != nil {
		return "", fmt.Errorf("failed to marshal conversation payload: %w", err)
	}
	return crypto.SealString(dek, string(plain), conversationAD(conv.ID))
}

// decryptConversation opens a pulled conversation blob.
func decryptConversation(dek []byte, conversationID, blob string) (*conversationPayload, error) {
	plain, err := crypto.OpenString(dek, blob, conversationAD(conversationID))
	if err != nil {
		return nil, err
	}
	var payload conversationPayload
	if err := json.Unmarshal([]byte(plain), &payload); err != nil {
		return nil, fmt.Errorf("conversation payload corrupted: %w", err)
	}
	return &payload, nil
}

// encryptMessage seals one message body under the DEK.
func encryptMessage(dek []byte, msg *store.Message) (string, error) {
	plain, err := json.Marshal(messagePayload{
		Role:       msg.Role,
		Status:     msg.Status,
		Content:    msg.Content,
		ToolCall:   msg.ToolCall,
		ToolResult: msg.ToolResult,
		ParentID:   msg.ParentID,
		SemanticID: msg.SemanticID,
		CreatedAt:  msg.CreatedAt,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal message payload: %w", err)
	}
	return crypto.SealString(dek, string(plain), messageAD(msg.ID))
}

// decryptMessage opens a pulled message blob.
func decryptMessage(dek []byte, messageID, blob string) (*messagePayload, error) {
	plain, err := crypto.OpenString(dek, blob, messageAD(messageID))
	if err != nil {
		return nil, err
	}
	var payload messagePayload
	if err := json.Unmarshal([]byte(plain), &payload); err != nil {
		return nil, fmt.Errorf("message payload corrupted: %w", err)
	}
	return &payload, nil
}
