package store

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openlumo/lumo-proxy/internal/logger"
	"github.com/openlumo/lumo-proxy/internal/metrics"
	"github.com/openlumo/lumo-proxy/internal/upstream"
)

// AssistantResponse is the payload appended after an upstream call.
type AssistantResponse struct {
	Content    string
	ToolCall   string
	ToolResult string
}

// DirtyCallback is invoked, outside the store lock, whenever a
// conversation transitions to dirty.
type DirtyCallback func(conversationID string)

// Store holds resident conversations under a single lock with LRU
// eviction. All mutations run through it; callers never hold the lock
// across I/O.
type Store struct {
	mu            sync.Mutex
	conversations map[string]*Conversation
	order         []string // access order, least recent first
	max           int
	onDirty       DirtyCallback
	logger        *logger.Logger
	metrics       *metrics.Metrics
}

// New creates a store bounded to max resident conversations.
func New(max int, log *logger.Logger, m *metrics.Metrics) *Store {
	return &Store{
		conversations: make(map[string]*Conversation),
		max:           max,
		logger:        log.WithComponent("store"),
		metrics:       m,
	}
}

// SetOnDirtyCallback registers the sync engine's dirty notification.
func (s *Store) SetOnDirtyCallback(cb DirtyCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDirty = cb
}

// GetOrCreate returns the conversation, creating it when absent. The
// access touches the LRU order and may evict another conversation.
func (s *Store) GetOrCreate(id string) *Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getOrCreateLocked(id)
}

func (s *Store) getOrCreateLocked(id string) *Conversation {
	if conv, ok := s.conversations[id]; ok {
		s.touchLocked(id)
		return conv
	}

	now := time.Now().UnixMilli()
	conv := &Conversation{
		ID:        id,
		CreatedAt: now,
		UpdatedAt: now,
		Title:     DefaultTitle,
	}
	s.conversations[id] = conv
	s.order = append(s.order, id)
	s.evictLocked()
	s.metrics.ConversationsLoaded.Set(float64(len(s.conversations)))
	return conv
}

// Get returns the conversation without creating it. It still counts
// as an access for eviction purposes.
func (s *Store) Get(id string) (*Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if ok {
		s.touchLocked(id)
	}
	return conv, ok
}

// Title returns the current title, or the default for an unknown id.
func (s *Store) Title(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conv, ok := s.conversations[id]; ok {
		return conv.Title
	}
	return DefaultTitle
}

// AppendMessages appends the deduplicated suffix of incoming to the
// conversation and returns the messages actually appended.
//
// Continuation rule: the stored history should be a semantic-id prefix
// of incoming. Content differences under an equal semantic id are a
// valid continuation (clients rewrite tool outputs between sends but
// keep the tool_call_id). Any other mismatch is logged and counted,
// but the suffix beyond the stored length is still appended; stored
// messages are never rewritten to match the client's copy.
func (s *Store) AppendMessages(id string, incoming []Incoming) []*Message {
	s.mu.Lock()
	conv := s.getOrCreateLocked(id)

	stored := conv.Messages
	s.validateContinuationLocked(conv, incoming)

	var appended []*Message
	if len(incoming) > len(stored) {
		for _, in := range incoming[len(stored):] {
			appended = append(appended, s.appendLocked(conv, in.Role, in.Content, "", "", StatusSucceeded, in.SemanticID()))
		}
	}

	dirty := len(appended) > 0
	if dirty {
		s.markDirtyLocked(conv)
	}
	cb := s.onDirty
	s.mu.Unlock()

	if dirty && cb != nil {
		cb(id)
	}
	return appended
}

func (s *Store) validateContinuationLocked(conv *Conversation, incoming []Incoming) {
	if len(incoming) < len(conv.Messages) {
		s.metrics.InvalidContinuation.Inc()
		s.logger.Warn("client history shorter than stored conversation",
			slog.String("conversation_id", conv.ID),
			slog.Int("stored", len(conv.Messages)),
			slog.Int("incoming", len(incoming)))
		return
	}
	for i, stored := range conv.Messages {
		if incoming[i].SemanticID() != stored.SemanticID {
			s.metrics.InvalidContinuation.Inc()
			s.logger.Warn("invalid continuation, keeping stored history",
				slog.String("conversation_id", conv.ID),
				slog.Int("position", i),
				slog.String("stored_semantic_id", stored.SemanticID),
				slog.String("incoming_semantic_id", incoming[i].SemanticID()))
			return
		}
	}
}

// AppendAssistantResponse records the upstream reply. When semanticID
// is empty it is derived from the content hash.
func (s *Store) AppendAssistantResponse(id string, resp AssistantResponse, status MessageStatus, semanticID string) *Message {
	if status == "" {
		status = StatusSucceeded
	}
	if semanticID == "" {
		semanticID = hash16(upstream.RoleAssistant, resp.Content)
	}

	s.mu.Lock()
	conv := s.getOrCreateLocked(id)
	msg := s.appendLocked(conv, upstream.RoleAssistant, resp.Content, resp.ToolCall, resp.ToolResult, status, semanticID)
	s.markDirtyLocked(conv)
	cb := s.onDirty
	s.mu.Unlock()

	if cb != nil {
		cb(id)
	}
	return msg
}

// AppendUserMessage appends a single user turn.
func (s *Store) AppendUserMessage(id, content string) *Message {
	s.mu.Lock()
	conv := s.getOrCreateLocked(id)
	msg := s.appendLocked(conv, upstream.RoleUser, content, "", "", StatusSucceeded, hash16(upstream.RoleUser, content))
	s.markDirtyLocked(conv)
	cb := s.onDirty
	s.mu.Unlock()

	if cb != nil {
		cb(id)
	}
	return msg
}

func (s *Store) appendLocked(conv *Conversation, role upstream.Role, content, toolCall, toolResult string, status MessageStatus, semanticID string) *Message {
	msg := &Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		CreatedAt:      time.Now().UnixMilli(),
		Role:           role,
		Status:         status,
		Content:        content,
		ToolCall:       toolCall,
		ToolResult:     toolResult,
		SemanticID:     semanticID,
	}
	if n := len(conv.Messages); n > 0 {
		msg.ParentID = conv.Messages[n-1].ID
	}
	conv.Messages = append(conv.Messages, msg)
	conv.UpdatedAt = msg.CreatedAt
	return msg
}

// SetTitle replaces the conversation title and marks it dirty.
func (s *Store) SetTitle(id, title string) {
	s.mu.Lock()
	conv, ok := s.conversations[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	conv.Title = title
	conv.UpdatedAt = time.Now().UnixMilli()
	s.markDirtyLocked(conv)
	cb := s.onDirty
	s.mu.Unlock()

	if cb != nil {
		cb(id)
	}
}

// SetGenerating flips the in-flight flag for the conversation.
func (s *Store) SetGenerating(id string, generating bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conv, ok := s.conversations[id]; ok {
		conv.Generating = generating
	}
}

// Delete removes the conversation outright.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[id]; !ok {
		return
	}
	delete(s.conversations, id)
	s.removeFromOrderLocked(id)
	s.metrics.ConversationsLoaded.Set(float64(len(s.conversations)))
}

// MarkSynced clears the dirty flag after a successful push.
func (s *Store) MarkSynced(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conv, ok := s.conversations[id]; ok {
		conv.Dirty = false
		conv.LastSyncedAt = time.Now().UnixMilli()
	}
}

// MarkDirtyByID forces a conversation dirty, scheduling a push.
func (s *Store) MarkDirtyByID(id string) {
	s.mu.Lock()
	conv, ok := s.conversations[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	s.markDirtyLocked(conv)
	cb := s.onDirty
	s.mu.Unlock()

	if cb != nil {
		cb(id)
	}
}

func (s *Store) markDirtyLocked(conv *Conversation) {
	conv.Dirty = true
}

// ToTurns projects the stored history into the upstream prompt
// format, dropping store-only metadata.
func (s *Store) ToTurns(id string) []upstream.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok {
		return nil
	}

	turns := make([]upstream.Turn, 0, len(conv.Messages))
	for _, msg := range conv.Messages {
		turns = append(turns, upstream.Turn{Role: msg.Role, Content: msg.Content})
	}
	return turns
}

// DirtyIDs snapshots the ids of all dirty conversations.
func (s *Store) DirtyIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, conv := range s.conversations {
		if conv.Dirty {
			ids = append(ids, id)
		}
	}
	return ids
}

// Snapshot returns a shallow copy of the conversation for sync
// encoding. The message slice is copied; messages themselves are
// immutable once appended.
func (s *Store) Snapshot(id string) (Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok {
		return Conversation{}, false
	}
	copied := *conv
	copied.Messages = append([]*Message(nil), conv.Messages...)
	return copied, true
}

// Hydrate installs a conversation pulled from the sync server. An
// already-resident conversation wins over the pulled copy.
func (s *Store) Hydrate(conv *Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[conv.ID]; ok {
		return
	}
	conv.Dirty = false
	s.conversations[conv.ID] = conv
	s.order = append(s.order, conv.ID)
	s.evictLocked()
	s.metrics.ConversationsLoaded.Set(float64(len(s.conversations)))
}

// touchLocked moves id to the most-recent end of the access order.
func (s *Store) touchLocked(id string) {
	s.removeFromOrderLocked(id)
	s.order = append(s.order, id)
}

func (s *Store) removeFromOrderLocked(id string) {
	for i, other := range s.order {
		if other == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}

// evictLocked drops least-recently-touched conversations until the
// store fits. Dirty conversations rotate to the back instead of being
// dropped; only when everything is dirty does the head go anyway. The
// most recently touched conversation is never a victim: it is the one
// the caller is in the middle of populating.
func (s *Store) evictLocked() {
	for len(s.conversations) > s.max {
		newest := s.order[len(s.order)-1]
		evicted := false
		for range s.order {
			head := s.order[0]
			conv := s.conversations[head]
			if head == newest || (conv != nil && conv.Dirty) {
				s.order = append(s.order[1:], head)
				continue
			}
			s.order = s.order[1:]
			delete(s.conversations, head)
			s.metrics.Evictions.WithLabelValues("clean").Inc()
			evicted = true
			break
		}
		if !evicted {
			// Everything older is dirty. Drop the oldest anyway.
			head := s.order[0]
			s.order = s.order[1:]
			delete(s.conversations, head)
			s.metrics.Evictions.WithLabelValues("dirty").Inc()
			s.logger.Warn("evicted dirty conversation before sync",
				slog.String("conversation_id", head))
		}
	}
	s.metrics.ConversationsLoaded.Set(float64(len(s.conversations)))
}
