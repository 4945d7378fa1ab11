package store

import (
	"fmt"
	"testing"

	"github.com/openlumo/lumo-proxy/internal/logger"
	"github.com/openlumo/lumo-proxy/internal/metrics"
	"github.com/openlumo/lumo-proxy/internal/upstream"
)

func newTestStore(max int) *Store {
	return New(max, logger.New(logger.Config{Format: "text"}), metrics.New())
}

func TestAppendMessagesFirstSend(t *testing.T) {
	s := newTestStore(8)
	appended := s.AppendMessages("c1", []Incoming{
		{Role: upstream.RoleUser, Content: "Hello"},
	})

	if len(appended) != 1 {
		t.Fatalf("appended = %d, want 1", len(appended))
	}
	if appended[0].Role != upstream.RoleUser || appended[0].Content != "Hello" {
		t.Errorf("message = %+v", appended[0])
	}
	if appended[0].ParentID != "" {
		t.Errorf("first message has parent %q", appended[0].ParentID)
	}
}

func TestAppendMessagesDeduplicatesPrefix(t *testing.T) {
	s := newTestStore(8)
	s.AppendMessages("c1", []Incoming{
		{Role: upstream.RoleUser, Content: "one"},
	})
	s.AppendAssistantResponse("c1", AssistantResponse{Content: "reply"}, StatusSucceeded, "")

	// The client re-sends its whole history plus a new message.
	appended := s.AppendMessages("c1", []Incoming{
		{Role: upstream.RoleUser, Content: "one"},
		{Role: upstream.RoleAssistant, Content: "reply"},
		{Role: upstream.RoleUser, Content: "two"},
	})

	if len(appended) != 1 {
		t.Fatalf("appended = %d, want 1", len(appended))
	}
	if appended[0].Content != "two" {
		t.Errorf("appended content = %q", appended[0].Content)
	}
}

// A tool-output message whose content was rewritten by the client is
// still the same message when its tool_call_id matches.
func TestAppendMessagesToleratesMutatedToolContent(t *testing.T) {
	s := newTestStore(8)
	s.AppendMessages("c1", []Incoming{
		{Role: upstream.RoleUser, Content: "call the tool"},
		{ID: "call_123", Role: upstream.RoleUser, Content: `{"output":"v1"}`},
	})

	appended := s.AppendMessages("c1", []Incoming{
		{Role: upstream.RoleUser, Content: "call the tool"},
		{ID: "call_123", Role: upstream.RoleUser, Content: `{"output":"v2 rewritten"}`},
		{Role: upstream.RoleUser, Content: "continue"},
	})

	if len(appended) != 1 {
		t.Fatalf("appended = %d, want 1", len(appended))
	}
	if appended[0].Content != "continue" {
		t.Errorf("appended content = %q", appended[0].Content)
	}
}

// A client that edited its local history still gets its new message
// through: the mismatch is logged, the stored prefix stays as-is, and
// the suffix beyond the stored length is appended.
func TestAppendMessagesBranchedHistoryStillAppendsTail(t *testing.T) {
	s := newTestStore(8)
	s.AppendMessages("c1", []Incoming{
		{Role: upstream.RoleUser, Content: "original"},
	})

	appended := s.AppendMessages("c1", []Incoming{
		{Role: upstream.RoleUser, Content: "completely different"},
		{Role: upstream.RoleUser, Content: "next"},
	})

	if len(appended) != 1 {
		t.Fatalf("appended = %d, want 1", len(appended))
	}
	if appended[0].Content != "next" {
		t.Errorf("appended content = %q", appended[0].Content)
	}
	// The stored prefix is never rewritten to the client's copy.
	turns := s.ToTurns("c1")
	if len(turns) != 2 || turns[0].Content != "original" || turns[1].Content != "next" {
		t.Errorf("turns = %v", turns)
	}
}

func TestAppendMessagesShorterHistoryAppendsNothing(t *testing.T) {
	s := newTestStore(8)
	s.AppendMessages("c1", []Incoming{
		{Role: upstream.RoleUser, Content: "one"},
		{Role: upstream.RoleUser, Content: "two"},
	})

	appended := s.AppendMessages("c1", []Incoming{
		{Role: upstream.RoleUser, Content: "one"},
	})
	if len(appended) != 0 {
		t.Errorf("appended = %v, want none", appended)
	}
	// The stored history is unchanged.
	turns := s.ToTurns("c1")
	if len(turns) != 2 || turns[1].Content != "two" {
		t.Errorf("turns = %v", turns)
	}
}

func TestParentChain(t *testing.T) {
	s := newTestStore(8)
	s.AppendMessages("c1", []Incoming{
		{Role: upstream.RoleUser, Content: "a"},
		{Role: upstream.RoleAssistant, Content: "b"},
		{Role: upstream.RoleUser, Content: "c"},
	})

	conv, ok := s.Get("c1")
	if !ok {
		t.Fatal("conversation missing")
	}
	for i := 1; i < len(conv.Messages); i++ {
		if conv.Messages[i].ParentID != conv.Messages[i-1].ID {
			t.Errorf("message %d parent = %q, want %q", i, conv.Messages[i].ParentID, conv.Messages[i-1].ID)
		}
	}
}

func TestDirtyCallback(t *testing.T) {
	s := newTestStore(8)
	var dirtied []string
	s.SetOnDirtyCallback(func(id string) { dirtied = append(dirtied, id) })

	s.AppendUserMessage("c1", "hello")
	s.SetTitle("c1", "Greetings")
	s.MarkSynced("c1")
	s.MarkDirtyByID("c1")

	if len(dirtied) != 3 {
		t.Errorf("dirty callbacks = %d, want 3 (%v)", len(dirtied), dirtied)
	}

	conv, _ := s.Get("c1")
	if !conv.Dirty {
		t.Error("conversation not dirty after MarkDirtyByID")
	}
}

func TestTitleLifecycle(t *testing.T) {
	s := newTestStore(8)
	s.GetOrCreate("c1")

	if got := s.Title("c1"); got != DefaultTitle {
		t.Errorf("initial title = %q", got)
	}
	s.SetTitle("c1", "Planning a trip")
	if got := s.Title("c1"); got != "Planning a trip" {
		t.Errorf("title = %q", got)
	}
}

func TestLRUEvictsCreationOrderWithoutTouches(t *testing.T) {
	const max = 4
	s := newTestStore(max)

	for i := 1; i <= max+1; i++ {
		s.GetOrCreate(fmt.Sprintf("c%d", i))
	}

	if _, ok := s.Get("c1"); ok {
		t.Error("c1 should have been evicted as the oldest")
	}
	if _, ok := s.Get("c5"); !ok {
		t.Error("c5 should be resident")
	}
}

// The scenario: fill to max, touch c1, add one more. c2 is now the
// least recently touched and must be the one evicted.
func TestLRUEvictionOrder(t *testing.T) {
	const max = 4
	s := newTestStore(max)

	for i := 1; i <= max; i++ {
		s.GetOrCreate(fmt.Sprintf("c%d", i))
	}
	s.Get("c1")
	s.GetOrCreate("c5")

	if _, ok := s.Get("c2"); ok {
		t.Error("c2 should have been evicted")
	}
	if _, ok := s.Get("c1"); !ok {
		t.Error("c1 should have survived")
	}
	if _, ok := s.Get("c5"); !ok {
		t.Error("c5 should be resident")
	}
}

func TestLRUSkipsDirtyConversations(t *testing.T) {
	const max = 2
	s := newTestStore(max)

	s.AppendUserMessage("dirty1", "unsaved") // dirty
	s.GetOrCreate("clean1")
	s.GetOrCreate("clean2") // overflows; dirty1 is head but dirty

	if _, ok := s.Get("dirty1"); !ok {
		t.Error("dirty conversation was evicted while a clean one existed")
	}
	if _, ok := s.Get("clean1"); ok {
		t.Error("clean head should have been evicted instead")
	}
}

func TestLRUForceEvictsWhenAllDirty(t *testing.T) {
	const max = 2
	s := newTestStore(max)

	s.AppendUserMessage("d1", "x")
	s.AppendUserMessage("d2", "x")
	s.AppendUserMessage("d3", "x")

	count := 0
	for _, id := range []string{"d1", "d2", "d3"} {
		if _, ok := s.Get(id); ok {
			count++
		}
	}
	if count != max {
		t.Errorf("resident = %d, want %d", count, max)
	}
	if _, ok := s.Get("d1"); ok {
		t.Error("oldest dirty conversation should have been force-evicted")
	}
}

// A conversation created past capacity while every resident is dirty
// must survive its own creation; the messages appended right after
// have to land in the resident object.
func TestLRUNeverEvictsJustCreatedConversation(t *testing.T) {
	const max = 2
	s := newTestStore(max)

	s.AppendUserMessage("d1", "x")
	s.AppendUserMessage("d2", "x")

	appended := s.AppendMessages("fresh", []Incoming{
		{Role: upstream.RoleUser, Content: "hello"},
	})
	if len(appended) != 1 {
		t.Fatalf("appended = %d, want 1", len(appended))
	}
	if _, ok := s.Get("fresh"); !ok {
		t.Fatal("just-created conversation was evicted")
	}
	turns := s.ToTurns("fresh")
	if len(turns) != 1 || turns[0].Content != "hello" {
		t.Errorf("turns = %v", turns)
	}
	if _, ok := s.Get("d1"); ok {
		t.Error("oldest dirty conversation should have been the victim")
	}
}

func TestToTurnsStripsMetadata(t *testing.T) {
	s := newTestStore(8)
	s.AppendMessages("c1", []Incoming{
		{Role: upstream.RoleUser, Content: "hi"},
	})
	s.AppendAssistantResponse("c1", AssistantResponse{Content: "hello", ToolCall: `{"name":"x"}`}, StatusSucceeded, "")

	turns := s.ToTurns("c1")
	if len(turns) != 2 {
		t.Fatalf("turns = %d, want 2", len(turns))
	}
	if turns[1].Role != upstream.RoleAssistant || turns[1].Content != "hello" {
		t.Errorf("turn = %+v", turns[1])
	}
	if turns[0].Encrypted || turns[1].Encrypted {
		t.Error("store turns must not be pre-encrypted")
	}
}

func TestSemanticIDRules(t *testing.T) {
	withID := Incoming{ID: "call_9", Role: upstream.RoleUser, Content: "anything"}
	if got := withID.SemanticID(); got != "call_9" {
		t.Errorf("semantic id = %q, want the supplied id", got)
	}

	hashed := Incoming{Role: upstream.RoleUser, Content: "hello"}
	sem := hashed.SemanticID()
	if len(sem) != 16 {
		t.Errorf("hashed semantic id length = %d, want 16", len(sem))
	}
	if sem != (Incoming{Role: upstream.RoleUser, Content: "hello"}).SemanticID() {
		t.Error("semantic id not deterministic")
	}
	if sem == (Incoming{Role: upstream.RoleAssistant, Content: "hello"}).SemanticID() {
		t.Error("role must participate in the hash")
	}
}

func TestDelete(t *testing.T) {
	s := newTestStore(8)
	s.GetOrCreate("c1")
	s.Delete("c1")
	if _, ok := s.Get("c1"); ok {
		t.Error("conversation still present after Delete")
	}
}
