package syncengine

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/openlumo/lumo-proxy/internal/config"
	"github.com/openlumo/lumo-proxy/internal/crypto"
	"github.com/openlumo/lumo-proxy/internal/logger"
	"github.com/openlumo/lumo-proxy/internal/metrics"
	"github.com/openlumo/lumo-proxy/internal/store"
	"github.com/openlumo/lumo-proxy/internal/upstream"
)

// fakeServer implements ServerClient in memory.
type fakeServer struct {
	mu            sync.Mutex
	spaces        []RemoteSpace
	conversations map[string][]RemoteEntity // spaceID -> entities
	messages      map[string][]RemoteEntity // remote conversation id -> entities
	nextID        int
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		conversations: make(map[string][]RemoteEntity),
		messages:      make(map[string][]RemoteEntity),
	}
}

func (f *fakeServer) id(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s-%d", prefix, f.nextID)
}

func (f *fakeServer) ListSpaces(ctx context.Context) ([]RemoteSpace, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]RemoteSpace(nil), f.spaces...), nil
}

func (f *fakeServer) CreateSpace(ctx context.Context, wrappedKey string) (RemoteSpace, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	space := RemoteSpace{ID: f.id("space"), WrappedKey: wrappedKey}
	f.spaces = append(f.spaces, space)
	return space, nil
}

func (f *fakeServer) ListConversations(ctx context.Context, spaceID string) ([]RemoteEntity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]RemoteEntity(nil), f.conversations[spaceID]...), nil
}

func (f *fakeServer) CreateConversation(ctx context.Context, spaceID, clientID, data string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.id("conv")
	f.conversations[spaceID] = append(f.conversations[spaceID], RemoteEntity{ID: id, ClientID: clientID, Data: data})
	return id, nil
}

func (f *fakeServer) UpdateConversation(ctx context.Context, spaceID, remoteID, data string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, entity := range f.conversations[spaceID] {
		if entity.ID == remoteID {
			f.conversations[spaceID][i].Data = data
			return nil
		}
	}
	return fmt.Errorf("conversation %s not found", remoteID)
}

func (f *fakeServer) ListMessages(ctx context.Context, spaceID, remoteConversationID string) ([]RemoteEntity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]RemoteEntity(nil), f.messages[remoteConversationID]...), nil
}

func (f *fakeServer) CreateMessage(ctx context.Context, spaceID, remoteConversationID, clientID, data string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.id("msg")
	f.messages[remoteConversationID] = append(f.messages[remoteConversationID], RemoteEntity{ID: id, ClientID: clientID, Data: data})
	return id, nil
}

func newTestEngine(t *testing.T) (*Engine, *store.Store, *fakeServer, *KeyManager) {
	t.Helper()
	master, err := crypto.NewKey()
	if err != nil {
		t.Fatalf("NewKey: %v", err)
	}
	keys := &KeyManager{master: master}

	log := logger.New(logger.Config{Format: "text"})
	m := metrics.New()
	st := store.New(16, log, m)
	server := newFakeServer()

	cfg := config.Defaults()
	engine := New(cfg, st, keys, server, log, m)
	return engine, st, server, keys
}

func TestPushCreatesSpaceConversationAndMessages(t *testing.T) {
	engine, st, server, keys := newTestEngine(t)

	st.AppendUserMessage("c1", "hello")
	st.AppendAssistantResponse("c1", store.AssistantResponse{Content: "hi"}, store.StatusSucceeded, "")
	st.SetTitle("c1", "Greetings")

	if err := engine.SyncNow(context.Background()); err != nil {
		t.Fatalf("SyncNow: %v", err)
	}

	if len(server.spaces) != 1 {
		t.Fatalf("spaces = %d, want 1", len(server.spaces))
	}

	spaceKey, err := keys.UnwrapSpaceKey(server.spaces[0].WrappedKey)
	if err != nil {
		t.Fatalf("UnwrapSpaceKey: %v", err)
	}
	dek, _ := keys.DeriveDEK(spaceKey)

	convs := server.conversations[server.spaces[0].ID]
	if len(convs) != 1 {
		t.Fatalf("conversations = %d, want 1", len(convs))
	}
	payload, err := decryptConversation(dek, convs[0].ClientID, convs[0].Data)
	if err != nil {
		t.Fatalf("decryptConversation: %v", err)
	}
	if payload.Title != "Greetings" {
		t.Errorf("title = %q", payload.Title)
	}

	msgs := server.messages[convs[0].ID]
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}
	first, err := decryptMessage(dek, msgs[0].ClientID, msgs[0].Data)
	if err != nil {
		t.Fatalf("decryptMessage: %v", err)
	}
	if first.Role != upstream.RoleUser || first.Content != "hello" {
		t.Errorf("first message = %+v", first)
	}

	conv, _ := st.Get("c1")
	if conv.Dirty {
		t.Error("conversation still dirty after push")
	}
}

func TestPushNeverRepushesMessages(t *testing.T) {
	engine, st, server, _ := newTestEngine(t)

	st.AppendUserMessage("c1", "one")
	if err := engine.SyncNow(context.Background()); err != nil {
		t.Fatalf("SyncNow: %v", err)
	}

	st.AppendUserMessage("c1", "two")
	if err := engine.SyncNow(context.Background()); err != nil {
		t.Fatalf("second SyncNow: %v", err)
	}

	var total int
	for _, msgs := range server.messages {
		total += len(msgs)
	}
	if total != 2 {
		t.Errorf("messages on server = %d, want 2", total)
	}
}

func TestEnsureSpaceReusesOwnSpace(t *testing.T) {
	engine, st, server, keys := newTestEngine(t)

	// A space already exists, wrapped under the same master key.
	spaceKey, _ := keys.NewSpaceKey()
	wrapped, _ := keys.WrapSpaceKey(spaceKey)
	server.spaces = append(server.spaces, RemoteSpace{ID: "space-existing", WrappedKey: wrapped})

	// And a foreign space wrapped under someone else's key.
	otherMaster, _ := crypto.NewKey()
	foreign := &KeyManager{master: otherMaster}
	foreignKey, _ := foreign.NewSpaceKey()
	foreignWrapped, _ := foreign.WrapSpaceKey(foreignKey)
	server.spaces = append([]RemoteSpace{{ID: "space-foreign", WrappedKey: foreignWrapped}}, server.spaces...)

	st.AppendUserMessage("c1", "hello")
	if err := engine.SyncNow(context.Background()); err != nil {
		t.Fatalf("SyncNow: %v", err)
	}

	if len(server.spaces) != 2 {
		t.Errorf("spaces = %d, want 2 (no new space created)", len(server.spaces))
	}
	if len(server.conversations["space-existing"]) != 1 {
		t.Error("conversation not stored in our existing space")
	}
	if len(server.conversations["space-foreign"]) != 0 {
		t.Error("conversation leaked into a foreign space")
	}
}

func TestPullHydratesStore(t *testing.T) {
	pusher, st, server, keys := newTestEngine(t)

	st.AppendUserMessage("c1", "remembered")
	st.SetTitle("c1", "Old Chat")
	if err := pusher.SyncNow(context.Background()); err != nil {
		t.Fatalf("SyncNow: %v", err)
	}

	// A second engine with an empty store but the same master key.
	log := logger.New(logger.Config{Format: "text"})
	m := metrics.New()
	freshStore := store.New(16, log, m)
	cfg := config.Defaults()
	cfg.SyncHydrateMessages = true
	puller := New(cfg, freshStore, keys, server, log, m)

	if err := puller.Pull(context.Background()); err != nil {
		t.Fatalf("Pull: %v", err)
	}

	conv, ok := freshStore.Get("c1")
	if !ok {
		t.Fatal("conversation not hydrated")
	}
	if conv.Title != "Old Chat" {
		t.Errorf("title = %q", conv.Title)
	}
	if len(conv.Messages) != 1 || conv.Messages[0].Content != "remembered" {
		t.Errorf("messages = %+v", conv.Messages)
	}
	if conv.Dirty {
		t.Error("hydrated conversation must start clean")
	}
}

// Semantic ids survive a push/pull round trip. A tool-output message
// is keyed by its tool_call_id; rebuilding the id from the content
// hash on pull would break continuation matching against clients
// that re-send the call id.
func TestPullPreservesSemanticIDs(t *testing.T) {
	pusher, st, server, keys := newTestEngine(t)

	st.AppendMessages("c1", []store.Incoming{
		{Role: upstream.RoleUser, Content: "run the tool"},
		{ID: "call_7", Role: upstream.RoleUser, Content: `{"output":"42"}`},
	})
	if err := pusher.SyncNow(context.Background()); err != nil {
		t.Fatalf("SyncNow: %v", err)
	}

	log := logger.New(logger.Config{Format: "text"})
	m := metrics.New()
	freshStore := store.New(16, log, m)
	cfg := config.Defaults()
	cfg.SyncHydrateMessages = true
	puller := New(cfg, freshStore, keys, server, log, m)

	if err := puller.Pull(context.Background()); err != nil {
		t.Fatalf("Pull: %v", err)
	}

	conv, ok := freshStore.Get("c1")
	if !ok {
		t.Fatal("conversation not hydrated")
	}
	if len(conv.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(conv.Messages))
	}
	if got := conv.Messages[1].SemanticID; got != "call_7" {
		t.Errorf("semantic id = %q, want %q", got, "call_7")
	}

	// The hydrated history accepts the client's next continuation.
	appended := freshStore.AppendMessages("c1", []store.Incoming{
		{Role: upstream.RoleUser, Content: "run the tool"},
		{ID: "call_7", Role: upstream.RoleUser, Content: `{"output":"rewritten"}`},
		{Role: upstream.RoleUser, Content: "thanks"},
	})
	if len(appended) != 1 || appended[0].Content != "thanks" {
		t.Errorf("appended = %+v, want the single new message", appended)
	}
}

func TestPullSkipsUndecryptableConversation(t *testing.T) {
	engine, st, server, keys := newTestEngine(t)

	// Put a valid space on the server, then a corrupted conversation.
	spaceKey, _ := keys.NewSpaceKey()
	wrapped, _ := keys.WrapSpaceKey(spaceKey)
	space, _ := server.CreateSpace(context.Background(), wrapped)
	server.conversations[space.ID] = append(server.conversations[space.ID], RemoteEntity{
		ID:       "conv-bad",
		ClientID: "c-bad",
		Data:     "bm90IGEgdmFsaWQgYmxvYg==",
	})

	if err := engine.Pull(context.Background()); err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if _, ok := st.Get("c-bad"); ok {
		t.Error("undecryptable conversation was hydrated")
	}
}

func TestWrapUnwrapSpaceKeyRoundTrip(t *testing.T) {
	master, _ := crypto.NewKey()
	keys := &KeyManager{master: master}

	spaceKey, _ := keys.NewSpaceKey()
	wrapped, err := keys.WrapSpaceKey(spaceKey)
	if err != nil {
		t.Fatalf("WrapSpaceKey: %v", err)
	}

	got, err := keys.UnwrapSpaceKey(wrapped)
	if err != nil {
		t.Fatalf("UnwrapSpaceKey: %v", err)
	}
	if string(got) != string(spaceKey) {
		t.Error("unwrap did not return the original key")
	}

	other := &KeyManager{master: func() []byte { k, _ := crypto.NewKey(); return k }()}
	if _, err := other.UnwrapSpaceKey(wrapped); err == nil {
		t.Error("foreign master key unwrapped our space key")
	}
}

func TestEntityADBindsToID(t *testing.T) {
	spaceKey, _ := crypto.NewKey()
	dek, _ := crypto.DeriveDEK(spaceKey)

	conv := &store.Conversation{ID: "c1", Title: "Secret"}
	blob, err := encryptConversation(dek, conv)
	if err != nil {
		t.Fatalf("encryptConversation: %v", err)
	}

	if _, err := decryptConversation(dek, "c1", blob); err != nil {
		t.Errorf("decryption with the right id failed: %v", err)
	}
	if _, err := decryptConversation(dek, "c2", blob); err == nil {
		t.Error("decryption succeeded under the wrong conversation id")
	}
}
