// Package syncengine pushes dirty conversations to the encrypted
// remote store and pulls them back on startup. Bodies are sealed
// under a per-space DEK; the server only ever holds ciphertext.
package syncengine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/openlumo/lumo-proxy/internal/config"
	"github.com/openlumo/lumo-proxy/internal/logger"
	"github.com/openlumo/lumo-proxy/internal/metrics"
	"github.com/openlumo/lumo-proxy/internal/store"
)

// Engine coordinates key management, the remote client, and the
// store's dirty set. One instance runs per process.
type Engine struct {
	store   *store.Store
	keys    *KeyManager
	client  ServerClient
	logger  *logger.Logger
	metrics *metrics.Metrics

	debounce        time.Duration
	hydrateMessages bool

	mu          sync.Mutex
	spaceID     string
	dek         []byte
	convRemote  map[string]string // local conversation id -> remote id
	msgRemote   map[string]bool   // local message id -> pushed
	nonSyncable map[string]bool   // conversations that failed decryption this session

	notify chan struct{}
	stop   chan struct{}
	wg     sync.WaitGroup
	cron   *cron.Cron
}

// New wires the engine to the store. Call Start to begin syncing.
func New(cfg *config.Config, st *store.Store, keys *KeyManager, client ServerClient, log *logger.Logger, m *metrics.Metrics) *Engine {
	e := &Engine{
		store:           st,
		keys:            keys,
		client:          client,
		logger:          log.WithComponent("sync"),
		metrics:         m,
		debounce:        cfg.SyncDebounce(),
		hydrateMessages: cfg.SyncHydrateMessages,
		convRemote:      make(map[string]string),
		msgRemote:       make(map[string]bool),
		nonSyncable:     make(map[string]bool),
		notify:          make(chan struct{}, 1),
		stop:            make(chan struct{}),
	}

	st.SetOnDirtyCallback(func(string) { e.NotifyDirty() })
	return e
}

// Start performs the startup pull, then launches the debounce loop
// and the periodic reconcile.
func (e *Engine) Start(ctx context.Context, pullOnStartup bool, reconcileSpec string) error {
	if pullOnStartup {
		if err := e.Pull(ctx); err != nil {
			// A failed pull is not fatal; push still works once the
			// server is reachable again.
			e.logger.Warn("startup pull failed", slog.String("error", err.Error()))
		}
	}

	e.wg.Add(1)
	go e.debounceLoop()

	if reconcileSpec != "" {
		e.cron = cron.New()
		if _, err := e.cron.AddFunc(reconcileSpec, func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			e.pushPass(ctx)
		}); err != nil {
			return fmt.Errorf("invalid sync reconcile spec %q: %w", reconcileSpec, err)
		}
		e.cron.Start()
	}
	return nil
}

// Stop halts the background loops. Pending dirty conversations get
// one final push attempt.
func (e *Engine) Stop() {
	close(e.stop)
	e.wg.Wait()
	if e.cron != nil {
		e.cron.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	e.pushPass(ctx)
}

// NotifyDirty schedules a debounced push. Safe from any goroutine;
// coalesces bursts into one pass.
func (e *Engine) NotifyDirty() {
	select {
	case e.notify <- struct{}{}:
	default:
	}
}

func (e *Engine) debounceLoop() {
	defer e.wg.Done()

	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-e.stop:
			return
		case <-e.notify:
			if timer == nil {
				timer = time.NewTimer(e.debounce)
				fire = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(e.debounce)
			}
		case <-fire:
			timer = nil
			fire = nil
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			e.pushPass(ctx)
			cancel()
		}
	}
}

// SyncNow runs one push pass immediately. Used by the /sync command.
func (e *Engine) SyncNow(ctx context.Context) error {
	return e.pushPass(ctx)
}

// pushPass pushes every dirty conversation. Per-conversation failures
// are isolated; the pass continues with the rest.
func (e *Engine) pushPass(ctx context.Context) error {
	ids := e.store.DirtyIDs()
	if len(ids) == 0 {
		return nil
	}

	var firstErr error
	for _, id := range ids {
		if err := e.pushConversation(ctx, id); err != nil {
			e.metrics.SyncPushes.WithLabelValues("error").Inc()
			e.logger.Error("push failed",
				slog.String("conversation_id", id),
				slog.String("error", err.Error()))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		e.metrics.SyncPushes.WithLabelValues("ok").Inc()
		e.store.MarkSynced(id)
	}
	return firstErr
}

func (e *Engine) pushConversation(ctx context.Context, id string) error {
	e.mu.Lock()
	if e.nonSyncable[id] {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	if err := e.ensureSpace(ctx); err != nil {
		return err
	}

	conv, ok := e.store.Snapshot(id)
	if !ok {
		return nil
	}

	e.mu.Lock()
	spaceID, dek := e.spaceID, e.dek
	remoteID, mapped := e.convRemote[id]
	e.mu.Unlock()

	data, err := encryptConversation(dek, &conv)
	if err != nil {
		return err
	}

	if !mapped {
		remoteID, err = e.client.CreateConversation(ctx, spaceID, id, data)
		if err != nil {
			return err
		}
		e.mu.Lock()
		e.convRemote[id] = remoteID
		e.mu.Unlock()
	} else {
		if err := e.client.UpdateConversation(ctx, spaceID, remoteID, data); err != nil {
			return err
		}
	}

	// Messages are immutable; push only the unmapped tail.
	for _, msg := range conv.Messages {
		e.mu.Lock()
		pushed := e.msgRemote[msg.ID]
		e.mu.Unlock()
		if pushed {
			continue
		}

		data, err := encryptMessage(dek, msg)
		if err != nil {
			return err
		}
		if _, err := e.client.CreateMessage(ctx, spaceID, remoteID, msg.ID, data); err != nil {
			return err
		}

		e.mu.Lock()
		e.msgRemote[msg.ID] = true
		e.mu.Unlock()
	}

	return nil
}

// ensureSpace finds our space among the remote ones, or lazily
// creates it with a fresh wrapped key.
func (e *Engine) ensureSpace(ctx context.Context) error {
	e.mu.Lock()
	ready := e.spaceID != ""
	e.mu.Unlock()
	if ready {
		return nil
	}

	spaces, err := e.client.ListSpaces(ctx)
	if err != nil {
		return fmt.Errorf("failed to list spaces: %w", err)
	}

	for _, space := range spaces {
		spaceKey, err := e.keys.UnwrapSpaceKey(space.WrappedKey)
		if err != nil {
			// Not ours.
			continue
		}
		return e.adoptSpace(space.ID, spaceKey)
	}

	spaceKey, err := e.keys.NewSpaceKey()
	if err != nil {
		return err
	}
	wrapped, err := e.keys.WrapSpaceKey(spaceKey)
	if err != nil {
		return err
	}
	space, err := e.client.CreateSpace(ctx, wrapped)
	if err != nil {
		return fmt.Errorf("failed to create space: %w", err)
	}

	e.logger.Info("created sync space", slog.String("space_id", space.ID))
	return e.adoptSpace(space.ID, spaceKey)
}

func (e *Engine) adoptSpace(spaceID string, spaceKey []byte) error {
	dek, err := e.keys.DeriveDEK(spaceKey)
	if err != nil {
		return fmt.Errorf("failed to derive dek: %w", err)
	}

	e.mu.Lock()
	e.spaceID = spaceID
	e.dek = dek
	e.mu.Unlock()
	return nil
}

// Pull hydrates the store from the remote space. Entities that fail
// decryption are logged, counted, and skipped; the conversation is
// marked non-syncable for the rest of the session.
func (e *Engine) Pull(ctx context.Context) error {
	if err := e.ensureSpace(ctx); err != nil {
		return err
	}

	e.mu.Lock()
	spaceID, dek := e.spaceID, e.dek
	e.mu.Unlock()

	remotes, err := e.client.ListConversations(ctx, spaceID)
	if err != nil {
		return fmt.Errorf("failed to list conversations: %w", err)
	}

	for _, remote := range remotes {
		payload, err := decryptConversation(dek, remote.ClientID, remote.Data)
		if err != nil {
			e.metrics.DecryptionFailures.Inc()
			e.mu.Lock()
			e.nonSyncable[remote.ClientID] = true
			e.mu.Unlock()
			e.logger.Error("conversation failed decryption, skipping",
				slog.String("conversation_id", remote.ClientID),
				slog.String("error", err.Error()))
			continue
		}

		conv := &store.Conversation{
			ID:    remote.ClientID,
			Title: payload.Title,
		}
		conv.Starred = payload.Starred

		if e.hydrateMessages {
			if err := e.hydrate(ctx, spaceID, remote.ID, dek, conv); err != nil {
				e.logger.Warn("message hydration failed",
					slog.String("conversation_id", remote.ClientID),
					slog.String("error", err.Error()))
			}
		}

		e.mu.Lock()
		e.convRemote[remote.ClientID] = remote.ID
		e.mu.Unlock()
		e.store.Hydrate(conv)
	}

	e.logger.Info("pull complete", slog.Int("conversations", len(remotes)))
	return nil
}

func (e *Engine) hydrate(ctx context.Context, spaceID, remoteConvID string, dek []byte, conv *store.Conversation) error {
	remotes, err := e.client.ListMessages(ctx, spaceID, remoteConvID)
	if err != nil {
		return err
	}

	for _, remote := range remotes {
		payload, err := decryptMessage(dek, remote.ClientID, remote.Data)
		if err != nil {
			e.metrics.DecryptionFailures.Inc()
			e.logger.Error("message failed decryption, skipping",
				slog.String("message_id", remote.ClientID),
				slog.String("error", err.Error()))
			continue
		}

		// Payloads pushed before semantic ids were recorded fall back
		// to the content hash.
		semanticID := payload.SemanticID
		if semanticID == "" {
			semanticID = store.Incoming{Role: payload.Role, Content: payload.Content}.SemanticID()
		}

		conv.Messages = append(conv.Messages, &store.Message{
			ID:             remote.ClientID,
			ConversationID: conv.ID,
			ParentID:       payload.ParentID,
			CreatedAt:      payload.CreatedAt,
			Role:           payload.Role,
			Status:         payload.Status,
			Content:        payload.Content,
			ToolCall:       payload.ToolCall,
			ToolResult:     payload.ToolResult,
			SemanticID:     semanticID,
		})
		e.mu.Lock()
		e.msgRemote[remote.ClientID] = true
		e.mu.Unlock()
	}
	return nil
}
