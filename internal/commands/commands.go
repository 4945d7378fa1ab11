// Package commands intercepts slash commands embedded in the last
// user message. A matched command is answered locally; the upstream
// is never called.
package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/openlumo/lumo-proxy/internal/logger"
	"github.com/openlumo/lumo-proxy/internal/store"
	"github.com/openlumo/lumo-proxy/internal/syncengine"
)

// Context carries the per-request state a command may need.
type Context struct {
	ConversationID string
}

// Handler dispatches slash commands. Engine may be nil when sync is
// disabled; the commands then explain that instead of failing.
type Handler struct {
	store  *store.Store
	engine *syncengine.Engine
	logger *logger.Logger
}

// NewHandler builds the command dispatcher.
func NewHandler(st *store.Store, engine *syncengine.Engine, log *logger.Logger) *Handler {
	return &Handler{store: st, engine: engine, logger: log.WithComponent("commands")}
}

// Handle runs the command in text, if any. The returned string is the
// assistant reply; handled is false when text is not a command and the
// request should proceed to the upstream. Command failures are
// reported in the reply body, never as HTTP errors.
func (h *Handler) Handle(ctx context.Context, cmdCtx Context, text string) (reply string, handled bool) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "/") {
		return "", false
	}

	name, rest, _ := strings.Cut(trimmed, " ")
	switch name {
	case "/sync":
		return h.sync(ctx), true
	case "/save":
		return h.save(cmdCtx, strings.TrimSpace(rest)), true
	default:
		return "", false
	}
}

func (h *Handler) sync(ctx context.Context) string {
	if h.engine == nil {
		return "Sync is not enabled. Set sync_enabled and sync_base_url in the config to turn it on."
	}
	if err := h.engine.SyncNow(ctx); err != nil {
		return fmt.Sprintf("Sync failed: %v", err)
	}
	return "Sync complete."
}

// save marks the conversation dirty, optionally renaming it first.
func (h *Handler) save(cmdCtx Context, title string) string {
	if cmdCtx.ConversationID == "" {
		return "This request is stateless, so there is nothing to save. Set the `user` field to give the conversation a stable identity."
	}
	if title != "" {
		h.store.SetTitle(cmdCtx.ConversationID, title)
	}
	h.store.MarkDirtyByID(cmdCtx.ConversationID)
	if h.engine == nil {
		return "Conversation marked for saving, but sync is not enabled so it stays local."
	}
	h.engine.NotifyDirty()
	return "Conversation queued for sync."
}
