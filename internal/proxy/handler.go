// Package proxy exposes the OpenAI-compatible HTTP surface and drives
// the upstream exchange pipeline behind it.
package proxy

import (
	"context"

	"github.com/openlumo/lumo-proxy/internal/commands"
	"github.com/openlumo/lumo-proxy/internal/config"
	"github.com/openlumo/lumo-proxy/internal/logger"
	"github.com/openlumo/lumo-proxy/internal/metrics"
	"github.com/openlumo/lumo-proxy/internal/queue"
	"github.com/openlumo/lumo-proxy/internal/store"
	"github.com/openlumo/lumo-proxy/internal/upstream"
)

// UpstreamChat is the slice of the upstream client the handlers use.
type UpstreamChat interface {
	ChatWithHistory(ctx context.Context, turns []upstream.Turn, onChunk upstream.ChunkFunc, opts upstream.ChatOptions) (*upstream.ChatResult, error)
}

// Handler serves both OpenAI endpoints plus the utility routes.
type Handler struct {
	cfg      *config.Config
	store    *store.Store
	queue    *queue.Queue
	upstream UpstreamChat
	commands *commands.Handler
	logger   *logger.Logger
	metrics  *metrics.Metrics
}

// NewHandler wires the endpoint handlers to their collaborators.
func NewHandler(cfg *config.Config, st *store.Store, q *queue.Queue, up UpstreamChat, cmds *commands.Handler, log *logger.Logger, m *metrics.Metrics) *Handler {
	return &Handler{
		cfg:      cfg,
		store:    st,
		queue:    q,
		upstream: up,
		commands: cmds,
		logger:   log.WithComponent("proxy"),
		metrics:  m,
	}
}
