package proxy

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/openlumo/lumo-proxy/internal/apierror"
)

// ChatCompletions handles POST /v1/chat/completions.
func (h *Handler) ChatCompletions(c *gin.Context) {
	var req ChatCompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, "chat_completions", apierror.InvalidRequest("invalid request body: %v", err))
		return
	}

	rc, err := h.buildRequestContext(&req)
	if err != nil {
		h.writeError(c, "chat_completions", err)
		return
	}

	if req.Stream {
		h.streamChatCompletion(c, rc)
		return
	}

	outcome, err := h.runExchange(c.Request.Context(), rc, nil, nil)
	if err != nil {
		h.writeError(c, "chat_completions", err)
		return
	}

	resp := ChatCompletionResponse{
		ID:      "chatcmpl-" + uuid.New().String(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   h.cfg.Model,
		Choices: []CompletionChoice{{
			Index: 0,
			Message: CompletionMessage{
				Role:      "assistant",
				Content:   outcome.content,
				ToolCalls: outboundToolCalls(outcome.toolCalls),
			},
			FinishReason: finishReason(outcome),
		}},
	}

	h.metrics.RequestsTotal.WithLabelValues("chat_completions", "ok").Inc()
	c.JSON(200, resp)
}

func (h *Handler) streamChatCompletion(c *gin.Context, rc *requestContext) {
	sse, ok := newSSEWriter(c)
	if !ok {
		h.writeError(c, "chat_completions", apierror.Internal(nil))
		return
	}

	id := "chatcmpl-" + uuid.New().String()
	created := time.Now().Unix()

	chunk := func(delta ChunkDelta, finish *string) ChatCompletionChunk {
		return ChatCompletionChunk{
			ID:      id,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   h.cfg.Model,
			Choices: []ChunkChoice{{Index: 0, Delta: delta, FinishReason: finish}},
		}
	}

	first := true
	onText := func(text string) {
		delta := ChunkDelta{Content: text}
		if first {
			delta.Role = "assistant"
			first = false
		}
		_ = sse.data(chunk(delta, nil))
	}

	toolIndex := 0
	onToolCall := func(call completedToolCall) {
		delta := ChunkDelta{ToolCalls: []ChunkToolCall{{
			Index:    toolIndex,
			ID:       call.ID,
			Type:     "function",
			Function: OutboundFunction{Name: call.Name, Arguments: call.Arguments},
		}}}
		if first {
			delta.Role = "assistant"
			first = false
		}
		toolIndex++
		_ = sse.data(chunk(delta, nil))
	}

	outcome, err := h.runExchange(c.Request.Context(), rc, onText, onToolCall)
	if err != nil {
		// Headers are gone; the error travels as an SSE frame.
		apiErr := apierror.From(err)
		h.metrics.RequestsTotal.WithLabelValues("chat_completions", "error").Inc()
		h.logger.WithContext(c.Request.Context()).Error("streaming exchange failed",
			slog.String("error", apiErr.Error()))
		_ = sse.data(apiErr.ToOpenAI())
		return
	}

	// A command reply never streamed; deliver it as one delta.
	if outcome.command && first {
		onText(outcome.commandReply)
	}

	finish := finishReason(outcome)
	_ = sse.data(chunk(ChunkDelta{}, &finish))
	sse.done()
	h.metrics.RequestsTotal.WithLabelValues("chat_completions", "ok").Inc()
}

func finishReason(outcome *exchangeOutcome) string {
	if len(outcome.toolCalls) > 0 {
		return "tool_calls"
	}
	return "stop"
}

func outboundToolCalls(calls []completedToolCall) []OutboundTool {
	if len(calls) == 0 {
		return nil
	}
	out := make([]OutboundTool, 0, len(calls))
	for _, call := range calls {
		out = append(out, OutboundTool{
			ID:       call.ID,
			Type:     "function",
			Function: OutboundFunction{Name: call.Name, Arguments: call.Arguments},
		})
	}
	return out
}

// writeError renders the uniform OpenAI error body.
func (h *Handler) writeError(c *gin.Context, endpoint string, err error) {
	apiErr := apierror.From(err)
	h.metrics.RequestsTotal.WithLabelValues(endpoint, "error").Inc()
	h.logger.WithContext(c.Request.Context()).Error("request failed",
		slog.String("endpoint", endpoint),
		slog.String("kind", apiErr.Kind.String()),
		slog.String("error", apiErr.Error()))
	c.JSON(apiErr.HTTPStatus(), apiErr.ToOpenAI())
}
