package proxy

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/openlumo/lumo-proxy/internal/apierror"
	"github.com/openlumo/lumo-proxy/internal/commands"
	"github.com/openlumo/lumo-proxy/internal/queue"
	"github.com/openlumo/lumo-proxy/internal/store"
	"github.com/openlumo/lumo-proxy/internal/streaming"
	"github.com/openlumo/lumo-proxy/internal/upstream"
)

// requestContext is the per-request state shared by both endpoints.
type requestContext struct {
	hasCustomTools bool
	conversationID string
	requestTitle   bool
	instructions   string
	tools          []Tool
	turns          []upstream.Turn
	lastUserText   string
}

// completedToolCall is a detected invocation with its assigned id.
type completedToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// exchangeOutcome is everything one upstream round produced.
type exchangeOutcome struct {
	content   string
	toolCalls []completedToolCall

	// commandReply is set when a slash command answered locally and
	// no upstream call was made.
	commandReply string
	command      bool
}

// buildRequestContext validates the body and prepares the turns,
// appending to the store when the request is stateful.
func (h *Handler) buildRequestContext(req *ChatCompletionRequest) (*requestContext, error) {
	if len(req.Messages) == 0 {
		return nil, apierror.InvalidRequest("messages must not be empty")
	}
	if !hasUserMessage(req.Messages) {
		return nil, apierror.InvalidRequest("at least one user message is required")
	}
	if req.Model != "" && req.Model != h.cfg.Model {
		return nil, apierror.InvalidRequest("unknown model %q; this gateway serves %q", req.Model, h.cfg.Model)
	}

	incoming, systemText, err := convertMessages(req.Messages)
	if err != nil {
		return nil, err
	}

	rc := &requestContext{
		hasCustomTools: len(req.Tools) > 0 && h.cfg.CustomToolsEnabled,
		tools:          req.Tools,
		lastUserText:   lastUserContent(req.Messages),
	}

	if h.cfg.DeterministicConversation && req.User != "" {
		rc.conversationID = conversationIDForUser(req.User)
	}

	if rc.conversationID != "" {
		h.store.AppendMessages(rc.conversationID, incoming)
		rc.turns = h.store.ToTurns(rc.conversationID)
		rc.requestTitle = h.store.Title(rc.conversationID) == store.DefaultTitle
	} else {
		rc.turns = toTurns(incoming)
	}

	rc.instructions = buildInstructions(h.cfg.DefaultInstructions, req.Tools, systemText)
	return rc, nil
}

// conversationIDForUser derives the stable conversation id from the
// caller-supplied user field.
func conversationIDForUser(user string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("lumo:user:"+user)).String()
}

// runExchange performs the upstream round through the single-flight
// queue. onText receives clean text increments as they stream in;
// onToolCall fires once per completed tool invocation. Both may be
// nil for buffered callers.
func (h *Handler) runExchange(ctx context.Context, rc *requestContext, onText func(string), onToolCall func(completedToolCall)) (*exchangeOutcome, error) {
	// Slash commands answer locally.
	if reply, handled := h.commands.Handle(ctx, commands.Context{ConversationID: rc.conversationID}, rc.lastUserText); handled {
		return &exchangeOutcome{content: reply, commandReply: reply, command: true}, nil
	}

	outcome := &exchangeOutcome{}

	var detector *streaming.Detector
	if rc.hasCustomTools {
		detector = streaming.NewDetector()
	}

	emit := func(events []streaming.Event) {
		for _, ev := range events {
			if ev.ToolCall != nil {
				h.metrics.ToolCalls.WithLabelValues("valid").Inc()
				call := completedToolCall{
					ID:        "call_" + uuid.New().String(),
					Name:      ev.ToolCall.Name,
					Arguments: ev.ToolCall.ArgumentsJSON(),
				}
				outcome.toolCalls = append(outcome.toolCalls, call)
				if onToolCall != nil {
					onToolCall(call)
				}
				continue
			}
			if ev.Invalid {
				h.metrics.ToolCalls.WithLabelValues("invalid").Inc()
			}
			if ev.Text == "" {
				continue
			}
			outcome.content += ev.Text
			if onText != nil {
				onText(ev.Text)
			}
		}
	}

	type chunkMsg struct{ text string }
	chunks := make(chan chunkMsg, 64)
	resultCh := make(chan *upstream.ChatResult, 1)
	errCh := make(chan error, 1)

	opts := upstream.ChatOptions{
		Instructions:           rc.instructions,
		InjectInstructionsInto: upstream.InjectPosition(h.cfg.InjectInstructionsInto),
		RequestTitle:           rc.requestTitle,
		EnableExternalTools:    h.cfg.UpstreamExternalTools,
	}

	if rc.conversationID != "" {
		h.store.SetGenerating(rc.conversationID, true)
		defer h.store.SetGenerating(rc.conversationID, false)
	}

	feed := func(text string) {
		if detector != nil {
			emit(detector.Feed(text))
		} else {
			emit([]streaming.Event{{Text: text}})
		}
	}

	start := time.Now()
	go func() {
		err := h.queue.Submit(ctx, func(taskCtx context.Context) error {
			result, err := h.upstream.ChatWithHistory(taskCtx, rc.turns, func(content string) {
				select {
				case chunks <- chunkMsg{text: content}:
				case <-taskCtx.Done():
				}
			}, opts)
			if err != nil {
				return err
			}
			resultCh <- result
			return nil
		})
		errCh <- err
	}()

	// Drain chunks until the queue task settles, then flush whatever
	// is still buffered. The channel is never closed; on cancellation
	// a still-running task bails out through its own context.
	var submitErr error
	for waiting := true; waiting; {
		select {
		case chunk := <-chunks:
			feed(chunk.text)
		case submitErr = <-errCh:
			waiting = false
		}
	}
	for flushed := false; !flushed; {
		select {
		case chunk := <-chunks:
			feed(chunk.text)
		default:
			flushed = true
		}
	}

	if submitErr != nil {
		if errors.Is(submitErr, queue.ErrQueueFull) {
			return nil, apierror.Overloaded()
		}
		return nil, submitErr
	}
	result := <-resultCh
	h.metrics.UpstreamLatency.Observe(time.Since(start).Seconds())

	if detector != nil {
		emit(detector.Finalize())
	}

	h.persistOutcome(ctx, rc, outcome, result)
	return outcome, nil
}

// persistOutcome records the assistant turn and the title. Failures
// here never fail the client request.
func (h *Handler) persistOutcome(ctx context.Context, rc *requestContext, outcome *exchangeOutcome, result *upstream.ChatResult) {
	if rc.conversationID == "" {
		return
	}

	// A reply that became tool calls is not a finished assistant turn;
	// the client re-sends it with the tool outputs attached.
	if len(outcome.toolCalls) == 0 {
		h.store.AppendAssistantResponse(rc.conversationID, store.AssistantResponse{
			Content:    outcome.content,
			ToolCall:   result.ToolCall,
			ToolResult: result.ToolResult,
		}, store.StatusSucceeded, "")
	}

	if rc.requestTitle && result.Title != "" {
		if title := postProcessTitle(result.Title); title != "" {
			h.store.SetTitle(rc.conversationID, title)
		}
	}

	h.logger.WithContext(ctx).Debug("exchange persisted",
		slog.String("conversation_id", rc.conversationID),
		slog.Int("tool_calls", len(outcome.toolCalls)))
}
