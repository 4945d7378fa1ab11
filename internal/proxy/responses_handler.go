package proxy

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/openlumo/lumo-proxy/internal/apierror"
)

// Responses handles POST /v1/responses.
func (h *Handler) Responses(c *gin.Context) {
	var req ResponsesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, "responses", apierror.InvalidRequest("invalid request body: %v", err))
		return
	}

	chatReq, err := responsesToChatRequest(&req)
	if err != nil {
		h.writeError(c, "responses", err)
		return
	}

	rc, err := h.buildRequestContext(chatReq)
	if err != nil {
		h.writeError(c, "responses", err)
		return
	}

	if req.Stream {
		h.streamResponses(c, rc)
		return
	}

	outcome, err := h.runExchange(c.Request.Context(), rc, nil, nil)
	if err != nil {
		h.writeError(c, "responses", err)
		return
	}

	envelope := newResponseEnvelope(h.cfg.Model)
	envelope.Status = "completed"
	envelope.Output = outcomeToOutput(outcome)

	h.metrics.RequestsTotal.WithLabelValues("responses", "ok").Inc()
	c.JSON(200, envelope)
}

// responsesToChatRequest folds the Responses input shape into the
// chat-completions one so both endpoints share the pipeline.
func responsesToChatRequest(req *ResponsesRequest) (*ChatCompletionRequest, error) {
	out := &ChatCompletionRequest{
		Model:  req.Model,
		Stream: req.Stream,
		User:   req.User,
	}

	if req.Instructions != "" {
		out.Messages = append(out.Messages, ChatMessage{
			Role:    "system",
			Content: MessageContent(req.Instructions),
		})
	}

	for _, item := range req.Input {
		switch item.Type {
		case "", "message":
			role := item.Role
			if role == "" {
				role = "user"
			}
			out.Messages = append(out.Messages, ChatMessage{
				Role:    role,
				Content: item.Content,
			})

		case "function_call":
			out.Messages = append(out.Messages, ChatMessage{
				Role: "assistant",
				ToolCalls: []OutboundTool{{
					ID:       item.CallID,
					Type:     "function",
					Function: OutboundFunction{Name: item.Name, Arguments: item.Arguments},
				}},
			})

		case "function_call_output":
			out.Messages = append(out.Messages, ChatMessage{
				Role:       "tool",
				ToolCallID: item.CallID,
				Content:    MessageContent(item.Output),
			})

		default:
			return nil, apierror.InvalidRequest("unsupported input item type %q", item.Type)
		}
	}

	for _, tool := range req.Tools {
		if tool.Type != "function" {
			continue
		}
		out.Tools = append(out.Tools, Tool{
			Type: "function",
			Function: ToolFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		})
	}

	return out, nil
}

func newResponseEnvelope(model string) *ResponseEnvelope {
	return &ResponseEnvelope{
		ID:        "resp_" + uuid.New().String(),
		Object:    "response",
		CreatedAt: time.Now().Unix(),
		Status:    "in_progress",
		Model:     model,
	}
}

func outcomeToOutput(outcome *exchangeOutcome) []ResponseOutputItem {
	output := []ResponseOutputItem{{
		ID:     "msg_" + uuid.New().String(),
		Type:   "message",
		Status: "completed",
		Role:   "assistant",
		Content: []ResponseContentPart{{
			Type:        "output_text",
			Text:        outcome.content,
			Annotations: []any{},
		}},
	}}
	for _, call := range outcome.toolCalls {
		output = append(output, ResponseOutputItem{
			ID:        "fc-" + uuid.New().String(),
			Type:      "function_call",
			Status:    "completed",
			CallID:    call.ID,
			Name:      call.Name,
			Arguments: call.Arguments,
		})
	}
	return output
}

// streamResponses emits the Responses event taxonomy around the
// exchange: lifecycle, message deltas, then one function-call item per
// detected tool call.
func (h *Handler) streamResponses(c *gin.Context, rc *requestContext) {
	sse, ok := newSSEWriter(c)
	if !ok {
		h.writeError(c, "responses", apierror.Internal(nil))
		return
	}

	envelope := newResponseEnvelope(h.cfg.Model)
	messageItemID := "msg_" + uuid.New().String()
	zero := 0

	emit := func(name string, ev responsesEvent) {
		ev.Type = name
		_ = sse.event(name, ev)
	}

	emit("response.created", responsesEvent{Response: envelope})
	emit("response.in_progress", responsesEvent{Response: envelope})

	messageOpen := false
	outputIndex := 0
	openMessage := func() {
		if messageOpen {
			return
		}
		messageOpen = true
		emit("response.output_item.added", responsesEvent{
			OutputIndex: &outputIndex,
			Item: &ResponseOutputItem{
				ID:     messageItemID,
				Type:   "message",
				Status: "in_progress",
				Role:   "assistant",
			},
		})
		emit("response.content_part.added", responsesEvent{
			ItemID:       messageItemID,
			OutputIndex:  &outputIndex,
			ContentIndex: &zero,
			Part:         &ResponseContentPart{Type: "output_text", Text: "", Annotations: []any{}},
		})
	}

	onText := func(text string) {
		openMessage()
		emit("response.output_text.delta", responsesEvent{
			ItemID:       messageItemID,
			OutputIndex:  &outputIndex,
			ContentIndex: &zero,
			Delta:        text,
		})
	}

	outcome, err := h.runExchange(c.Request.Context(), rc, onText, nil)
	if err != nil {
		apiErr := apierror.From(err)
		h.metrics.RequestsTotal.WithLabelValues("responses", "error").Inc()
		h.logger.WithContext(c.Request.Context()).Error("streaming exchange failed",
			slog.String("error", apiErr.Error()))
		emit("error", responsesEvent{Text: apiErr.Message})
		return
	}

	if outcome.command && !messageOpen {
		onText(outcome.commandReply)
	}
	openMessage()

	emit("response.output_text.done", responsesEvent{
		ItemID:       messageItemID,
		OutputIndex:  &outputIndex,
		ContentIndex: &zero,
		Text:         outcome.content,
	})
	emit("response.content_part.done", responsesEvent{
		ItemID:       messageItemID,
		OutputIndex:  &outputIndex,
		ContentIndex: &zero,
		Part:         &ResponseContentPart{Type: "output_text", Text: outcome.content, Annotations: []any{}},
	})

	output := outcomeToOutput(outcome)
	output[0].ID = messageItemID
	emit("response.output_item.done", responsesEvent{
		OutputIndex: &outputIndex,
		Item:        &output[0],
	})

	// Function calls are emitted after the text; the upstream finishes
	// the message before the detector can classify its tail.
	for i, call := range outcome.toolCalls {
		idx := outputIndex + 1 + i
		item := &output[1+i]
		emit("response.output_item.added", responsesEvent{
			OutputIndex: &idx,
			Item: &ResponseOutputItem{
				ID:     item.ID,
				Type:   "function_call",
				Status: "in_progress",
				CallID: call.ID,
				Name:   call.Name,
			},
		})
		emit("response.function_call_arguments.delta", responsesEvent{
			ItemID:      item.ID,
			OutputIndex: &idx,
			Delta:       call.Arguments,
		})
		emit("response.function_call_arguments.done", responsesEvent{
			ItemID:      item.ID,
			OutputIndex: &idx,
			Arguments:   call.Arguments,
		})
		emit("response.output_item.done", responsesEvent{
			OutputIndex: &idx,
			Item:        item,
		})
	}

	envelope.Status = "completed"
	envelope.Output = output
	emit("response.completed", responsesEvent{Response: envelope})
	h.metrics.RequestsTotal.WithLabelValues("responses", "ok").Inc()
}
