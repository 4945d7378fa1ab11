package proxy

import (
	"encoding/json"
	"fmt"
)

// ChatCompletionRequest is the inbound OpenAI chat-completions body.
type ChatCompletionRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Tools    []Tool        `json:"tools,omitempty"`
	User     string        `json:"user,omitempty"`
}

// ChatMessage is one inbound message. Content accepts both the plain
// string form and the content-parts array form.
type ChatMessage struct {
	Role       string         `json:"role"`
	Content    MessageContent `json:"content"`
	ToolCalls  []OutboundTool `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Name       string         `json:"name,omitempty"`
}

// MessageContent flattens OpenAI's string-or-parts content union into
// plain text.
type MessageContent string

func (m *MessageContent) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		*m = MessageContent(text)
		return nil
	}

	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("content must be a string or an array of content parts")
	}

	var combined string
	for _, part := range parts {
		if part.Type == "text" || part.Type == "input_text" {
			combined += part.Text
		}
	}
	*m = MessageContent(combined)
	return nil
}

// Tool is a client-declared function tool.
type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// ToolFunction describes the callable the client offers.
type ToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// OutboundTool is a tool call attached to an assistant message, both
// inbound (history replay) and outbound (our responses).
type OutboundTool struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function OutboundFunction `json:"function"`
}

// OutboundFunction carries the invocation payload.
type OutboundFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ChatCompletionResponse is the non-streaming reply body.
type ChatCompletionResponse struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []CompletionChoice `json:"choices"`
}

// CompletionChoice is the single choice the gateway produces.
type CompletionChoice struct {
	Index        int               `json:"index"`
	Message      CompletionMessage `json:"message"`
	FinishReason string            `json:"finish_reason"`
}

// CompletionMessage is the assistant reply inside a choice.
type CompletionMessage struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	ToolCalls []OutboundTool `json:"tool_calls,omitempty"`
}

// ChatCompletionChunk is one streaming frame.
type ChatCompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
}

// ChunkChoice is the delta-bearing choice of a streaming frame.
type ChunkChoice struct {
	Index        int        `json:"index"`
	Delta        ChunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

// ChunkDelta carries incremental content or tool calls.
type ChunkDelta struct {
	Role      string          `json:"role,omitempty"`
	Content   string          `json:"content,omitempty"`
	ToolCalls []ChunkToolCall `json:"tool_calls,omitempty"`
}

// ChunkToolCall is a tool call emitted in a streaming delta.
type ChunkToolCall struct {
	Index    int              `json:"index"`
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function OutboundFunction `json:"function"`
}

// ModelList is the /v1/models reply.
type ModelList struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}

// Model is one entry in the model list.
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}
