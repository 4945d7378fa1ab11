package proxy

import (
	"encoding/json"
	"fmt"
)

// ResponsesRequest is the inbound /v1/responses body.
type ResponsesRequest struct {
	Model        string          `json:"model"`
	Input        ResponsesInput  `json:"input"`
	Instructions string          `json:"instructions,omitempty"`
	Stream       bool            `json:"stream"`
	Tools        []ResponsesTool `json:"tools,omitempty"`
	User         string          `json:"user,omitempty"`
}

// ResponsesTool is the flat tool declaration of the Responses API.
type ResponsesTool struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ResponsesInput accepts either a bare string or a list of input items.
type ResponsesInput []ResponseInputItem

// ResponseInputItem is one element of the input array.
type ResponseInputItem struct {
	Type    string         `json:"type,omitempty"`
	Role    string         `json:"role,omitempty"`
	Content MessageContent `json:"content,omitempty"`

	// function_call fields
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`

	// function_call_output fields
	Output string `json:"output,omitempty"`
}

func (r *ResponsesInput) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		*r = ResponsesInput{{Type: "message", Role: "user", Content: MessageContent(text)}}
		return nil
	}

	var items []ResponseInputItem
	if err := json.Unmarshal(data, &items); err != nil {
		return fmt.Errorf("input must be a string or an array of input items")
	}
	*r = ResponsesInput(items)
	return nil
}

// ResponseEnvelope is the final response object, also carried inside
// lifecycle events.
type ResponseEnvelope struct {
	ID        string               `json:"id"`
	Object    string               `json:"object"`
	CreatedAt int64                `json:"created_at"`
	Status    string               `json:"status"`
	Model     string               `json:"model"`
	Output    []ResponseOutputItem `json:"output"`
}

// ResponseOutputItem is one output entry: the assistant message or a
// function call.
type ResponseOutputItem struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Status string `json:"status"`

	// message fields
	Role    string                `json:"role,omitempty"`
	Content []ResponseContentPart `json:"content,omitempty"`

	// function_call fields
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// ResponseContentPart is an output_text segment of a message item.
type ResponseContentPart struct {
	Type        string `json:"type"`
	Text        string `json:"text"`
	Annotations []any  `json:"annotations"`
}

// responsesEvent is the generic streamed event payload. Fields are
// pruned by omitempty per event type.
type responsesEvent struct {
	Type         string               `json:"type"`
	Response     *ResponseEnvelope    `json:"response,omitempty"`
	OutputIndex  *int                 `json:"output_index,omitempty"`
	Item         *ResponseOutputItem  `json:"item,omitempty"`
	ItemID       string               `json:"item_id,omitempty"`
	ContentIndex *int                 `json:"content_index,omitempty"`
	Part         *ResponseContentPart `json:"part,omitempty"`
	Delta        string               `json:"delta,omitempty"`
	Text         string               `json:"text,omitempty"`
	Arguments    string               `json:"arguments,omitempty"`
}
