package proxy

import (
	"encoding/json"
	"strings"

	"github.com/openlumo/lumo-proxy/internal/apierror"
	"github.com/openlumo/lumo-proxy/internal/store"
	"github.com/openlumo/lumo-proxy/internal/upstream"
)

// functionCallPayload is the upstream representation of an assistant
// tool invocation replayed in the history.
type functionCallPayload struct {
	Type      string `json:"type"`
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// functionOutputPayload is the upstream representation of a tool
// result supplied by the client.
type functionOutputPayload struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
	Output string `json:"output"`
}

// convertMessages maps inbound OpenAI messages to store records.
// System text is extracted, not emitted as a turn; it joins the
// instructions string instead.
func convertMessages(messages []ChatMessage) (incoming []store.Incoming, systemText string, err error) {
	var systemParts []string

	for _, msg := range messages {
		switch msg.Role {
		case "system", "developer":
			if text := string(msg.Content); text != "" {
				systemParts = append(systemParts, text)
			}

		case "user":
			incoming = append(incoming, store.Incoming{
				Role:    upstream.RoleUser,
				Content: string(msg.Content),
			})

		case "assistant":
			if len(msg.ToolCalls) == 0 {
				incoming = append(incoming, store.Incoming{
					Role:    upstream.RoleAssistant,
					Content: string(msg.Content),
				})
				break
			}
			// Replayed tool calls become user turns the model can read
			// back, one per call, keyed by the tool_call_id.
			for _, call := range msg.ToolCalls {
				payload, err := json.Marshal(functionCallPayload{
					Type:      "function_call",
					CallID:    call.ID,
					Name:      call.Function.Name,
					Arguments: call.Function.Arguments,
				})
				if err != nil {
					return nil, "", apierror.Internal(err)
				}
				incoming = append(incoming, store.Incoming{
					ID:      call.ID,
					Role:    upstream.RoleUser,
					Content: string(payload),
				})
			}

		case "tool":
			payload, err := json.Marshal(functionOutputPayload{
				Type:   "function_call_output",
				CallID: msg.ToolCallID,
				Output: string(msg.Content),
			})
			if err != nil {
				return nil, "", apierror.Internal(err)
			}
			incoming = append(incoming, store.Incoming{
				ID:      msg.ToolCallID,
				Role:    upstream.RoleUser,
				Content: string(payload),
			})

		default:
			return nil, "", apierror.InvalidRequest("unsupported message role %q", msg.Role)
		}
	}

	return incoming, strings.Join(systemParts, "\n\n"), nil
}

// toTurns projects store records straight to upstream turns for
// stateless requests.
func toTurns(incoming []store.Incoming) []upstream.Turn {
	turns := make([]upstream.Turn, 0, len(incoming))
	for _, in := range incoming {
		turns = append(turns, upstream.Turn{Role: in.Role, Content: in.Content})
	}
	return turns
}

// lastUserContent returns the content of the final user message, for
// command matching.
func lastUserContent(messages []ChatMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return string(messages[i].Content)
		}
	}
	return ""
}

// hasUserMessage reports whether any inbound message is a user turn.
func hasUserMessage(messages []ChatMessage) bool {
	for _, msg := range messages {
		if msg.Role == "user" {
			return true
		}
	}
	return false
}

// buildInstructions assembles the final instructions string: the
// configured default, the tool prologue when custom tools are present,
// and the extracted system text, blank-line separated.
func buildInstructions(defaultInstructions string, tools []Tool, systemText string) string {
	var parts []string
	if defaultInstructions != "" {
		parts = append(parts, defaultInstructions)
	}
	if prologue := toolPrologue(tools); prologue != "" {
		parts = append(parts, prologue)
	}
	if systemText != "" {
		parts = append(parts, systemText)
	}
	return strings.Join(parts, "\n\n")
}

// toolPrologue teaches the model to invoke the client's tools by
// emitting a fenced JSON object instead of prose.
func toolPrologue(tools []Tool) string {
	if len(tools) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("You have access to the following tools. To call one, reply with a single JSON object inside a ```json code fence, shaped as {\"name\": \"<tool>\", \"arguments\": {...}}. Do not add prose around the fence when calling a tool.\n\nAvailable tools:")
	for _, tool := range tools {
		if tool.Function.Name == "" {
			continue
		}
		b.WriteString("\n- ")
		b.WriteString(tool.Function.Name)
		if tool.Function.Description != "" {
			b.WriteString(": ")
			b.WriteString(tool.Function.Description)
		}
		if len(tool.Function.Parameters) > 0 {
			b.WriteString("\n  parameters: ")
			b.Write(tool.Function.Parameters)
		}
	}
	return b.String()
}
