package streaming

import "encoding/json"

// ToolCall is the normalized invocation shape handed to clients.
type ToolCall struct {
	Name      string
	Arguments map[string]any
}

// ArgumentsJSON renders the arguments as a compact JSON string.
func (t *ToolCall) ArgumentsJSON() string {
	if t.Arguments == nil {
		return "{}"
	}
	raw, err := json.Marshal(t.Arguments)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

// Normalize accepts the tool-call shapes different models emit and
// reduces them to name plus arguments object. It reports false for
// anything that is not recognizably a tool call.
//
// Accepted shapes:
//
//	{"name": ..., "arguments": {...}}
//	{"name": ..., "parameters": {...}}
//	{"name": ...}
//	{"type": "function_call", "name": ..., "arguments": "json string"}
//	{"type": "function", "function": {"name": ..., "arguments": "json string"}}
func Normalize(raw []byte) (*ToolCall, bool) {
	var probe struct {
		Type       string          `json:"type"`
		Name       string          `json:"name"`
		Arguments  json.RawMessage `json:"arguments"`
		Parameters json.RawMessage `json:"parameters"`
		Function   *struct {
			Name      string `json:"name"`
			Arguments string `json:"arguments"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, false
	}

	if probe.Type == "function" {
		if probe.Function == nil || probe.Function.Name == "" {
			return nil, false
		}
		return &ToolCall{
			Name:      probe.Function.Name,
			Arguments: parseArgumentsString(probe.Function.Arguments),
		}, true
	}

	if probe.Name == "" {
		return nil, false
	}

	if probe.Type == "function_call" {
		var argsString string
		if err := json.Unmarshal(probe.Arguments, &argsString); err != nil {
			return nil, false
		}
		return &ToolCall{Name: probe.Name, Arguments: parseArgumentsString(argsString)}, true
	}

	args := probe.Arguments
	if args == nil {
		args = probe.Parameters
	}
	if args == nil {
		return &ToolCall{Name: probe.Name, Arguments: map[string]any{}}, true
	}

	var obj map[string]any
	if err := json.Unmarshal(args, &obj); err != nil {
		return nil, false
	}
	return &ToolCall{Name: probe.Name, Arguments: obj}, true
}

func parseArgumentsString(s string) map[string]any {
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return map[string]any{}
	}
	return obj
}
