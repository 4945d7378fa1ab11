package streaming

import "testing"

func TestNormalizeShapes(t *testing.T) {
	cases := []struct {
		name     string
		raw      string
		ok       bool
		wantName string
		wantArg  map[string]any
	}{
		{
			name:     "canonical",
			raw:      `{"name":"search","arguments":{"q":"x"}}`,
			ok:       true,
			wantName: "search",
			wantArg:  map[string]any{"q": "x"},
		},
		{
			name:     "parameters synonym",
			raw:      `{"name":"search","parameters":{"q":"x"}}`,
			ok:       true,
			wantName: "search",
			wantArg:  map[string]any{"q": "x"},
		},
		{
			name:     "name only",
			raw:      `{"name":"ping"}`,
			ok:       true,
			wantName: "ping",
			wantArg:  map[string]any{},
		},
		{
			name:     "function_call with string arguments",
			raw:      `{"type":"function_call","name":"search","arguments":"{\"q\":\"x\"}"}`,
			ok:       true,
			wantName: "search",
			wantArg:  map[string]any{"q": "x"},
		},
		{
			name:     "function_call with unparseable arguments",
			raw:      `{"type":"function_call","name":"search","arguments":"not json"}`,
			ok:       true,
			wantName: "search",
			wantArg:  map[string]any{},
		},
		{
			name:     "function wrapper",
			raw:      `{"type":"function","function":{"name":"search","arguments":"{\"q\":\"x\"}"}}`,
			ok:       true,
			wantName: "search",
			wantArg:  map[string]any{"q": "x"},
		},
		{
			name: "plain data object",
			raw:  `{"just":"data"}`,
			ok:   false,
		},
		{
			name: "not json",
			raw:  `hello there`,
			ok:   false,
		},
		{
			name: "arguments not an object",
			raw:  `{"name":"search","arguments":[1,2]}`,
			ok:   false,
		},
		{
			name: "function wrapper without name",
			raw:  `{"type":"function","function":{"arguments":"{}"}}`,
			ok:   false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			call, ok := Normalize([]byte(tc.raw))
			if ok != tc.ok {
				t.Fatalf("ok = %v, want %v", ok, tc.ok)
			}
			if !ok {
				return
			}
			if call.Name != tc.wantName {
				t.Errorf("name = %q, want %q", call.Name, tc.wantName)
			}
			if len(call.Arguments) != len(tc.wantArg) {
				t.Errorf("arguments = %v, want %v", call.Arguments, tc.wantArg)
			}
			for k, v := range tc.wantArg {
				if call.Arguments[k] != v {
					t.Errorf("arguments[%s] = %v, want %v", k, call.Arguments[k], v)
				}
			}
		})
	}
}

func TestArgumentsJSON(t *testing.T) {
	call := &ToolCall{Name: "search", Arguments: map[string]any{"q": "x"}}
	if got := call.ArgumentsJSON(); got != `{"q":"x"}` {
		t.Errorf("ArgumentsJSON = %q", got)
	}

	empty := &ToolCall{Name: "ping"}
	if got := empty.ArgumentsJSON(); got != "{}" {
		t.Errorf("ArgumentsJSON = %q", got)
	}
}
