package upstream

// Role is an upstream turn role.
type Role string

const (
	RoleAssistant  Role = "assistant"
	RoleUser       Role = "user"
	RoleSystem     Role = "system"
	RoleToolCall   Role = "tool_call"
	RoleToolResult Role = "tool_result"
)

// Turn is a single message in the upstream prompt format.
type Turn struct {
	Role      Role   `json:"role"`
	Content   string `json:"content"`
	Encrypted bool   `json:"encrypted,omitempty"`
}

// InjectPosition selects which user turn receives the instructions prefix.
type InjectPosition string

const (
	InjectFirst InjectPosition = "first"
	InjectLast  InjectPosition = "last"
)

// ChatOptions tunes a single ChatWithHistory call.
type ChatOptions struct {
	Instructions           string
	InjectInstructionsInto InjectPosition
	RequestTitle           bool
	EnableExternalTools    bool
}

// ChatResult is the assembled outcome of one upstream call.
type ChatResult struct {
	Message    string
	Title      string
	ToolCall   string
	ToolResult string
}

// ChunkFunc receives decrypted message text as it streams in.
// It is invoked synchronously from the SSE read loop.
type ChunkFunc func(content string)

// baseTools is always advertised to the upstream.
var baseTools = []string{"proton_info"}

// externalTools is added when external tool use is enabled.
var externalTools = []string{"web_search", "weather", "stock", "cryptocurrency"}

// event targets
const (
	targetMessage    = "message"
	targetTitle      = "title"
	targetToolCall   = "tool_call"
	targetToolResult = "tool_result"
)

// sseEvent is one decoded `data:` frame from the upstream stream.
type sseEvent struct {
	Type      string `json:"type"`
	Target    string `json:"target,omitempty"`
	Count     int    `json:"count,omitempty"`
	Content   string `json:"content,omitempty"`
	Encrypted bool   `json:"encrypted,omitempty"`
}

// promptEnvelope is the outer request body shape.
type promptEnvelope struct {
	Prompt promptBody `json:"Prompt"`
}

type promptBody struct {
	Type       string        `json:"type"`
	Turns      []Turn        `json:"turns"`
	Options    promptOptions `json:"options"`
	Targets    []string      `json:"targets"`
	RequestKey string        `json:"request_key"`
	RequestID  string        `json:"request_id"`
}

type promptOptions struct {
	Tools []string `json:"tools"`
}
