// Package llm provides the LLM provider clients behind one Client
// interface. Conversion between the neutral types here and each
// provider's wire format happens at the provider boundary.
package llm

// Message roles in a conversation transcript.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one turn in a conversation transcript.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`

	// ToolCalls is set on assistant turns that request tool use.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID is set on tool turns and names the call being answered.
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	// ID correlates the call with its result turn. Provider-assigned
	// when the provider supplies one.
	ID string `json:"id,omitempty"`

	// Name is the tool name as presented to the model.
	Name string `json:"name"`

	// Arguments are the decoded call arguments.
	Arguments map[string]any `json:"arguments"`
}

// ChatResponse is the unified response from any provider.
type ChatResponse struct {
	Model   string
	Message Message

	// Token usage, when the provider reports it.
	InputTokens  int
	OutputTokens int
}
