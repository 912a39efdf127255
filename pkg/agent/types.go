package agent

import "context"

// LLMClient is a chat model that can call tools. Provider adapters live in
// pkg/agent/llm.
type LLMClient interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

type CompletionRequest struct {
	System      string
	Messages    []CompletionMessage
	Tools       []ToolDefinition
	MaxTokens   int
	Temperature float64
}

// CompletionMessage is one conversation turn. Roles are "user" and
// "assistant"; tool results travel as tool_result blocks in a user turn.
type CompletionMessage struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

type ContentBlock struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`
	Content   []ContentBlock `json:"content,omitempty"`
}

type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type CompletionResponse struct {
	Content    string
	Blocks     []ContentBlock
	ToolCalls  []ToolCall
	StopReason string
}

type ToolCall struct {
	ID    string
	Name  string
	Input map[string]any
}

// TextMessage builds a single-text-block message.
func TextMessage(role, text string) CompletionMessage {
	return CompletionMessage{Role: role, Content: []ContentBlock{{Type: "text", Text: text}}}
}
