package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/sameehj/sextant/pkg/agent"
)

const defaultOpenAIModel = "gpt-4o-mini"

// OpenAIClient speaks the Chat Completions API with function tools.
type OpenAIClient struct {
	client *openai.Client
	apiKey string
	model  string
	logger *slog.Logger
}

// NewOpenAIClient builds a client. An empty baseURL targets api.openai.com.
func NewOpenAIClient(apiKey, model, baseURL string) *OpenAIClient {
	if model == "" {
		model = defaultOpenAIModel
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	cfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	return &OpenAIClient{client: openai.NewClientWithConfig(cfg), apiKey: apiKey, model: model}
}

// NewOpenAIFromEnv reads OPENAI_API_KEY, OPENAI_MODEL and OPENAI_BASE_URL.
func NewOpenAIFromEnv() *OpenAIClient {
	return NewOpenAIClient(os.Getenv("OPENAI_API_KEY"), os.Getenv("OPENAI_MODEL"), os.Getenv("OPENAI_BASE_URL"))
}

func (c *OpenAIClient) SetLogger(logger *slog.Logger) {
	c.logger = logger
}

func (c *OpenAIClient) Complete(ctx context.Context, req agent.CompletionRequest) (*agent.CompletionResponse, error) {
	if c.apiKey == "" {
		return nil, errors.New("missing OPENAI_API_KEY")
	}
	msgs := convertOpenAIMessages(req.Messages)
	if req.System != "" {
		msgs = append([]openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleSystem, Content: req.System}}, msgs...)
	}
	payload := openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    msgs,
		Tools:       convertOpenAITools(req.Tools),
		MaxTokens:   req.MaxTokens,
		Temperature: float32(req.Temperature),
	}
	if c.logger != nil {
		c.logger.Debug("openai_request", "model", c.model, "messages", len(msgs), "tools", len(payload.Tools))
	}

	resp, err := c.client.CreateChatCompletion(ctx, payload)
	if err != nil {
		return nil, fmt.Errorf("openai error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai error: empty response")
	}
	choice := resp.Choices[0]
	out := &agent.CompletionResponse{StopReason: string(choice.FinishReason)}
	if choice.Message.Content != "" {
		out.Content = choice.Message.Content
		out.Blocks = append(out.Blocks, agent.ContentBlock{Type: "text", Text: choice.Message.Content})
	}
	for _, call := range choice.Message.ToolCalls {
		input := decodeArgs(call.Function.Arguments)
		out.ToolCalls = append(out.ToolCalls, agent.ToolCall{ID: call.ID, Name: call.Function.Name, Input: input})
		out.Blocks = append(out.Blocks, agent.ContentBlock{Type: "tool_use", ID: call.ID, Name: call.Function.Name, Input: input})
	}
	return out, nil
}

// convertOpenAIMessages flattens content blocks into chat messages. Tool
// results become separate "tool" role messages after their turn.
func convertOpenAIMessages(msgs []agent.CompletionMessage) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		var (
			text        strings.Builder
			toolCalls   []openai.ToolCall
			toolResults []openai.ChatCompletionMessage
		)
		for _, b := range m.Content {
			switch b.Type {
			case "text":
				text.WriteString(b.Text)
			case "tool_use":
				toolCalls = append(toolCalls, openai.ToolCall{
					ID:   b.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      b.Name,
						Arguments: mustJSON(b.Input),
					},
				})
			case "tool_result":
				content := extractText(b)
				if content == "" {
					content = "(no output)"
				}
				toolResults = append(toolResults, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    content,
					ToolCallID: b.ToolUseID,
				})
			}
		}

		switch {
		case len(toolCalls) > 0:
			out = append(out, openai.ChatCompletionMessage{
				Role:      openai.ChatMessageRoleAssistant,
				Content:   text.String(),
				ToolCalls: toolCalls,
			})
		case text.Len() > 0 || len(toolResults) == 0:
			out = append(out, openai.ChatCompletionMessage{Role: normalizeOpenAIRole(m.Role), Content: text.String()})
		}
		out = append(out, toolResults...)
	}
	return out
}

func convertOpenAITools(tools []agent.ToolDefinition) []openai.Tool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}
	return out
}

func extractText(b agent.ContentBlock) string {
	if b.Text != "" {
		return b.Text
	}
	for _, c := range b.Content {
		if c.Type == "text" && c.Text != "" {
			return c.Text
		}
	}
	return ""
}

func mustJSON(v map[string]any) string {
	if v == nil {
		return "{}"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// decodeArgs returns nil when the model produced arguments that are not a
// JSON object.
func decodeArgs(s string) map[string]any {
	if s == "" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}

func normalizeOpenAIRole(role string) string {
	switch role {
	case openai.ChatMessageRoleUser, openai.ChatMessageRoleAssistant, openai.ChatMessageRoleSystem:
		return role
	default:
		return openai.ChatMessageRoleUser
	}
}
