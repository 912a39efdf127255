// Package llm adapts hosted chat models to agent.LLMClient.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/sameehj/sextant/pkg/agent"
)

const (
	defaultAnthropicModel   = "claude-3-5-sonnet-latest"
	defaultAnthropicBaseURL = "https://api.anthropic.com/v1"
	anthropicVersion        = "2023-06-01"
	anthropicMaxTokens      = 1024
)

// AnthropicClient speaks the Messages API. It has no token logprobs, so it
// serves the agent and model decisions but never the probe.
type AnthropicClient struct {
	apiKey  string
	model   string
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

func NewAnthropicClient(apiKey, model, baseURL string) *AnthropicClient {
	if model == "" {
		model = defaultAnthropicModel
	}
	if baseURL == "" {
		baseURL = defaultAnthropicBaseURL
	}
	return &AnthropicClient{
		apiKey:  apiKey,
		model:   model,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

// NewAnthropicFromEnv reads ANTHROPIC_API_KEY, ANTHROPIC_MODEL and ANTHROPIC_BASE_URL.
func NewAnthropicFromEnv() *AnthropicClient {
	return NewAnthropicClient(os.Getenv("ANTHROPIC_API_KEY"), os.Getenv("ANTHROPIC_MODEL"), os.Getenv("ANTHROPIC_BASE_URL"))
}

func (c *AnthropicClient) SetLogger(logger *slog.Logger) {
	c.logger = logger
}

func (c *AnthropicClient) Complete(ctx context.Context, req agent.CompletionRequest) (*agent.CompletionResponse, error) {
	if c.apiKey == "" {
		return nil, errors.New("missing ANTHROPIC_API_KEY")
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicMaxTokens
	}
	payload := anthropicRequest{
		Model:       c.model,
		MaxTokens:   maxTokens,
		System:      req.System,
		Messages:    convertMessages(req.Messages),
		Tools:       convertTools(req.Tools),
		Temperature: req.Temperature,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	if c.logger != nil {
		c.logger.Debug("anthropic_request", "model", c.model, "messages", len(payload.Messages), "tools", len(payload.Tools))
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("anthropic error: status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	var out anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}

	result := &agent.CompletionResponse{StopReason: out.StopReason}
	var text strings.Builder
	for _, blk := range out.Content {
		result.Blocks = append(result.Blocks, agent.ContentBlock{
			Type:  blk.Type,
			Text:  blk.Text,
			ID:    blk.ID,
			Name:  blk.Name,
			Input: blk.Input,
		})
		switch blk.Type {
		case "tool_use":
			result.ToolCalls = append(result.ToolCalls, agent.ToolCall{ID: blk.ID, Name: blk.Name, Input: blk.Input})
		case "text":
			text.WriteString(blk.Text)
		}
	}
	result.Content = text.String()
	return result, nil
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
	Temperature float64            `json:"temperature,omitempty"`
}

type anthropicMessage struct {
	Role    string           `json:"role"`
	Content []anthropicBlock `json:"content"`
}

type anthropicBlock struct {
	Type      string           `json:"type"`
	Text      string           `json:"text,omitempty"`
	ID        string           `json:"id,omitempty"`
	Name      string           `json:"name,omitempty"`
	Input     map[string]any   `json:"input,omitempty"`
	ToolUseID string           `json:"tool_use_id,omitempty"`
	IsError   bool             `json:"is_error,omitempty"`
	Content   []anthropicBlock `json:"content,omitempty"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicResponse struct {
	Content    []anthropicBlock `json:"content"`
	StopReason string           `json:"stop_reason"`
}

func convertMessages(msgs []agent.CompletionMessage) []anthropicMessage {
	out := make([]anthropicMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, anthropicMessage{Role: m.Role, Content: convertBlocks(m.Content)})
	}
	return out
}

func convertBlocks(blocks []agent.ContentBlock) []anthropicBlock {
	out := make([]anthropicBlock, 0, len(blocks))
	for _, b := range blocks {
		out = append(out, anthropicBlock{
			Type:      b.Type,
			Text:      b.Text,
			ID:        b.ID,
			Name:      b.Name,
			Input:     b.Input,
			ToolUseID: b.ToolUseID,
			IsError:   b.IsError,
			Content:   convertBlocks(b.Content),
		})
	}
	return out
}

func convertTools(tools []agent.ToolDefinition) []anthropicTool {
	out := make([]anthropicTool, 0, len(tools))
	for _, t := range tools {
		out = append(out, anthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return out
}
