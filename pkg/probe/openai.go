package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"os"
	"strings"

	"github.com/sashabaranov/go-openai"
)

const defaultOpenAIModel = "gpt-4o-mini"

// OpenAIClient reads top logprobs from the Chat Completions API. BaseURL
// overrides let it target any OpenAI-compatible server.
type OpenAIClient struct {
	client *openai.Client
	model  string
	logger *slog.Logger
}

// OpenAIOptions configures NewOpenAIClient. Empty fields fall back to defaults.
type OpenAIOptions struct {
	APIKey     string
	Model      string
	BaseURL    string
	HTTPClient *http.Client
}

func NewOpenAIClient(opts OpenAIOptions) (*OpenAIClient, error) {
	if opts.APIKey == "" {
		return nil, errors.New("missing OPENAI_API_KEY")
	}
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	}
	if opts.HTTPClient != nil {
		cfg.HTTPClient = opts.HTTPClient
	}
	model := opts.Model
	if model == "" {
		model = defaultOpenAIModel
	}
	return &OpenAIClient{client: openai.NewClientWithConfig(cfg), model: model}, nil
}

// NewOpenAIFromEnv reads OPENAI_API_KEY, OPENAI_MODEL and OPENAI_BASE_URL.
func NewOpenAIFromEnv() (*OpenAIClient, error) {
	return NewOpenAIClient(OpenAIOptions{
		APIKey:  os.Getenv("OPENAI_API_KEY"),
		Model:   os.Getenv("OPENAI_MODEL"),
		BaseURL: os.Getenv("OPENAI_BASE_URL"),
	})
}

func (c *OpenAIClient) SetLogger(logger *slog.Logger) {
	c.logger = logger
}

func (c *OpenAIClient) Model() string { return c.model }

func (c *OpenAIClient) TopLogprobs(ctx context.Context, req Request) ([]TokenLogprob, error) {
	msgs := make([]openai.ChatCompletionMessage, 0, 2)
	if req.System != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Prompt})

	// The library drops a zero temperature as omitempty, which the API reads as 1.
	temperature := float32(req.Temperature)
	if temperature == 0 {
		temperature = math.SmallestNonzeroFloat32
	}
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    msgs,
		MaxTokens:   req.MaxTokens,
		Temperature: temperature,
		LogProbs:    true,
		TopLogProbs: req.TopLogprobs,
	})
	if err != nil {
		return nil, fmt.Errorf("openai error: %w", err)
	}
	if c.logger != nil {
		c.logger.Debug("openai_probe", "model", c.model, "choices", len(resp.Choices))
	}
	if len(resp.Choices) == 0 || resp.Choices[0].LogProbs == nil || len(resp.Choices[0].LogProbs.Content) == 0 {
		return nil, ErrNoLogprobs
	}
	first := resp.Choices[0].LogProbs.Content[0]
	out := make([]TokenLogprob, 0, len(first.TopLogProbs)+1)
	for _, top := range first.TopLogProbs {
		out = append(out, TokenLogprob{Token: top.Token, Logprob: top.LogProb})
	}
	if len(out) == 0 {
		out = append(out, TokenLogprob{Token: first.Token, Logprob: first.LogProb})
	}
	return out, nil
}
