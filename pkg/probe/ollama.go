package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// OllamaClient reads top logprobs from a local Ollama server's chat endpoint.
type OllamaClient struct {
	baseURL string
	model   string
	client  *http.Client
}

// NewOllamaClient targets baseURL (default http://localhost:11434) with model
// (default llama3.1).
func NewOllamaClient(baseURL, model string) *OllamaClient {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "llama3.1"
	}
	return &OllamaClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

// NewOllamaFromEnv reads OLLAMA_HOST and OLLAMA_MODEL.
func NewOllamaFromEnv() *OllamaClient {
	return NewOllamaClient(os.Getenv("OLLAMA_HOST"), os.Getenv("OLLAMA_MODEL"))
}

func (c *OllamaClient) Model() string { return c.model }

type ollamaChatRequest struct {
	Model       string          `json:"model"`
	Messages    []ollamaMessage `json:"messages"`
	Stream      bool            `json:"stream"`
	Logprobs    bool            `json:"logprobs"`
	TopLogprobs int             `json:"top_logprobs"`
	Options     ollamaOptions   `json:"options"`
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict"`
}

type ollamaChatResponse struct {
	Logprobs []struct {
		Token       string         `json:"token"`
		Logprob     float64        `json:"logprob"`
		TopLogprobs []TokenLogprob `json:"top_logprobs"`
	} `json:"logprobs"`
	Error string `json:"error"`
}

func (c *OllamaClient) TopLogprobs(ctx context.Context, req Request) ([]TokenLogprob, error) {
	msgs := make([]ollamaMessage, 0, 2)
	if req.System != "" {
		msgs = append(msgs, ollamaMessage{Role: "system", Content: req.System})
	}
	msgs = append(msgs, ollamaMessage{Role: "user", Content: req.Prompt})

	payload, err := json.Marshal(ollamaChatRequest{
		Model:       c.model,
		Messages:    msgs,
		Logprobs:    true,
		TopLogprobs: req.TopLogprobs,
		Options:     ollamaOptions{Temperature: req.Temperature, NumPredict: req.MaxTokens},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("ollama API error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var out ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("ollama API error: %s", out.Error)
	}
	if len(out.Logprobs) == 0 {
		return nil, ErrNoLogprobs
	}
	first := out.Logprobs[0]
	if len(first.TopLogprobs) > 0 {
		return first.TopLogprobs, nil
	}
	return []TokenLogprob{{Token: first.Token, Logprob: first.Logprob}}, nil
}
