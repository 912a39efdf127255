package decision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/sameehj/sextant/pkg/agent"
)

// ModelSource asks a chat model for a JSON verdict.
type ModelSource struct {
	llm       agent.LLMClient
	maxTokens int
}

func NewModelSource(llm agent.LLMClient) *ModelSource {
	return &ModelSource{llm: llm, maxTokens: 512}
}

type modelVerdict struct {
	Decision   string  `json:"decision"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale"`
}

func (s *ModelSource) Decide(ctx context.Context, c Case) (Proposal, error) {
	resp, err := s.llm.Complete(ctx, agent.CompletionRequest{
		System:    modelSystemPrompt,
		Messages:  []agent.CompletionMessage{agent.TextMessage("user", buildCasePrompt(c))},
		MaxTokens: s.maxTokens,
	})
	if err != nil {
		return Proposal{}, fmt.Errorf("model decision: %w", err)
	}
	v, err := parseVerdict(resp.Content)
	if err != nil {
		return Proposal{}, err
	}
	return Proposal{
		Decision:   v.Decision,
		Confidence: min(max(v.Confidence, 0), 1),
		Rationale:  v.Rationale,
		Source:     "model",
	}, nil
}

const modelSystemPrompt = "You are a careful credit and compliance analyst. You decide cases strictly from the facts given."

func buildCasePrompt(c Case) string {
	return fmt.Sprintf(`Decide the following case.

%s

Respond with a JSON object in this exact format:
{
  "decision": "APROVADO or BLOQUEADO",
  "confidence": 0.85,
  "rationale": "short explanation grounded in the facts above"
}

CRITICAL: Respond with ONLY valid JSON. No markdown, no code blocks, no explanations outside the JSON.
`, c.Describe())
}

// parseVerdict accepts a bare JSON object or one wrapped in prose or code
// fences.
func parseVerdict(text string) (modelVerdict, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return modelVerdict{}, errors.New("model decision: no JSON object in response")
	}
	var v modelVerdict
	if err := json.Unmarshal([]byte(text[start:end+1]), &v); err != nil {
		return modelVerdict{}, fmt.Errorf("model decision: parse verdict: %w", err)
	}
	v.Decision = strings.ToUpper(strings.TrimSpace(v.Decision))
	if v.Decision == "" {
		return modelVerdict{}, errors.New("model decision: verdict has no decision")
	}
	return v, nil
}
