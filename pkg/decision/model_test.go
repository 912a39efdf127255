package decision

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/sameehj/sextant/pkg/agent"
)

type cannedLLM struct {
	content string
	err     error
	last    agent.CompletionRequest
}

func (c *cannedLLM) Complete(_ context.Context, req agent.CompletionRequest) (*agent.CompletionResponse, error) {
	c.last = req
	if c.err != nil {
		return nil, c.err
	}
	return &agent.CompletionResponse{Content: c.content}, nil
}

func TestModelSourceParsesVerdict(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"bare":   `{"decision":"aprovado","confidence":0.9,"rationale":"score 750"}`,
		"fenced": "```json\n{\"decision\": \"APROVADO\", \"confidence\": 0.9, \"rationale\": \"score 750\"}\n```",
		"prose":  "Here you go: {\"decision\":\"APROVADO\",\"confidence\":0.9,\"rationale\":\"score 750\"} Thanks.",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			llm := &cannedLLM{content: content}
			got, err := NewModelSource(llm).Decide(context.Background(), Case{Subject: "loan", Facts: map[string]float64{"score": 750}})
			if err != nil {
				t.Fatalf("Decide: %v", err)
			}
			if got.Decision != "APROVADO" || got.Confidence != 0.9 || got.Source != "model" {
				t.Fatalf("unexpected proposal %+v", got)
			}
			if !strings.Contains(llm.last.Messages[0].Content[0].Text, "- score: 750") {
				t.Fatalf("prompt does not carry the facts")
			}
		})
	}
}

func TestModelSourceErrors(t *testing.T) {
	t.Parallel()

	if _, err := NewModelSource(&cannedLLM{err: errors.New("boom")}).Decide(context.Background(), Case{}); err == nil {
		t.Fatal("expected client error")
	}
	if _, err := NewModelSource(&cannedLLM{content: "I cannot decide."}).Decide(context.Background(), Case{}); err == nil {
		t.Fatal("expected parse error")
	}
	if _, err := NewModelSource(&cannedLLM{content: `{"confidence":1}`}).Decide(context.Background(), Case{}); err == nil {
		t.Fatal("expected missing decision error")
	}
}

func TestModelSourceClampsConfidence(t *testing.T) {
	t.Parallel()

	got, err := NewModelSource(&cannedLLM{content: `{"decision":"BLOQUEADO","confidence":7}`}).Decide(context.Background(), Case{})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if got.Confidence != 1 {
		t.Fatalf("confidence = %v", got.Confidence)
	}
}
