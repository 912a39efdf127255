package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sameehj/sextant/pkg/agent"
)

func TestAnthropicCompleteRoundTrip(t *testing.T) {
	t.Parallel()

	var got anthropicRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "k" || r.Header.Get("anthropic-version") == "" {
			t.Errorf("missing auth headers")
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"stop_reason":"tool_use","content":[
			{"type":"text","text":"Auditing first."},
			{"type":"tool_use","id":"tu_1","name":"audit","input":{"prompt_context":"ctx","proposed_decision":"BLOQUEADO"}}]}`))
	}))
	defer srv.Close()

	c := NewAnthropicClient("k", "", srv.URL+"/v1")
	resp, err := c.Complete(context.Background(), agent.CompletionRequest{
		System:   "sys",
		Messages: []agent.CompletionMessage{agent.TextMessage("user", "block?")},
		Tools:    []agent.ToolDefinition{agent.AuditTool()},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "Auditing first." || len(resp.ToolCalls) != 1 || len(resp.Blocks) != 2 {
		t.Fatalf("unexpected response %+v", resp)
	}
	if got.MaxTokens != anthropicMaxTokens || got.System != "sys" || len(got.Tools) != 1 {
		t.Fatalf("unexpected request %+v", got)
	}
}

func TestAnthropicCompleteStatusError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"overloaded"}`, 529)
	}))
	defer srv.Close()

	_, err := NewAnthropicClient("k", "", srv.URL).Complete(context.Background(), agent.CompletionRequest{})
	if err == nil || !strings.Contains(err.Error(), "anthropic error: status 529") {
		t.Fatalf("err = %v", err)
	}
}
