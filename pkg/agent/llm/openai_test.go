package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sameehj/sextant/pkg/agent"
)

func TestConvertOpenAIMessagesToolResultNonEmpty(t *testing.T) {
	t.Logf("tool_result should map to non-empty tool message")
	msgs := []agent.CompletionMessage{
		{
			Role: "user",
			Content: []agent.ContentBlock{
				{Type: "tool_result", ToolUseID: "t1"},
			},
		},
	}
	out := convertOpenAIMessages(msgs)
	if len(out) != 1 {
		t.Fatalf("expected 1 message, got %d", len(out))
	}
	if out[0].Role != "tool" || out[0].ToolCallID != "t1" {
		t.Fatalf("expected tool message for t1, got %+v", out[0])
	}
	if out[0].Content == "" {
		t.Fatalf("expected non-empty tool content")
	}
}

func TestConvertOpenAIMessagesToolUse(t *testing.T) {
	t.Logf("tool_use should map to tool_calls")
	msgs := []agent.CompletionMessage{
		{
			Role: "assistant",
			Content: []agent.ContentBlock{
				{Type: "tool_use", ID: "t1", Name: "audit", Input: map[string]any{"proposed_decision": "APROVADO"}},
			},
		},
	}
	out := convertOpenAIMessages(msgs)
	if len(out) != 1 || len(out[0].ToolCalls) != 1 {
		t.Fatalf("expected 1 message with 1 tool_call, got %+v", out)
	}
	if out[0].ToolCalls[0].Function.Name != "audit" {
		t.Fatalf("expected audit tool, got %q", out[0].ToolCalls[0].Function.Name)
	}
	if out[0].ToolCalls[0].Function.Arguments != `{"proposed_decision":"APROVADO"}` {
		t.Fatalf("arguments = %s", out[0].ToolCalls[0].Function.Arguments)
	}
}

func TestOpenAICompleteParsesToolCalls(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c","choices":[{"index":0,"finish_reason":"tool_calls","message":{
			"role":"assistant","content":"",
			"tool_calls":[{"id":"call_1","type":"function","function":{"name":"audit","arguments":"{\"prompt_context\":\"ctx\",\"proposed_decision\":\"APROVADO\"}"}}]}}]}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient("k", "", srv.URL)
	resp, err := c.Complete(context.Background(), agent.CompletionRequest{
		System:   "sys",
		Messages: []agent.CompletionMessage{agent.TextMessage("user", "approve?")},
		Tools:    []agent.ToolDefinition{agent.AuditTool()},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Input["proposed_decision"] != "APROVADO" {
		t.Fatalf("unexpected tool calls %+v", resp.ToolCalls)
	}
	if resp.StopReason != "tool_calls" {
		t.Fatalf("stop reason = %q", resp.StopReason)
	}
	msgs, _ := got["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("expected system + user messages, got %v", got["messages"])
	}
	if tools, _ := got["tools"].([]any); len(tools) != 1 {
		t.Fatalf("expected one tool, got %v", got["tools"])
	}
}

func TestOpenAICompleteRequiresKey(t *testing.T) {
	t.Parallel()

	if _, err := NewOpenAIClient("", "", "").Complete(context.Background(), agent.CompletionRequest{}); err == nil {
		t.Fatal("expected missing key error")
	}
}
