package probe

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestOpenAIClientReadsTopLogprobs(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("missing bearer token")
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"model": "gpt-4o-mini",
			"choices": [{
				"index": 0,
				"message": {"role": "assistant", "content": "Yes"},
				"finish_reason": "length",
				"logprobs": {"content": [{
					"token": "Yes",
					"logprob": -0.1,
					"top_logprobs": [
						{"token": "Yes", "logprob": -0.1},
						{"token": "No", "logprob": -2.4}
					]
				}]}
			}]
		}`))
	}))
	defer srv.Close()

	c, err := NewOpenAIClient(OpenAIOptions{APIKey: "test-key", BaseURL: srv.URL + "/v1/"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	p := New(c, 5)
	sample, err := p.YesProbability(context.Background(), "Is this decision 'APROVADO' correct?")
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if math.Abs(sample.Probability-math.Exp(-0.1)) > 1e-9 {
		t.Fatalf("probability = %v", sample.Probability)
	}
	if got["logprobs"] != true {
		t.Fatalf("logprobs not requested: %v", got)
	}
	if got["top_logprobs"] != float64(5) || got["max_tokens"] != float64(1) {
		t.Fatalf("unexpected request %v", got)
	}
	if got["model"] != defaultOpenAIModel {
		t.Fatalf("model = %v", got["model"])
	}
}

func TestOpenAIClientWithoutLogprobs(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"x","choices":[{"index":0,"message":{"role":"assistant","content":"Yes"}}]}`))
	}))
	defer srv.Close()

	c, err := NewOpenAIClient(OpenAIOptions{APIKey: "k", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = c.TopLogprobs(context.Background(), Request{Prompt: "p", MaxTokens: 1, TopLogprobs: 5})
	if !errors.Is(err, ErrNoLogprobs) {
		t.Fatalf("err = %v, want ErrNoLogprobs", err)
	}
}

func TestOpenAIClientServerErrorDegrades(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"message":"boom","type":"server_error"}}`))
	}))
	defer srv.Close()

	c, err := NewOpenAIClient(OpenAIOptions{APIKey: "k", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	sample, err := New(c, 5).YesProbability(context.Background(), "p")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !sample.Degraded || sample.Probability != NeutralProbability {
		t.Fatalf("sample = %+v, want degraded", sample)
	}
}

func TestNewOpenAIClientRequiresKey(t *testing.T) {
	t.Parallel()

	if _, err := NewOpenAIClient(OpenAIOptions{}); err == nil {
		t.Fatal("expected missing key error")
	}
}
