package probe

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestOllamaClientTopLogprobs(t *testing.T) {
	t.Parallel()

	var got ollamaChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"message":{"role":"assistant","content":"Sim"},"done":true,
			"logprobs":[{"token":"Sim","logprob":-0.2,"top_logprobs":[{"token":"Sim","logprob":-0.2},{"token":"Não","logprob":-1.8}]}]}`))
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL+"/", "qwen2.5")
	sample, err := New(c, 5).YesProbability(context.Background(), "Is this decision 'APROVADO' correct?")
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if math.Abs(sample.Probability-math.Exp(-0.2)) > 1e-9 {
		t.Fatalf("probability = %v", sample.Probability)
	}
	if got.Model != "qwen2.5" || !got.Logprobs || got.TopLogprobs != 5 || got.Stream {
		t.Fatalf("unexpected request %+v", got)
	}
	if got.Options.NumPredict != 1 || got.Options.Temperature != 0 {
		t.Fatalf("unexpected options %+v", got.Options)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" {
		t.Fatalf("unexpected messages %+v", got.Messages)
	}
}

func TestOllamaClientStatusError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewOllamaClient(srv.URL, "").TopLogprobs(context.Background(), Request{Prompt: "p"})
	if err == nil || !strings.Contains(err.Error(), "status 404") {
		t.Fatalf("err = %v, want status error", err)
	}
}

func TestOllamaClientMissingLogprobs(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"message":{"role":"assistant","content":"Yes"},"done":true}`))
	}))
	defer srv.Close()

	_, err := NewOllamaClient(srv.URL, "").TopLogprobs(context.Background(), Request{Prompt: "p"})
	if err != ErrNoLogprobs {
		t.Fatalf("err = %v, want ErrNoLogprobs", err)
	}
}
