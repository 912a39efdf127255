package probe

import (
	"context"
	"errors"
	"math"
	"testing"
)

type fakeClient struct {
	candidates []TokenLogprob
	err        error
	last       Request
}

func (f *fakeClient) TopLogprobs(_ context.Context, req Request) ([]TokenLogprob, error) {
	f.last = req
	return f.candidates, f.err
}

func TestYesProbabilityMatchesAffirmativeTokens(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		candidates []TokenLogprob
		want       float64
	}{
		{"english", []TokenLogprob{{Token: "Yes", Logprob: math.Log(0.9)}, {Token: "No", Logprob: math.Log(0.1)}}, 0.9},
		{"portuguese padded", []TokenLogprob{{Token: "Não", Logprob: math.Log(0.7)}, {Token: " Sim ", Logprob: math.Log(0.3)}}, 0.3},
		{"single letter", []TokenLogprob{{Token: "S", Logprob: math.Log(0.55)}}, 0.55},
		{"first match wins", []TokenLogprob{{Token: "true", Logprob: math.Log(0.4)}, {Token: "yes", Logprob: math.Log(0.5)}}, 0.4},
		{"no affirmative", []TokenLogprob{{Token: "No", Logprob: math.Log(0.99)}}, MissingFloor},
		{"empty candidates", nil, MissingFloor},
		{"underflow", []TokenLogprob{{Token: "yes", Logprob: math.Inf(-1)}}, MissingFloor},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			p := New(&fakeClient{candidates: tc.candidates}, 5)
			got, err := p.YesProbability(context.Background(), "Is it correct?")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if math.Abs(got.Probability-tc.want) > 1e-9 {
				t.Fatalf("probability = %v, want %v", got.Probability, tc.want)
			}
			if got.Probability <= 0 || got.Probability > 1 {
				t.Fatalf("probability %v outside (0,1]", got.Probability)
			}
		})
	}
}

func TestYesProbabilityRequestShape(t *testing.T) {
	t.Parallel()

	fc := &fakeClient{candidates: []TokenLogprob{{Token: "yes", Logprob: 0}}}
	p := New(fc, 2)
	if _, err := p.YesProbability(context.Background(), "prompt"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fc.last.MaxTokens != 1 || fc.last.Temperature != 0 {
		t.Fatalf("unexpected sampling params: %+v", fc.last)
	}
	if fc.last.TopLogprobs != DefaultTopK {
		t.Fatalf("top logprobs = %d, want %d", fc.last.TopLogprobs, DefaultTopK)
	}
	if fc.last.System != SystemPrompt {
		t.Fatalf("system prompt = %q", fc.last.System)
	}
}

func TestYesProbabilityDegradesOnClientError(t *testing.T) {
	t.Parallel()

	for _, clientErr := range []error{errors.New("connection refused"), ErrNoLogprobs} {
		p := New(&fakeClient{err: clientErr}, 5)
		got, err := p.YesProbability(context.Background(), "prompt")
		if err != nil {
			t.Fatalf("degraded probe returned error: %v", err)
		}
		if got.Probability != NeutralProbability || !got.Degraded {
			t.Fatalf("got %+v, want degraded neutral sample", got)
		}
		if got.Error == "" {
			t.Fatalf("degraded sample should carry the cause")
		}
	}
}

func TestYesProbabilityReturnsContextError(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := New(&fakeClient{err: context.Canceled}, 5)
	if _, err := p.YesProbability(ctx, "prompt"); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestYesProbabilityRejectsEmptyPrompt(t *testing.T) {
	t.Parallel()

	fc := &fakeClient{}
	if _, err := New(fc, 5).YesProbability(context.Background(), "  "); err == nil {
		t.Fatal("expected error for empty prompt")
	}
}

func TestSetYesTokens(t *testing.T) {
	t.Parallel()

	p := New(&fakeClient{candidates: []TokenLogprob{{Token: "Oui", Logprob: math.Log(0.8)}}}, 5)
	p.SetYesTokens([]string{"oui"})
	got, _ := p.YesProbability(context.Background(), "prompt")
	if math.Abs(got.Probability-0.8) > 1e-9 {
		t.Fatalf("probability = %v, want 0.8", got.Probability)
	}
}
