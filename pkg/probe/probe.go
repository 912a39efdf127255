// Package probe elicits the probability a language model assigns to an
// affirmative answer, read from its top-K token log-probabilities.
package probe

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"strings"
)

const (
	// NeutralProbability replaces a probe that could not reach the model, so an
	// inconclusive probe is never mistaken for a confident "no".
	NeutralProbability = 0.5
	// MissingFloor is returned when no affirmative token is in the top-K.
	MissingFloor = 1e-4
	// DefaultTopK is the number of alternatives requested per probe.
	DefaultTopK = 5

	// SystemPrompt constrains the model to a single Yes/No token.
	SystemPrompt = "You are a precise fact auditor. Answer only Yes or No."
)

// DefaultYesTokens are the affirmative tokens recognised across languages
// and formats.
var DefaultYesTokens = []string{"yes", "sim", "y", "s", "true", "verdadeiro", "approved", "aprovado"}

// ErrNoLogprobs is returned by clients whose response carries no
// log-probability data.
var ErrNoLogprobs = errors.New("response has no logprobs")

// Request is the single-token completion a probe issues.
type Request struct {
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float64
	TopLogprobs int
}

// TokenLogprob is one candidate for the generated token.
type TokenLogprob struct {
	Token   string  `json:"token"`
	Logprob float64 `json:"logprob"`
}

// LogprobClient returns the top-K candidates for the first generated token.
// Provider adapters implement it.
type LogprobClient interface {
	TopLogprobs(ctx context.Context, req Request) ([]TokenLogprob, error)
}

// Sample is one elicitation result.
type Sample struct {
	Probability float64 `json:"probability"`
	Token       string  `json:"token,omitempty"`
	Degraded    bool    `json:"degraded,omitempty"`
	Error       string  `json:"error,omitempty"`
}

// Probe turns a LogprobClient into a yes-probability source.
type Probe struct {
	client    LogprobClient
	topK      int
	yesTokens map[string]struct{}
	logger    *slog.Logger
}

// New builds a probe. topK values below DefaultTopK are raised to it.
func New(client LogprobClient, topK int) *Probe {
	if topK < DefaultTopK {
		topK = DefaultTopK
	}
	p := &Probe{client: client, topK: topK}
	p.SetYesTokens(DefaultYesTokens)
	return p
}

func (p *Probe) SetLogger(logger *slog.Logger) {
	p.logger = logger
}

// SetYesTokens replaces the affirmative token set. Matching is
// case-insensitive and ignores surrounding whitespace.
func (p *Probe) SetYesTokens(tokens []string) {
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[normalizeToken(t)] = struct{}{}
	}
	p.yesTokens = set
}

// YesProbability asks the model the prompt and returns the linear probability
// of an affirmative first token. Model failures degrade to NeutralProbability;
// errors are returned only for an empty prompt or once ctx is done.
func (p *Probe) YesProbability(ctx context.Context, prompt string) (Sample, error) {
	if strings.TrimSpace(prompt) == "" {
		return Sample{}, errors.New("probe prompt is empty")
	}
	candidates, err := p.client.TopLogprobs(ctx, Request{
		System:      SystemPrompt,
		Prompt:      prompt,
		MaxTokens:   1,
		Temperature: 0,
		TopLogprobs: p.topK,
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Sample{}, ctxErr
		}
		p.logWarn("probe_degraded", "error", err)
		return Sample{Probability: NeutralProbability, Degraded: true, Error: err.Error()}, nil
	}
	return p.extract(candidates), nil
}

func (p *Probe) extract(candidates []TokenLogprob) Sample {
	for _, c := range candidates {
		if _, ok := p.yesTokens[normalizeToken(c.Token)]; !ok {
			continue
		}
		prob := math.Exp(c.Logprob)
		if math.IsNaN(prob) || prob <= 0 {
			prob = MissingFloor
		}
		return Sample{Probability: math.Min(prob, 1), Token: c.Token}
	}
	return Sample{Probability: MissingFloor}
}

func (p *Probe) logWarn(msg string, args ...any) {
	if p.logger != nil {
		p.logger.Warn(msg, args...)
	}
}

func normalizeToken(t string) string {
	return strings.ToLower(strings.TrimSpace(t))
}
