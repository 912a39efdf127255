package isr

import (
	"fmt"
	"strings"
)

// ChunkSeparator splits retrieved context excerpts.
const ChunkSeparator = "\n---\n"

// PermutationStrategy builds the N probe prompts for one audit. Index 0 must
// be the unmodified context, and every prompt must differ from the others.
type PermutationStrategy interface {
	Prompts(context, decision string, n int) []string
}

// MarkerStrategy appends "[Variation k]" to the context of variant k.
type MarkerStrategy struct{}

func (MarkerStrategy) Prompts(context, decision string, n int) []string {
	out := make([]string, 0, n)
	out = append(out, questionPrompt(context, decision))
	for k := 1; k < n; k++ {
		out = append(out, questionPrompt(withMarker(context, k), decision))
	}
	return out
}

// ChunkShuffleStrategy reorders the ChunkSeparator-delimited excerpts of the
// context by rotation. When the context was built by VerificationPrompt only
// the excerpt block moves. Contexts with a single chunk, and variants beyond
// the available distinct orders, fall back to markers.
type ChunkShuffleStrategy struct{}

func (ChunkShuffleStrategy) Prompts(context, decision string, n int) []string {
	prefix, body, suffix := excerptRegion(context)
	chunks := strings.Split(body, ChunkSeparator)
	if len(chunks) < 2 {
		return MarkerStrategy{}.Prompts(context, decision, n)
	}
	out := make([]string, 0, n)
	seen := make(map[string]struct{}, n)
	out = append(out, questionPrompt(context, decision))
	seen[context] = struct{}{}
	for k := 1; k < n; k++ {
		variant := prefix + strings.Join(rotate(chunks, k), ChunkSeparator) + suffix
		if _, dup := seen[variant]; dup {
			variant = withMarker(variant, k)
		}
		seen[variant] = struct{}{}
		out = append(out, questionPrompt(variant, decision))
	}
	return out
}

// StrategyByName resolves a configured strategy name.
func StrategyByName(name string) (PermutationStrategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "marker":
		return MarkerStrategy{}, nil
	case "chunks", "chunk-shuffle":
		return ChunkShuffleStrategy{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown permutation strategy %q", ErrInvalidConfiguration, name)
	}
}

const (
	excerptHeader  = "CONTEXT:\n"
	questionHeader = "\n\nQUESTION: "
)

// VerificationPrompt renders a retrieval-style context: excerpts, a question
// and a candidate answer. The result can be passed to Audit as the context,
// where ChunkShuffleStrategy permutes the excerpts.
func VerificationPrompt(query string, chunks []string, answer string) string {
	return "Below are context excerpts, a question, and a proposed answer.\n\n" +
		excerptHeader + strings.Join(chunks, ChunkSeparator) +
		questionHeader + query + "\nPROPOSED ANSWER: " + answer +
		"\n\nIs the 'PROPOSED ANSWER' completely supported and true based ONLY on the 'CONTEXT' provided above?"
}

// excerptRegion splits a VerificationPrompt context around its excerpt block.
// Any other context is all excerpts.
func excerptRegion(context string) (prefix, body, suffix string) {
	start := strings.Index(context, excerptHeader)
	if start < 0 {
		return "", context, ""
	}
	start += len(excerptHeader)
	end := strings.LastIndex(context, questionHeader)
	if end < start {
		return "", context, ""
	}
	return context[:start], context[start:end], context[end:]
}

func questionPrompt(context, decision string) string {
	return fmt.Sprintf("%s\n\nIs this decision '%s' correct? Answer only Yes or No.", context, decision)
}

func withMarker(context string, k int) string {
	return fmt.Sprintf("%s [Variation %d]", context, k)
}

func rotate(chunks []string, k int) []string {
	n := len(chunks)
	out := make([]string, n)
	for i := range chunks {
		out[i] = chunks[(i+k)%n]
	}
	return out
}
