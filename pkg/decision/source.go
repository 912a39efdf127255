// Package decision produces the proposed decisions that the ISR auditor
// verifies. A Source is either a YAML rule set or a chat model.
package decision

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/sameehj/sextant/pkg/agent"
)

// Case is the subject of a decision.
type Case struct {
	ID      string             `json:"id" yaml:"id"`
	Subject string             `json:"subject" yaml:"subject"`
	Context string             `json:"context,omitempty" yaml:"context"`
	Facts   map[string]float64 `json:"facts,omitempty" yaml:"facts"`
	Flags   []string           `json:"flags,omitempty" yaml:"flags"`
	// Expected is the known-correct decision, used when scoring a case set.
	// It never reaches the audit context.
	Expected string `json:"expected,omitempty" yaml:"expected"`
}

// Proposal is a decision awaiting audit.
type Proposal struct {
	Decision   string  `json:"decision"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale"`
	Source     string  `json:"source"`
	Rule       string  `json:"rule,omitempty"`
}

type Source interface {
	Decide(ctx context.Context, c Case) (Proposal, error)
}

// Describe renders the case as audit context. Facts are sorted by name so the
// text is stable across runs.
func (c Case) Describe() string {
	var b strings.Builder
	if c.Subject != "" {
		fmt.Fprintf(&b, "Subject: %s\n", c.Subject)
	}
	if c.ID != "" {
		fmt.Fprintf(&b, "Case: %s\n", c.ID)
	}
	if len(c.Facts) > 0 {
		names := make([]string, 0, len(c.Facts))
		for name := range c.Facts {
			names = append(names, name)
		}
		sort.Strings(names)
		b.WriteString("Facts:\n")
		for _, name := range names {
			fmt.Fprintf(&b, "- %s: %g\n", name, c.Facts[name])
		}
	}
	if len(c.Flags) > 0 {
		fmt.Fprintf(&b, "Flags: %s\n", strings.Join(c.Flags, ", "))
	}
	if c.Context != "" {
		b.WriteString(c.Context)
	}
	return strings.TrimSpace(b.String())
}

// NewSource selects a source by kind: "rules" loads rulesPath, "model" asks llm.
func NewSource(kind, rulesPath string, llm agent.LLMClient) (Source, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "rules", "mock":
		if rulesPath == "" {
			return nil, fmt.Errorf("rules source needs a rules file")
		}
		src, err := LoadRules(rulesPath)
		if err != nil {
			return nil, err
		}
		return src, nil
	case "model", "llm":
		if llm == nil {
			return nil, fmt.Errorf("model source needs an LLM client")
		}
		return NewModelSource(llm), nil
	default:
		return nil, fmt.Errorf("unknown decision source: %s", kind)
	}
}
