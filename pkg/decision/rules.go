package decision

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// RuleSet is the YAML rule file. Rules are evaluated in order and the first
// rule whose conditions all hold wins; Default applies otherwise.
type RuleSet struct {
	Rules   []Rule  `yaml:"rules"`
	Default Outcome `yaml:"default"`
}

type Rule struct {
	Name    string      `yaml:"name"`
	When    []Condition `yaml:"when"`
	Outcome `yaml:",inline"`
}

type Outcome struct {
	Decision   string  `yaml:"decision"`
	Confidence float64 `yaml:"confidence"`
	Rationale  string  `yaml:"rationale"`
}

// Condition tests one fact or flag. Flag patterns may end in "*".
type Condition struct {
	Fact  string  `yaml:"fact,omitempty"`
	Op    string  `yaml:"op,omitempty"`
	Value float64 `yaml:"value,omitempty"`
	Flag  string  `yaml:"flag,omitempty"`
	// NotFlag holds when no flag matches the pattern.
	NotFlag string `yaml:"not_flag,omitempty"`
}

// RuleSource decides cases from a RuleSet. It is safe for concurrent use and
// can be reloaded in place.
type RuleSource struct {
	path string
	mu   sync.RWMutex
	set  RuleSet
}

// LoadRules reads and validates a rule file.
func LoadRules(path string) (*RuleSource, error) {
	set, err := readRuleSet(path)
	if err != nil {
		return nil, err
	}
	return &RuleSource{path: path, set: set}, nil
}

// NewRuleSource wraps an in-memory rule set.
func NewRuleSource(set RuleSet) (*RuleSource, error) {
	if err := set.Validate(); err != nil {
		return nil, err
	}
	return &RuleSource{set: set}, nil
}

// Path returns the backing file, if any.
func (s *RuleSource) Path() string { return s.path }

// Reload re-reads the rule file. On error the previous rules stay active.
func (s *RuleSource) Reload() error {
	if s.path == "" {
		return errors.New("rule source has no file")
	}
	set, err := readRuleSet(s.path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.set = set
	s.mu.Unlock()
	return nil
}

func (s *RuleSource) Decide(ctx context.Context, c Case) (Proposal, error) {
	if err := ctx.Err(); err != nil {
		return Proposal{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.set.Rules {
		if r.matches(c) {
			return r.Outcome.proposal(r.Name), nil
		}
	}
	return s.set.Default.proposal(""), nil
}

func (o Outcome) proposal(rule string) Proposal {
	return Proposal{
		Decision:   o.Decision,
		Confidence: o.Confidence,
		Rationale:  o.Rationale,
		Source:     "rules",
		Rule:       rule,
	}
}

func (r Rule) matches(c Case) bool {
	for _, cond := range r.When {
		if !cond.holds(c) {
			return false
		}
	}
	return true
}

func (cond Condition) holds(c Case) bool {
	switch {
	case cond.Flag != "":
		return hasFlag(c.Flags, cond.Flag)
	case cond.NotFlag != "":
		return !hasFlag(c.Flags, cond.NotFlag)
	default:
		v, ok := c.Facts[cond.Fact]
		if !ok {
			return false
		}
		return compare(v, cond.Op, cond.Value)
	}
}

func compare(v float64, op string, target float64) bool {
	switch op {
	case "<":
		return v < target
	case "<=":
		return v <= target
	case ">":
		return v > target
	case ">=":
		return v >= target
	case "==":
		return v == target
	case "!=":
		return v != target
	default:
		return false
	}
}

// Validate reports every problem in the rule set at once.
func (s RuleSet) Validate() error {
	var violations []string
	if s.Default.Decision == "" {
		violations = append(violations, "default decision missing")
	}
	check := func(where string, o Outcome) {
		if o.Confidence < 0 || o.Confidence > 1 {
			violations = append(violations, fmt.Sprintf("%s: confidence %v outside [0,1]", where, o.Confidence))
		}
	}
	check("default", s.Default)
	for i, r := range s.Rules {
		where := fmt.Sprintf("rule %d (%s)", i, r.Name)
		if r.Decision == "" {
			violations = append(violations, where+": decision missing")
		}
		if len(r.When) == 0 {
			violations = append(violations, where+": no conditions")
		}
		check(where, r.Outcome)
		for _, cond := range r.When {
			if cond.Flag != "" || cond.NotFlag != "" {
				continue
			}
			if cond.Fact == "" {
				violations = append(violations, where+": condition needs fact, flag or not_flag")
				continue
			}
			if !validOp(cond.Op) {
				violations = append(violations, fmt.Sprintf("%s: unknown operator %q", where, cond.Op))
			}
		}
	}
	if len(violations) > 0 {
		return errors.New(strings.Join(violations, "; "))
	}
	return nil
}

func readRuleSet(path string) (RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RuleSet{}, fmt.Errorf("read rules: %w", err)
	}
	var set RuleSet
	if err := yaml.Unmarshal(data, &set); err != nil {
		return RuleSet{}, fmt.Errorf("parse rules: %w", err)
	}
	if err := set.Validate(); err != nil {
		return RuleSet{}, fmt.Errorf("invalid rules %s: %w", path, err)
	}
	return set, nil
}

func validOp(op string) bool {
	switch op {
	case "<", "<=", ">", ">=", "==", "!=":
		return true
	}
	return false
}

func hasFlag(flags []string, pattern string) bool {
	for _, f := range flags {
		if matchPattern(pattern, f) {
			return true
		}
	}
	return false
}

func matchPattern(pattern, value string) bool {
	switch {
	case pattern == "*":
		return true
	case strings.HasSuffix(pattern, "*"):
		return strings.HasPrefix(value, strings.TrimSuffix(pattern, "*"))
	default:
		return pattern == value
	}
}
