// Package eval runs a set of cases through a decision source and the ISR
// auditor, scores each outcome against the case's expected decision and
// aggregates the results into a report.
package eval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sameehj/sextant/pkg/decision"
	"github.com/sameehj/sextant/pkg/isr"
)

// Status classifies one case. With an expected decision the four scored
// statuses form the matrix of (proposal correct?, audit approved?).
type Status string

const (
	// StatusPass: correct proposal, approved by the audit.
	StatusPass Status = "PASS"
	// StatusCaught: wrong proposal, blocked by the audit.
	StatusCaught Status = "CAUGHT"
	// StatusOverblocked: correct proposal, blocked by the audit.
	StatusOverblocked Status = "OVERBLOCKED"
	// StatusMissed: wrong proposal, approved by the audit.
	StatusMissed   Status = "MISSED"
	StatusUnscored Status = "UNSCORED"
	StatusError    Status = "ERROR"
)

// Auditor is implemented by *isr.Auditor.
type Auditor interface {
	Audit(ctx context.Context, auditContext, proposedDecision string) (isr.Result, error)
}

// Recorder persists each audit and returns its ID. It may be nil.
type Recorder func(origin, auditContext, proposed string, res isr.Result) string

// CaseSet is the on-disk case file.
type CaseSet struct {
	Cases []decision.Case `yaml:"cases" json:"cases"`
}

// LoadCases reads a YAML (or JSON) case set.
func LoadCases(path string) ([]decision.Case, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read cases: %w", err)
	}
	var set CaseSet
	if err := yaml.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("parse cases: %w", err)
	}
	if len(set.Cases) == 0 {
		return nil, errors.New("case set is empty")
	}
	for i := range set.Cases {
		if set.Cases[i].ID == "" {
			set.Cases[i].ID = fmt.Sprintf("CASE_%03d", i+1)
		}
	}
	return set.Cases, nil
}

// CaseResult is the outcome of one case.
type CaseResult struct {
	ID       string             `json:"id"`
	Category string             `json:"category"`
	Expected string             `json:"expected,omitempty"`
	Proposal *decision.Proposal `json:"proposal,omitempty"`
	Audit    *isr.Result        `json:"audit,omitempty"`
	AuditID  string             `json:"audit_id,omitempty"`
	Status   Status             `json:"status"`
	Error    string             `json:"error,omitempty"`
}

// Summary aggregates a run. Rates are over scored cases (those with an
// expected decision and no error). MeanISR averages standard-path audits
// only, since the shortcut and veto paths report symbolic values.
type Summary struct {
	Total          int                       `json:"total"`
	Scored         int                       `json:"scored"`
	Errors         int                       `json:"errors"`
	ByStatus       map[Status]int            `json:"by_status"`
	PassRate       float64                   `json:"pass_rate"`
	Accuracy       float64                   `json:"proposal_accuracy"`
	Approved       int                       `json:"approved"`
	Blocked        int                       `json:"blocked"`
	ByPath         map[string]map[string]int `json:"by_path"`
	MeanISR        float64                   `json:"mean_isr"`
	DegradedProbes int                       `json:"degraded_probes"`
	PassRateByCat  map[string]float64        `json:"pass_rate_by_category"`
}

type Report struct {
	StartedAt time.Time    `json:"started_at"`
	Duration  string       `json:"duration"`
	Summary   Summary      `json:"summary"`
	Cases     []CaseResult `json:"cases"`
}

type Runner struct {
	source  decision.Source
	auditor Auditor
	record  Recorder
	logger  *slog.Logger
}

func NewRunner(source decision.Source, auditor Auditor) *Runner {
	return &Runner{source: source, auditor: auditor}
}

func (r *Runner) SetLogger(logger *slog.Logger) {
	r.logger = logger
}

func (r *Runner) SetRecorder(rec Recorder) {
	r.record = rec
}

// Run evaluates cases in order. A failing case is reported with StatusError
// and the run continues; only a done ctx stops it early.
func (r *Runner) Run(ctx context.Context, cases []decision.Case) (*Report, error) {
	start := time.Now()
	report := &Report{StartedAt: start.UTC(), Cases: make([]CaseResult, 0, len(cases))}
	for _, c := range cases {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cr := r.runCase(ctx, c)
		r.logInfo("case_evaluated", "case", cr.ID, "status", cr.Status)
		report.Cases = append(report.Cases, cr)
	}
	report.Duration = time.Since(start).Round(time.Millisecond).String()
	report.Summary = Summarize(report.Cases)
	r.logInfo("run_complete", "cases", report.Summary.Total, "pass_rate", report.Summary.PassRate)
	return report, nil
}

func (r *Runner) runCase(ctx context.Context, c decision.Case) CaseResult {
	cr := CaseResult{ID: c.ID, Category: Category(c.ID), Expected: strings.ToUpper(strings.TrimSpace(c.Expected))}
	proposal, err := r.source.Decide(ctx, c)
	if err != nil {
		cr.Status, cr.Error = StatusError, err.Error()
		r.logWarn("case_decide_failed", "case", c.ID, "error", err)
		return cr
	}
	cr.Proposal = &proposal

	auditContext := c.Describe()
	res, err := r.auditor.Audit(ctx, auditContext, proposal.Decision)
	if err != nil {
		cr.Status, cr.Error = StatusError, err.Error()
		r.logWarn("case_audit_failed", "case", c.ID, "error", err)
		return cr
	}
	cr.Audit = &res
	if r.record != nil {
		cr.AuditID = r.record("run", auditContext, proposal.Decision, res)
	}
	cr.Status = classify(cr.Expected, proposal.Decision, res.Decision)
	return cr
}

func classify(expected, proposed string, audit isr.Decision) Status {
	if expected == "" {
		return StatusUnscored
	}
	correct := strings.EqualFold(expected, proposed)
	approved := audit == isr.Approve
	switch {
	case correct && approved:
		return StatusPass
	case correct:
		return StatusOverblocked
	case approved:
		return StatusMissed
	default:
		return StatusCaught
	}
}

// Category is the case ID up to the first underscore ("FRAUD_001" -> "FRAUD").
func Category(id string) string {
	if prefix, _, ok := strings.Cut(id, "_"); ok && prefix != "" {
		return strings.ToUpper(prefix)
	}
	return "OTHER"
}

func Summarize(results []CaseResult) Summary {
	s := Summary{
		Total:         len(results),
		ByStatus:      map[Status]int{},
		ByPath:        map[string]map[string]int{},
		PassRateByCat: map[string]float64{},
	}
	var (
		correct, standard int
		isrSum            float64
		catPass           = map[string]int{}
		catScored         = map[string]int{}
	)
	for _, cr := range results {
		s.ByStatus[cr.Status]++
		if cr.Status == StatusError {
			s.Errors++
			continue
		}
		res := cr.Audit
		if res.Decision == isr.Approve {
			s.Approved++
		} else {
			s.Blocked++
		}
		path := string(res.Path)
		if s.ByPath[path] == nil {
			s.ByPath[path] = map[string]int{}
		}
		s.ByPath[path][string(res.Decision)]++
		s.DegradedProbes += res.DegradedProbes
		if res.Path == isr.PathStandard {
			standard++
			isrSum += res.Metrics.ISR
		}

		if cr.Status == StatusUnscored {
			continue
		}
		s.Scored++
		catScored[cr.Category]++
		if cr.Status == StatusPass {
			catPass[cr.Category]++
		}
		if cr.Status == StatusPass || cr.Status == StatusOverblocked {
			correct++
		}
	}
	if s.Scored > 0 {
		s.PassRate = ratio(s.ByStatus[StatusPass], s.Scored)
		s.Accuracy = ratio(correct, s.Scored)
	}
	if standard > 0 {
		s.MeanISR = round4(isrSum / float64(standard))
	}
	for cat, n := range catScored {
		s.PassRateByCat[cat] = ratio(catPass[cat], n)
	}
	return s
}

func ratio(n, d int) float64 {
	return round4(float64(n) / float64(d))
}

func round4(x float64) float64 {
	return math.Round(x*1e4) / 1e4
}

func (r *Runner) logInfo(msg string, args ...any) {
	if r.logger != nil {
		r.logger.Info(msg, args...)
	}
}

func (r *Runner) logWarn(msg string, args ...any) {
	if r.logger != nil {
		r.logger.Warn(msg, args...)
	}
}
