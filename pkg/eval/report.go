package eval

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
)

// WriteJSON writes the full report, cases included.
func (r *Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// WriteMarkdown writes a summary and a per-case table.
func (r *Report) WriteMarkdown(w io.Writer) error {
	s := r.Summary
	ew := &errWriter{w: w}
	ew.printf("# Sextant evaluation report\n\n")
	ew.printf("**Started**: %s  \n**Duration**: %s\n\n", r.StartedAt.Format("2006-01-02 15:04:05 MST"), r.Duration)

	ew.printf("## Summary\n\n")
	ew.printf("- **Cases**: %d (%d scored, %d errors)\n", s.Total, s.Scored, s.Errors)
	ew.printf("- **Pass rate**: %.1f%%\n", s.PassRate*100)
	ew.printf("- **Proposal accuracy**: %.1f%%\n", s.Accuracy*100)
	ew.printf("- **Audits**: %d approved, %d blocked\n", s.Approved, s.Blocked)
	ew.printf("- **Mean ISR (standard path)**: %.4f\n", s.MeanISR)
	ew.printf("- **Degraded probes**: %d\n\n", s.DegradedProbes)

	ew.printf("| Status | Count |\n|--------|-------|\n")
	for _, st := range []Status{StatusPass, StatusCaught, StatusOverblocked, StatusMissed, StatusUnscored, StatusError} {
		if n := s.ByStatus[st]; n > 0 {
			ew.printf("| %s | %d |\n", st, n)
		}
	}
	ew.printf("\n")

	if len(s.PassRateByCat) > 0 {
		ew.printf("## Pass rate by category\n\n| Category | Pass rate |\n|----------|-----------|\n")
		for _, cat := range sortedKeys(s.PassRateByCat) {
			ew.printf("| %s | %.1f%% |\n", cat, s.PassRateByCat[cat]*100)
		}
		ew.printf("\n")
	}

	ew.printf("## Cases\n\n| ID | Expected | Proposed | Audit | Path | ISR | Status |\n")
	ew.printf("|----|----------|----------|-------|------|-----|--------|\n")
	for _, c := range r.Cases {
		proposed, audit, path, ratio := "-", "-", "-", "-"
		if c.Proposal != nil {
			proposed = c.Proposal.Decision
		}
		if c.Audit != nil {
			audit = string(c.Audit.Decision)
			path = string(c.Audit.Path)
			ratio = fmt.Sprintf("%.4f", c.Audit.Metrics.ISR)
		}
		expected := c.Expected
		if expected == "" {
			expected = "-"
		}
		ew.printf("| %s | %s | %s | %s | %s | %s | %s |\n", c.ID, expected, proposed, audit, path, ratio, c.Status)
	}
	return ew.err
}

type errWriter struct {
	w   io.Writer
	err error
}

func (e *errWriter) printf(format string, args ...any) {
	if e.err != nil {
		return
	}
	_, e.err = fmt.Fprintf(e.w, format, args...)
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
