package eval

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sameehj/sextant/pkg/decision"
	"github.com/sameehj/sextant/pkg/isr"
)

type tableSource map[string]string

func (s tableSource) Decide(_ context.Context, c decision.Case) (decision.Proposal, error) {
	d, ok := s[c.ID]
	if !ok {
		return decision.Proposal{}, errors.New("no rule for case")
	}
	return decision.Proposal{Decision: d, Source: "table"}, nil
}

// verdictAuditor approves decisions listed in approve and blocks the rest.
type verdictAuditor struct {
	approve  map[string]bool
	err      error
	contexts []string
}

func (a *verdictAuditor) Audit(_ context.Context, auditContext, proposed string) (isr.Result, error) {
	a.contexts = append(a.contexts, auditContext)
	if a.err != nil {
		return isr.Result{}, a.err
	}
	if a.approve[proposed] {
		return isr.Result{Decision: isr.Approve, Path: isr.PathShortcut, Metrics: isr.Metrics{ISR: 999}}, nil
	}
	return isr.Result{Decision: isr.Block, Path: isr.PathStandard, Metrics: isr.Metrics{ISR: 0.5}, DegradedProbes: 1}, nil
}

func TestClassify(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		expected string
		proposed string
		audit    isr.Decision
		want     Status
	}{
		{"correct and approved", "APROVADO", "APROVADO", isr.Approve, StatusPass},
		{"case insensitive", "APROVADO", "aprovado", isr.Approve, StatusPass},
		{"correct but blocked", "APROVADO", "APROVADO", isr.Block, StatusOverblocked},
		{"wrong and approved", "BLOQUEADO", "APROVADO", isr.Approve, StatusMissed},
		{"wrong and blocked", "BLOQUEADO", "APROVADO", isr.Block, StatusCaught},
		{"no expectation", "", "APROVADO", isr.Approve, StatusUnscored},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, classify(tc.expected, tc.proposed, tc.audit))
		})
	}
}

func TestCategory(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "FRAUD", Category("fraud_001"))
	assert.Equal(t, "OTHER", Category("case-7"))
	assert.Equal(t, "OTHER", Category("_001"))
}

func TestRunnerScoresCases(t *testing.T) {
	t.Parallel()

	src := tableSource{
		"APPROVAL_001": "APROVADO",
		"APPROVAL_002": "APROVADO",
		"RISK_001":     "APROVADO",
		"RISK_002":     "BLOQUEADO",
		"FREE_001":     "APROVADO",
	}
	aud := &verdictAuditor{approve: map[string]bool{"APROVADO": true}}
	cases := []decision.Case{
		{ID: "APPROVAL_001", Expected: "APROVADO", Facts: map[string]float64{"score": 780}},
		{ID: "APPROVAL_002", Expected: "BLOQUEADO"},
		{ID: "RISK_001", Expected: "BLOQUEADO"},
		{ID: "RISK_002", Expected: "bloqueado"},
		{ID: "FREE_001"},
		{ID: "MISSING_001", Expected: "APROVADO"},
	}

	var recorded []string
	r := NewRunner(src, aud)
	r.SetRecorder(func(origin, _, proposed string, _ isr.Result) string {
		recorded = append(recorded, origin+":"+proposed)
		return "id-" + proposed
	})
	report, err := r.Run(context.Background(), cases)
	require.NoError(t, err)
	require.Len(t, report.Cases, len(cases))

	statuses := make([]Status, 0, len(report.Cases))
	for _, c := range report.Cases {
		statuses = append(statuses, c.Status)
	}
	assert.Equal(t, []Status{StatusPass, StatusMissed, StatusMissed, StatusOverblocked, StatusUnscored, StatusError}, statuses)
	assert.Equal(t, "no rule for case", report.Cases[5].Error)
	assert.Equal(t, "id-APROVADO", report.Cases[0].AuditID)
	assert.Len(t, recorded, 5)

	s := report.Summary
	assert.Equal(t, 6, s.Total)
	assert.Equal(t, 4, s.Scored)
	assert.Equal(t, 1, s.Errors)
	assert.Equal(t, 0.25, s.PassRate)
	assert.Equal(t, 0.5, s.Accuracy)
	assert.Equal(t, 4, s.Approved)
	assert.Equal(t, 1, s.Blocked)
	assert.Equal(t, 4, s.ByPath["shortcut"]["APROVADO"])
	assert.Equal(t, 1, s.ByPath["standard"]["BLOQUEADO"])
	assert.Equal(t, 0.5, s.MeanISR, "only standard-path audits count")
	assert.Equal(t, 1, s.DegradedProbes)
	assert.Equal(t, map[string]float64{"APPROVAL": 0.5, "RISK": 0}, s.PassRateByCat)

	for _, c := range aud.contexts {
		assert.NotContains(t, c, "BLOQUEADO", "expected decision must not leak into the audit context")
	}
}

func TestRunnerAuditErrorsDoNotStopRun(t *testing.T) {
	t.Parallel()

	aud := &verdictAuditor{err: isr.ErrTimeout}
	report, err := NewRunner(tableSource{"A_1": "APROVADO", "A_2": "APROVADO"}, aud).
		Run(context.Background(), []decision.Case{{ID: "A_1"}, {ID: "A_2"}})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Summary.Errors)
	assert.Equal(t, 0.0, report.Summary.PassRate)
	assert.Contains(t, report.Cases[1].Error, "timed out")
}

func TestRunnerStopsOnCancelledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewRunner(tableSource{}, &verdictAuditor{}).Run(ctx, []decision.Case{{ID: "A_1"}})
	require.ErrorIs(t, err, context.Canceled)
}

func TestRunWithCreditRules(t *testing.T) {
	t.Parallel()

	cases, err := LoadCases(filepath.Join("..", "..", "configs", "credit-cases.yaml"))
	require.NoError(t, err)
	src, err := decision.LoadRules(filepath.Join("..", "..", "configs", "credit-rules.yaml"))
	require.NoError(t, err)

	aud := &verdictAuditor{approve: map[string]bool{"APROVADO": true, "BLOQUEADO": true, "ANALISE_GERENCIAL": true}}
	report, err := NewRunner(src, aud).Run(context.Background(), cases)
	require.NoError(t, err)

	assert.Equal(t, len(cases), report.Summary.Total)
	assert.Equal(t, len(cases)-1, report.Summary.Scored)
	assert.Equal(t, 1.0, report.Summary.PassRate)
	assert.Equal(t, 1, report.Summary.ByStatus[StatusUnscored])
}

func TestLoadCases(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "cases.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cases:\n  - facts: {score: 700}\n  - id: X_9\n    expected: APROVADO\n"), 0o644))
	cases, err := LoadCases(path)
	require.NoError(t, err)
	require.Len(t, cases, 2)
	assert.Equal(t, "CASE_001", cases[0].ID)
	assert.Equal(t, "APROVADO", cases[1].Expected)

	empty := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(empty, []byte("cases: []\n"), 0o644))
	_, err = LoadCases(empty)
	require.Error(t, err)

	_, err = LoadCases(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
}

func TestReportWriters(t *testing.T) {
	t.Parallel()

	report, err := NewRunner(tableSource{"RISK_001": "BLOQUEADO"}, &verdictAuditor{}).
		Run(context.Background(), []decision.Case{{ID: "RISK_001", Expected: "BLOQUEADO"}, {ID: "RISK_002"}})
	require.NoError(t, err)

	var md bytes.Buffer
	require.NoError(t, report.WriteMarkdown(&md))
	out := md.String()
	assert.True(t, strings.HasPrefix(out, "# Sextant evaluation report"))
	assert.Contains(t, out, "| RISK_001 | BLOQUEADO | BLOQUEADO | BLOQUEADO | standard | 0.5000 | OVERBLOCKED |")
	assert.Contains(t, out, "| RISK_002 | - | - | - | - | - | ERROR |")
	assert.Contains(t, out, "| RISK | 0.0% |")

	var js bytes.Buffer
	require.NoError(t, report.WriteJSON(&js))
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(js.Bytes(), &decoded))
	summary := decoded["summary"].(map[string]any)
	assert.Equal(t, float64(2), summary["total"])
}
