// Package isr implements the Information Sufficiency Ratio audit: it probes a
// model's confidence in a proposed decision under N prompt permutations and
// turns the samples into an APPROVE or BLOCK verdict.
package isr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/sameehj/sextant/pkg/probe"
)

const tracerName = "github.com/sameehj/sextant/pkg/isr"

// Prober is the yes-probability capability the auditor consumes.
// *probe.Probe implements it.
type Prober interface {
	YesProbability(ctx context.Context, prompt string) (probe.Sample, error)
}

// ProbeStatus labels the outcome of a single probe for observers.
type ProbeStatus string

const (
	ProbeOK       ProbeStatus = "ok"
	ProbeDegraded ProbeStatus = "degraded"
	ProbeFailed   ProbeStatus = "failed"
)

// Observer receives audit telemetry. Implementations must be safe for
// concurrent use; probes report from their own goroutines.
type Observer interface {
	ObserveProbe(status ProbeStatus)
	ObserveAudit(result Result, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) ObserveProbe(ProbeStatus)           {}
func (nopObserver) ObserveAudit(Result, time.Duration) {}

// Auditor runs ISR audits. It holds no per-audit state and is safe for
// concurrent use once configured.
type Auditor struct {
	cfg      Config
	prober   Prober
	strategy PermutationStrategy
	observer Observer
	tracer   trace.Tracer
	logger   *slog.Logger
}

// New validates cfg and returns an auditor using MarkerStrategy.
func New(cfg Config, prober Prober) (*Auditor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if prober == nil {
		return nil, fmt.Errorf("%w: prober is required", ErrInvalidConfiguration)
	}
	return &Auditor{
		cfg:      cfg,
		prober:   prober,
		strategy: MarkerStrategy{},
		observer: nopObserver{},
		tracer:   otel.Tracer(tracerName),
	}, nil
}

func (a *Auditor) SetLogger(logger *slog.Logger) {
	a.logger = logger
}

func (a *Auditor) SetObserver(o Observer) {
	if o == nil {
		o = nopObserver{}
	}
	a.observer = o
}

func (a *Auditor) SetStrategy(s PermutationStrategy) {
	if s == nil {
		s = MarkerStrategy{}
	}
	a.strategy = s
}

// Config returns the settings the auditor was built with.
func (a *Auditor) Config() Config { return a.cfg }

// Audit probes the model N times and applies the decision policy in fixed
// order: shortcut, veto, then the standard ISR ratio.
//
// Blank arguments fail with ErrInvalidArgument before any probe runs. If ctx
// ends, or a probe exceeds Config.ProbeTimeout, Audit fails with ErrTimeout.
func (a *Auditor) Audit(ctx context.Context, auditContext, proposedDecision string) (Result, error) {
	if strings.TrimSpace(auditContext) == "" {
		return Result{}, fmt.Errorf("%w: context is empty", ErrInvalidArgument)
	}
	if strings.TrimSpace(proposedDecision) == "" {
		return Result{}, fmt.Errorf("%w: proposed decision is empty", ErrInvalidArgument)
	}

	ctx, span := a.tracer.Start(ctx, "isr.audit", trace.WithAttributes(
		attribute.String("isr.proposed_decision", proposedDecision),
		attribute.Int("isr.permutations", a.cfg.Permutations),
	))
	defer span.End()

	start := time.Now()
	samples, err := a.collect(ctx, a.strategy.Prompts(auditContext, proposedDecision, a.cfg.Permutations))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		a.logWarn("audit_failed", "decision", proposedDecision, "error", err)
		return Result{}, err
	}

	probs := make([]float64, len(samples))
	degraded := 0
	for i, s := range samples {
		probs[i] = s.Probability
		if s.Degraded {
			degraded++
		}
	}

	result := a.decide(probs)
	result.DegradedProbes = degraded
	result.Probabilities = probs

	elapsed := time.Since(start)
	a.observer.ObserveAudit(result, elapsed)
	span.SetAttributes(
		attribute.String("isr.decision", string(result.Decision)),
		attribute.String("isr.path", string(result.Path)),
		attribute.Float64("isr.value", result.Metrics.ISR),
		attribute.Int("isr.degraded_probes", degraded),
	)
	a.logInfo("audit_complete",
		"decision", result.Decision,
		"path", result.Path,
		"isr", result.Metrics.ISR,
		"b2t", result.Metrics.B2T,
		"p_min", result.Metrics.PMinPermutation,
		"degraded", degraded,
		"elapsed", elapsed,
	)
	return result, nil
}

// collect runs one probe per prompt. Each probe writes only its own slot.
func (a *Auditor) collect(ctx context.Context, prompts []string) ([]probe.Sample, error) {
	samples := make([]probe.Sample, len(prompts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.parallelism())
	for i, prompt := range prompts {
		g.Go(func() error {
			s, err := a.probeOne(gctx, i, prompt)
			if err != nil {
				return err
			}
			samples[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%w: %w", ErrTimeout, ctxErr)
		}
		return nil, err
	}
	return samples, nil
}

func (a *Auditor) probeOne(ctx context.Context, index int, prompt string) (probe.Sample, error) {
	ctx, span := a.tracer.Start(ctx, "isr.probe", trace.WithAttributes(attribute.Int("isr.probe_index", index)))
	defer span.End()

	if a.cfg.ProbeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.ProbeTimeout)
		defer cancel()
	}

	s, err := a.prober.YesProbability(ctx, prompt)
	if err != nil {
		a.observer.ObserveProbe(ProbeFailed)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return probe.Sample{}, fmt.Errorf("%w: probe %d: %w", ErrTimeout, index, err)
		}
		return probe.Sample{}, fmt.Errorf("probe %d: %w", index, err)
	}
	if s.Degraded {
		a.observer.ObserveProbe(ProbeDegraded)
	} else {
		a.observer.ObserveProbe(ProbeOK)
	}
	span.SetAttributes(
		attribute.Float64("isr.probability", s.Probability),
		attribute.Bool("isr.degraded", s.Degraded),
	)
	return s, nil
}

// decide applies the policy to a complete probability vector.
func (a *Auditor) decide(probs []float64) Result {
	floor := ProbFloor(a.cfg.Permutations)
	qBar := mean(probs)
	qLoRaw := minimum(probs)
	qLoAdj := max(qLoRaw, floor)
	target := a.cfg.TargetConfidence

	base := Metrics{
		POriginal:       round4(probs[0]),
		PMinPermutation: round4(qLoRaw),
	}

	if qLoAdj >= target {
		m := base
		m.ISR = SymbolicInfinity
		return Result{
			Decision: Approve,
			Metrics:  m,
			Reason:   "High confidence across all permutations. Model is robust and confident.",
			Path:     PathShortcut,
		}
	}

	if qLoRaw < a.cfg.HardVetoThreshold {
		m := base
		m.B2T = SymbolicInfinity
		m.JSBound = round4(JSBound(probs))
		return Result{
			Decision: Block,
			Metrics:  m,
			Reason: fmt.Sprintf("Severe instability detected (Min: %.4f < %g). Answer depends on prompt order.",
				qLoRaw, a.cfg.HardVetoThreshold),
			Path: PathVeto,
		}
	}

	b2t := KLDivergence(target, qLoAdj, floor)
	delta := Delta(qBar, probs, a.cfg.ClippingBound)
	// A NaN b2t must not reach the cap: it falls through to a NaN ratio,
	// which never approves.
	var ratio float64
	if b2t < MinB2T {
		ratio = StandardISRCap
	} else {
		ratio = delta / b2t
	}
	decision := Block
	if ratio >= DecisionThreshold {
		decision = Approve
	}
	m := base
	m.ISR = round4(ratio)
	m.B2T = round4(b2t)
	m.Delta = round4(delta)
	m.JSBound = round4(JSBound(probs))
	return Result{
		Decision: decision,
		Metrics:  m,
		Reason:   fmt.Sprintf("ISR calculated: %.4f (Threshold >= %.1f)", ratio, DecisionThreshold),
		Path:     PathStandard,
	}
}

func (a *Auditor) logInfo(msg string, args ...any) {
	if a.logger != nil {
		a.logger.Info(msg, args...)
	}
}

func (a *Auditor) logWarn(msg string, args ...any) {
	if a.logger != nil {
		a.logger.Warn(msg, args...)
	}
}
