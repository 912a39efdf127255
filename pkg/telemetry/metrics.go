// Package telemetry exports audit metrics to Prometheus and traces to
// OpenTelemetry.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sameehj/sextant/pkg/isr"
)

// Metrics holds the audit collectors. It implements isr.Observer.
type Metrics struct {
	AuditsTotal   *prometheus.CounterVec
	ProbesTotal   *prometheus.CounterVec
	AuditDuration prometheus.Histogram
	ISRValue      prometheus.Histogram
}

// NewMetrics registers the collectors on reg. A nil reg uses the default
// registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		AuditsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sextant_audits_total",
				Help: "Completed ISR audits",
			},
			[]string{"decision", "path"}, // path: shortcut, veto, standard
		),
		ProbesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sextant_probe_total",
				Help: "Probability probes issued, by outcome",
			},
			[]string{"status"}, // status: ok, degraded, failed
		),
		AuditDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "sextant_audit_duration_seconds",
			Help:    "Wall time of an ISR audit including all probes",
			Buckets: prometheus.DefBuckets,
		}),
		ISRValue: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "sextant_isr_value",
			Help:    "Reported ISR per audit",
			Buckets: []float64{0, 0.25, 0.5, 0.75, 1, 1.5, 2, 5, 10, 100, 999},
		}),
	}
}

func (m *Metrics) ObserveProbe(status isr.ProbeStatus) {
	m.ProbesTotal.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) ObserveAudit(result isr.Result, elapsed time.Duration) {
	m.AuditsTotal.WithLabelValues(string(result.Decision), string(result.Path)).Inc()
	m.AuditDuration.Observe(elapsed.Seconds())
	m.ISRValue.Observe(result.Metrics.ISR)
}
