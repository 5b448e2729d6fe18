package triage

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/careertrack/internal/pipeline"
)

// Metrics holds Prometheus gauges describing the latest triage snapshot.
type Metrics struct {
	NeedsAction    prometheus.Gauge
	ByReason       *prometheus.GaugeVec
	ByUrgency      *prometheus.GaugeVec
	ByStage        *prometheus.GaugeVec
	SweepsTotal    *prometheus.CounterVec
	SweepDuration  prometheus.Histogram
	LastSweepEpoch prometheus.Gauge
}

// NewMetrics registers and returns triage metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		NeedsAction: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "careertrack_needs_action_applications",
			Help: "Applications needing advisor action in the latest sweep.",
		}),
		ByReason: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "careertrack_needs_action_reason_applications",
			Help: "Applications per needs-action reason in the latest sweep.",
		}, []string{"reason"}),
		ByUrgency: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "careertrack_urgency_applications",
			Help: "Applications per urgency level in the latest sweep.",
		}, []string{"urgency"}),
		ByStage: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "careertrack_stage_applications",
			Help: "Triaged applications per stage in the latest sweep.",
		}, []string{"stage"}),
		SweepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "careertrack_triage_sweeps_total",
			Help: "Total triage sweeps by outcome.",
		}, []string{"outcome"}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "careertrack_triage_sweep_duration_seconds",
			Help:    "Duration of triage sweeps in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8), // 1ms .. ~16s
		}),
		LastSweepEpoch: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "careertrack_triage_last_sweep_timestamp_seconds",
			Help: "Unix time of the last successful triage sweep.",
		}),
	}

	reg.MustRegister(
		m.NeedsAction,
		m.ByReason,
		m.ByUrgency,
		m.ByStage,
		m.SweepsTotal,
		m.SweepDuration,
		m.LastSweepEpoch,
	)

	return m
}

// Observe replaces the gauges with the counts in sum. Stages missing from
// sum are reset to zero so stale series do not linger.
func (m *Metrics) Observe(sum Summary) {
	m.NeedsAction.Set(float64(sum.NeedsAction))
	for r, n := range sum.ByReason {
		m.ByReason.WithLabelValues(string(r)).Set(float64(n))
	}
	for u, n := range sum.ByUrgency {
		m.ByUrgency.WithLabelValues(u.String()).Set(float64(n))
	}
	for _, s := range pipeline.Stages() {
		m.ByStage.WithLabelValues(string(s)).Set(float64(sum.ByStage[s]))
	}
}

// ObserveSweep records a finished sweep.
func (m *Metrics) ObserveSweep(durationSeconds float64, endedUnix float64, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.SweepsTotal.WithLabelValues(outcome).Inc()
	m.SweepDuration.Observe(durationSeconds)
	if err == nil {
		m.LastSweepEpoch.Set(endedUnix)
	}
}
