package application

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/careertrack/internal/pipeline"
)

// Metrics holds Prometheus metrics for application mutations.
type Metrics struct {
	TransitionsTotal *prometheus.CounterVec
	RejectedTotal    *prometheus.CounterVec
	CreatedTotal     prometheus.Counter
	NotesTotal       *prometheus.CounterVec
	NotifyErrors     prometheus.Counter
}

// NewMetrics registers and returns application metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "careertrack_stage_transitions_total",
			Help: "Applied stage transitions by source and target stage.",
		}, []string{"from", "to"}),
		RejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "careertrack_stage_transitions_rejected_total",
			Help: "Rejected stage transition requests by error kind.",
		}, []string{"error"}),
		CreatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "careertrack_applications_created_total",
			Help: "Applications registered.",
		}),
		NotesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "careertrack_application_notes_total",
			Help: "Notes appended to applications by kind.",
		}, []string{"kind"}),
		NotifyErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "careertrack_notify_errors_total",
			Help: "Failed transition notifications.",
		}),
	}

	reg.MustRegister(
		m.TransitionsTotal,
		m.RejectedTotal,
		m.CreatedTotal,
		m.NotesTotal,
		m.NotifyErrors,
	)

	return m
}

func (m *Metrics) observeTransition(from, to pipeline.Stage, noted bool) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	if noted {
		m.NotesTotal.WithLabelValues(string(NoteKindTransition)).Inc()
	}
}

func (m *Metrics) observeRejected(err error) {
	if m == nil {
		return
	}
	kind := "other"
	switch {
	case errors.Is(err, pipeline.ErrIllegalTransition):
		kind = "illegal_transition"
	case errors.Is(err, pipeline.ErrMissingReason):
		kind = "missing_reason"
	case errors.Is(err, ErrVersionConflict):
		kind = "version_conflict"
	}
	m.RejectedTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) observeCreated() {
	if m == nil {
		return
	}
	m.CreatedTotal.Inc()
}

func (m *Metrics) observeNote() {
	if m == nil {
		return
	}
	m.NotesTotal.WithLabelValues(string(NoteKindNote)).Inc()
}

func (m *Metrics) observeNotifyError() {
	if m == nil {
		return
	}
	m.NotifyErrors.Inc()
}
