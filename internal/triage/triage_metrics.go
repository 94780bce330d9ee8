package triage

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// ServiceHooks are optional callbacks fired by the Service. Nil fields are
// skipped.
type ServiceHooks struct {
	OnSubmit       func(r *Request, duplicate bool)
	OnTransition   func(from, to Status)
	OnReject       func(op, reason string)
	OnQueue        func(pending, inProgress, completed int)
	OnPersistError func(op string)
}

func (h ServiceHooks) reject(op string, err error) {
	if h.OnReject == nil {
		return
	}
	h.OnReject(op, reasonOf(err))
}

func reasonOf(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	}
	return "error"
}

// Metrics holds Prometheus metrics for the triage subsystem.
type Metrics struct {
	SubmitsTotal     *prometheus.CounterVec
	TransitionsTotal *prometheus.CounterVec
	RejectionsTotal  *prometheus.CounterVec
	PriorityScore    *prometheus.HistogramVec
	QueueRequests    *prometheus.GaugeVec
	PersistFailures  *prometheus.CounterVec
}

// NewMetrics registers and returns triage metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SubmitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relief_submits_total",
			Help: "Total request submissions by result.",
		}, []string{"result"}),
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relief_transitions_total",
			Help: "Total status transitions by source and target status.",
		}, []string{"from", "to"}),
		RejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relief_rejections_total",
			Help: "Total rejected operations by operation and reason.",
		}, []string{"op", "reason"}),
		PriorityScore: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relief_priority_score",
			Help:    "Priority score of accepted submissions.",
			Buckets: prometheus.LinearBuckets(10, 10, 10), // 10 .. 100
		}, []string{"category"}),
		QueueRequests: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relief_queue_requests",
			Help: "Requests currently held, by status.",
		}, []string{"status"}),
		PersistFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relief_persist_failures_total",
			Help: "Durable writes that failed and were absorbed in memory.",
		}, []string{"op"}),
	}

	reg.MustRegister(
		m.SubmitsTotal,
		m.TransitionsTotal,
		m.RejectionsTotal,
		m.PriorityScore,
		m.QueueRequests,
		m.PersistFailures,
	)

	return m
}

// Hooks returns ServiceHooks that update the corresponding metrics.
func (m *Metrics) Hooks() ServiceHooks {
	return ServiceHooks{
		OnSubmit: func(r *Request, duplicate bool) {
			if duplicate {
				m.SubmitsTotal.WithLabelValues("duplicate").Inc()
				return
			}
			m.SubmitsTotal.WithLabelValues("accepted").Inc()
			m.PriorityScore.WithLabelValues(string(r.Category)).Observe(float64(r.PriorityScore))
		},
		OnTransition: func(from, to Status) {
			m.TransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
		},
		OnReject: func(op, reason string) {
			m.RejectionsTotal.WithLabelValues(op, reason).Inc()
			if op == "submit" {
				m.SubmitsTotal.WithLabelValues("rejected").Inc()
			}
		},
		OnQueue: func(pending, inProgress, completed int) {
			m.QueueRequests.WithLabelValues(string(StatusPending)).Set(float64(pending))
			m.QueueRequests.WithLabelValues(string(StatusInProgress)).Set(float64(inProgress))
			m.QueueRequests.WithLabelValues(string(StatusCompleted)).Set(float64(completed))
		},
		OnPersistError: func(op string) {
			m.PersistFailures.WithLabelValues(op).Inc()
		},
	}
}
