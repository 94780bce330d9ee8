package durable

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes the state of the outbox.
type Metrics struct {
	Degraded    prometheus.Gauge
	OutboxDepth prometheus.Gauge
	FlushTotal  *prometheus.CounterVec
}

// NewMetrics creates and registers the persistence metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Degraded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relief_persist_degraded",
			Help: "1 while durable writes are parked in the outbox, 0 otherwise.",
		}),
		OutboxDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relief_persist_outbox_depth",
			Help: "Writes waiting in the outbox for the backend.",
		}),
		FlushTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relief_persist_outbox_retries_total",
			Help: "Outbox retry attempts by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(m.Degraded, m.OutboxDepth, m.FlushTotal)
	return m
}
