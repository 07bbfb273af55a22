package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the workflow counters. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	requestsSubmitted *prometheus.CounterVec
	requestsResolved  *prometheus.CounterVec
	returns           prometheus.Counter
	finesCollected    prometheus.Counter
	notifications     *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestsSubmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smartborrow_requests_submitted_total",
				Help: "Borrow requests accepted as pending, by kind.",
			},
			[]string{"kind"},
		),
		requestsResolved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smartborrow_requests_resolved_total",
				Help: "Borrow requests resolved, by kind and decision.",
			},
			[]string{"kind", "decision"},
		),
		returns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smartborrow_returns_total",
			Help: "Borrow records returned.",
		}),
		finesCollected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smartborrow_fines_collected_total",
			Help: "Sum of late fines charged at return, in currency units.",
		}),
		notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smartborrow_notifications_total",
				Help: "Notifications handed to the dispatcher, by outcome.",
			},
			[]string{"outcome"},
		),
	}
	m.registry.MustRegister(
		m.requestsSubmitted,
		m.requestsResolved,
		m.returns,
		m.finesCollected,
		m.notifications,
		collectors.NewGoCollector(),
	)
	return m
}

func (m *Metrics) RequestSubmitted(kind string) {
	if m == nil {
		return
	}
	m.requestsSubmitted.WithLabelValues(kind).Inc()
}

func (m *Metrics) RequestResolved(kind, decision string) {
	if m == nil {
		return
	}
	m.requestsResolved.WithLabelValues(kind, decision).Inc()
}

func (m *Metrics) Returned(fine int) {
	if m == nil {
		return
	}
	m.returns.Inc()
	if fine > 0 {
		m.finesCollected.Add(float64(fine))
	}
}

// Notification matches notify.Observer.
func (m *Metrics) Notification(outcome string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
