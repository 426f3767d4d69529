// Package metrics registers the Prometheus instruments and the bus
// subscriber that keeps the domain counters in step with emitted
// events.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/protfolio666/GapOpsHub-sub000/internal/core"
)

// Metrics holds all Prometheus instruments.
type Metrics struct {
	GapEvents       *prometheus.CounterVec
	HTTPDuration    *prometheus.HistogramVec
	HTTPRequests    *prometheus.CounterVec
	EnrichmentJobs  *prometheus.CounterVec
	EmailsSent      *prometheus.CounterVec
	SocketClients   prometheus.Gauge
	TatWarnings     prometheus.Counter
	OpenGapsByState *prometheus.GaugeVec
}

// New creates and registers the instruments on the default registry.
func New() *Metrics {
	return &Metrics{
		GapEvents: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gapops_events_total",
				Help: "Domain events emitted, by type",
			},
			[]string{"type"},
		),
		HTTPDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gapops_http_request_duration_seconds",
				Help:    "HTTP request latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		HTTPRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gapops_http_requests_total",
				Help: "HTTP requests served, by status class",
			},
			[]string{"method", "route", "status"},
		),
		EnrichmentJobs: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gapops_enrichment_jobs_total",
				Help: "AI enrichment jobs, by outcome",
			},
			[]string{"outcome"}, // applied, superseded, failed
		),
		EmailsSent: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gapops_emails_total",
				Help: "Outbound relay emails, by outcome",
			},
			[]string{"outcome"}, // sent, failed
		),
		SocketClients: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "gapops_socket_clients",
				Help: "Currently connected realtime clients",
			},
		),
		TatWarnings: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "gapops_tat_warnings_total",
				Help: "TAT breach warnings emitted by the sweeper",
			},
		),
		OpenGapsByState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gapops_gaps_by_status",
				Help: "Gap count per lifecycle status, refreshed by the stats endpoint",
			},
			[]string{"status"},
		),
	}
}

// Observe consumes one domain event. Wired as an all-events bus
// subscriber.
func (m *Metrics) Observe(ev *core.Event) {
	m.GapEvents.WithLabelValues(ev.Type).Inc()
	if ev.Type == core.EventTatBreachWarning {
		m.TatWarnings.Inc()
	}
}

// ObserveEnrichmentJob ticks the per-outcome enrichment job counter.
func (m *Metrics) ObserveEnrichmentJob(outcome string) {
	m.EnrichmentJobs.WithLabelValues(outcome).Inc()
}

// ObserveEmail ticks the per-outcome relay email counter.
func (m *Metrics) ObserveEmail(outcome string) {
	m.EmailsSent.WithLabelValues(outcome).Inc()
}

// SocketConnected bumps the connected-client gauge.
func (m *Metrics) SocketConnected() { m.SocketClients.Inc() }

// SocketDisconnected drops the connected-client gauge.
func (m *Metrics) SocketDisconnected() { m.SocketClients.Dec() }

// Consume drains a bus subscription channel until it closes.
func (m *Metrics) Consume(events chan *core.Event) {
	go func() {
		for ev := range events {
			m.Observe(ev)
		}
	}()
}

// SetGapCounts refreshes the per-status gauge.
func (m *Metrics) SetGapCounts(counts map[core.GapStatus]int) {
	for _, st := range []core.GapStatus{
		core.StatusPendingAI, core.StatusNeedsReview, core.StatusAssigned,
		core.StatusInProgress, core.StatusResolved, core.StatusClosed, core.StatusReopened,
	} {
		m.OpenGapsByState.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
}
