package recolte

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metrics holds the service's Prometheus instruments. Each Service builds an
// independent registry to avoid collector conflicts when several services
// live in one process.
type metrics struct {
	registry *prometheus.Registry

	runsTotal     *prometheus.CounterVec
	fetchesTotal  *prometheus.CounterVec
	fetchDuration prometheus.Histogram
	rowsWritten   prometheus.Counter
	worksetSize   prometheus.Gauge
}

func newMetrics(registry *prometheus.Registry) *metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	factory := promauto.With(registry)
	return &metrics{
		registry: registry,
		runsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recolte_runs_total",
				Help: "Completed harvest passes by final state",
			},
			[]string{"state"}, // done, failed
		),
		fetchesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recolte_fetches_total",
				Help: "Fetch attempts by outcome",
			},
			[]string{"outcome"}, // success, failure
		),
		fetchDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "recolte_fetch_duration_seconds",
				Help:    "Duration of individual endpoint fetches",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
			},
		),
		rowsWritten: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "recolte_rows_written_total",
				Help: "Rows appended to the output table",
			},
		),
		worksetSize: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "recolte_workset_size",
				Help: "Identifiers pending in the current pass",
			},
		),
	}
}

func (m *metrics) observeFetch(failed bool, elapsed time.Duration) {
	outcome := "success"
	if failed {
		outcome = "failure"
	}
	m.fetchesTotal.WithLabelValues(outcome).Inc()
	m.fetchDuration.Observe(elapsed.Seconds())
}

// handler serves the scrape endpoint for this service's registry only.
func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
