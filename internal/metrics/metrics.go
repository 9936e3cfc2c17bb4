// Package metrics exposes Prometheus collectors for a keyboxer run and pushes
// them to a Pushgateway when the batch finishes.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/JakeFAU/keyboxer/internal/crawler"
)

// Recorder implements crawler.Recorder against its own registry.
type Recorder struct {
	registry *prometheus.Registry

	pages          prometheus.Counter
	fetchRequests  *prometheus.CounterVec
	fetchBytes     *prometheus.CounterVec
	candidates     *prometheus.CounterVec
	reconciled     *prometheus.CounterVec
	rateLimitDelay *prometheus.HistogramVec
	runDuration    prometheus.Gauge
	lastSuccess    prometheus.Gauge
}

// New registers the collectors against a fresh registry.
func New() (*Recorder, error) {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		pages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "keyboxer_search_pages_total",
			Help: "Search result pages fetched.",
		}),
		fetchRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keyboxer_fetch_requests_total",
			Help: "HTTP fetches partitioned by stage and status class.",
		}, []string{"stage", "status_class"}),
		fetchBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keyboxer_fetch_bytes_total",
			Help: "Bytes downloaded per stage.",
		}, []string{"stage"}),
		candidates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keyboxer_candidates_total",
			Help: "Search candidates partitioned by outcome.",
		}, []string{"outcome"}),
		reconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keyboxer_reconcile_documents_total",
			Help: "Stored documents checked during reconciliation, by outcome.",
		}, []string{"outcome"}),
		rateLimitDelay: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "keyboxer_rate_limit_delay_seconds",
			Help:    "Time spent waiting on the rate limiter.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"host"}),
		runDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "keyboxer_run_duration_seconds",
			Help: "Wall time of the last run.",
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "keyboxer_last_success_timestamp_seconds",
			Help: "Unix time of the last run that completed without error.",
		}),
	}
	for _, collector := range []prometheus.Collector{
		r.pages,
		r.fetchRequests,
		r.fetchBytes,
		r.candidates,
		r.reconciled,
		r.rateLimitDelay,
		r.runDuration,
		r.lastSuccess,
	} {
		if err := r.registry.Register(collector); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}
	return r, nil
}

// Registry returns the registry holding the collectors.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// ObservePage counts one search page.
func (r *Recorder) ObservePage() {
	r.pages.Inc()
}

// ObserveFetch counts one HTTP exchange. A zero code means no response.
func (r *Recorder) ObserveFetch(stage string, code int, bytes int) {
	r.fetchRequests.WithLabelValues(stage, StatusClass(code)).Inc()
	if bytes > 0 {
		r.fetchBytes.WithLabelValues(stage).Add(float64(bytes))
	}
}

// ObserveCandidate counts one candidate outcome.
func (r *Recorder) ObserveCandidate(outcome string) {
	r.candidates.WithLabelValues(outcome).Inc()
}

// ObserveReconcile counts one reconciliation outcome.
func (r *Recorder) ObserveReconcile(outcome string) {
	r.reconciled.WithLabelValues(outcome).Inc()
}

// ObserveRateLimitDelay records a limiter wait for host.
func (r *Recorder) ObserveRateLimitDelay(host string, waited time.Duration) {
	r.rateLimitDelay.WithLabelValues(host).Observe(waited.Seconds())
}

// ObserveRun records the run's wall time and, when it succeeded, its end.
func (r *Recorder) ObserveRun(took time.Duration, err error) {
	r.runDuration.Set(took.Seconds())
	if err == nil {
		r.lastSuccess.SetToCurrentTime()
	}
}

// StatusClass buckets an HTTP status code.
func StatusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "error"
	}
}

// Push sends the registry to a Pushgateway under job, grouped by run ID.
func (r *Recorder) Push(ctx context.Context, gatewayURL, job, runID string) error {
	pusher := push.New(gatewayURL, job).Gatherer(r.registry)
	if runID != "" {
		pusher = pusher.Grouping("run_id", runID)
	}
	if err := pusher.PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics: %w", err)
	}
	return nil
}

var _ crawler.Recorder = (*Recorder)(nil)
