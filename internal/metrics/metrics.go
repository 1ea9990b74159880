package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RequestOutcome classifies how the gateway answered a request.
type RequestOutcome string

const (
	// RequestHit indicates the response came from the cache.
	RequestHit RequestOutcome = "hit"
	// RequestMiss indicates the downstream handler produced the response.
	RequestMiss RequestOutcome = "miss"
	// RequestBypass indicates a bypass rule skipped the cache entirely.
	RequestBypass RequestOutcome = "bypass"
)

// WriteOutcome classifies a write-back attempt.
type WriteOutcome string

const (
	// WriteStored indicates the engine persisted the entry.
	WriteStored WriteOutcome = "stored"
	// WriteNotCacheable indicates the engine refused the response.
	WriteNotCacheable WriteOutcome = "not_cacheable"
	// WriteError indicates the engine call failed.
	WriteError WriteOutcome = "error"
	// WriteOverloaded indicates the pool was saturated and the write dropped.
	WriteOverloaded WriteOutcome = "overloaded"
)

// StaleReason labels why a stale entry was served.
type StaleReason string

const (
	// StaleRevalidate marks a stale-while-revalidate serve.
	StaleRevalidate StaleReason = "revalidate"
	// StaleIfError marks a stale-if-error fallback serve.
	StaleIfError StaleReason = "error"
)

// Recorder publishes Prometheus metrics for gateway activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	requests      *prometheus.CounterVec
	lookupLatency *prometheus.HistogramVec

	writebacks       *prometheus.CounterVec
	writebackLatency prometheus.Histogram

	staleServed   *prometheus.CounterVec
	revalidations prometheus.Counter
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a
// dedicated registry is created so multiple recorders can coexist without
// conflicting with the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cachegate",
		Subsystem: "requests",
		Name:      "total",
		Help:      "Requests processed by the caching gateway.",
	}, []string{"outcome"})

	lookupLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "cachegate",
		Subsystem: "engine",
		Name:      "lookup_duration_seconds",
		Help:      "Latency distribution for engine lookups.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	}, []string{"outcome"})

	writebacks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cachegate",
		Subsystem: "writeback",
		Name:      "total",
		Help:      "Write-back submissions by outcome.",
	}, []string{"outcome"})

	writebackLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "cachegate",
		Subsystem: "writeback",
		Name:      "duration_seconds",
		Help:      "Latency distribution for completed engine writes.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	})

	staleServed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cachegate",
		Subsystem: "stale",
		Name:      "served_total",
		Help:      "Stale responses served, by authorization reason.",
	}, []string{"reason"})

	revalidations := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "cachegate",
		Subsystem: "stale",
		Name:      "revalidations_total",
		Help:      "Background revalidation replays spawned.",
	})

	reg.MustRegister(requests, lookupLatency, writebacks, writebackLatency, staleServed, revalidations)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:         reg,
		handler:          handler,
		requests:         requests,
		lookupLatency:    lookupLatency,
		writebacks:       writebacks,
		writebackLatency: writebackLatency,
		staleServed:      staleServed,
		revalidations:    revalidations,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveRequest records the outcome of a completed request and the lookup
// latency that produced it.
func (r *Recorder) ObserveRequest(outcome RequestOutcome, lookupDuration time.Duration) {
	if r == nil {
		return
	}
	label := normalizeLabel(string(outcome))
	r.requests.WithLabelValues(label).Inc()
	r.lookupLatency.WithLabelValues(label).Observe(lookupDuration.Seconds())
}

// ObserveWriteback records the outcome of a write-back submission. Duration is
// meaningful only for submissions that actually reached the engine.
func (r *Recorder) ObserveWriteback(outcome WriteOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	r.writebacks.WithLabelValues(normalizeLabel(string(outcome))).Inc()
	if outcome == WriteStored || outcome == WriteNotCacheable {
		r.writebackLatency.Observe(duration.Seconds())
	}
}

// ObserveStaleServed records that a stale entry was served and why.
func (r *Recorder) ObserveStaleServed(reason StaleReason) {
	if r == nil {
		return
	}
	r.staleServed.WithLabelValues(normalizeLabel(string(reason))).Inc()
}

// ObserveRevalidation records one spawned background replay.
func (r *Recorder) ObserveRevalidation() {
	if r == nil {
		return
	}
	r.revalidations.Inc()
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
