package main

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "image_worker"

// Prometheus collectors for the processing worker
type Metrics struct {
	results       *prometheus.CounterVec
	errors        *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	sourceBytes   prometheus.Histogram
	inFlight      prometheus.Gauge
}

// NewMetrics registers the worker collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		results: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "results_total",
				Help:      "Result records published, by status.",
			},
			[]string{"status"},
		),
		errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "errors_total",
				Help:      "Handling errors by kind and stage.",
			},
			[]string{"kind", "stage"},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "stage_duration_seconds",
				Help:      "Time spent in each handling stage.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"stage"},
		),
		sourceBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "source_bytes",
				Help:      "Size of fetched source images.",
				Buckets:   prometheus.ExponentialBuckets(1024, 4, 10), // 1KiB .. 256MiB
			},
		),
		inFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "in_flight",
				Help:      "Requests currently being handled.",
			},
		),
	}

	reg.MustRegister(m.results, m.errors, m.stageDuration, m.sourceBytes, m.inFlight)
	return m
}

// a nil *Metrics is valid and records nothing

func (m *Metrics) observeStage(stage Stage, start time.Time) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(string(stage)).Observe(time.Since(start).Seconds())
}

func (m *Metrics) recordResult(status Status) {
	if m == nil {
		return
	}
	m.results.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) recordError(err *ProcessingError) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(err.Kind.String(), string(err.Stage)).Inc()
}

func (m *Metrics) recordSourceSize(n int) {
	if m == nil {
		return
	}
	m.sourceBytes.Observe(float64(n))
}

func (m *Metrics) trackInFlight() func() {
	if m == nil {
		return func() {}
	}
	m.inFlight.Inc()
	return m.inFlight.Dec
}

// metricsMux serves /metrics from gatherer and a liveness probe
func metricsMux(gatherer prometheus.Gatherer) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}
