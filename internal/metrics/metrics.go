// Package metrics exposes pipeline counters and latencies to Prometheus.
// Each Metrics value owns its registry so tests and multiple daemons in one
// process do not collide.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mirror"

// Metrics implements container.Observer and replay.Observer.
type Metrics struct {
	registry *prometheus.Registry

	saves         *prometheus.CounterVec
	saveBytes     prometheus.Histogram
	saveDuration  prometheus.Histogram
	loads         *prometheus.CounterVec
	loadDuration  prometheus.Histogram
	dispatches    *prometheus.CounterVec
	replayLag     prometheus.Histogram
	connections   prometheus.Gauge
	samples       *prometheus.CounterVec
	httpRequests  *prometheus.CounterVec
	httpDurations *prometheus.HistogramVec
}

// New creates and registers every collector on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		saves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "saves_total",
			Help:      "Container saves by encryption and result.",
		}, []string{"encrypted", "result"}),
		saveBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "save_stored_bytes",
			Help:      "Size of written containers.",
			Buckets:   prometheus.ExponentialBuckets(256, 4, 8),
		}),
		saveDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "save_duration_seconds",
			Help:      "Time to compact, encode, compress, encrypt and write a container.",
			Buckets:   prometheus.DefBuckets,
		}),
		loads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loads_total",
			Help:      "Container loads by encryption and result.",
		}, []string{"encrypted", "result"}),
		loadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "load_duration_seconds",
			Help:      "Time to read and decode a container.",
			Buckets:   prometheus.DefBuckets,
		}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replay_dispatches_total",
			Help:      "Replayed events by sink result.",
		}, []string{"result"}),
		replayLag: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "replay_lag_seconds",
			Help:      "Delay between an event's due time and its dispatch.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ingest_connections",
			Help:      "Open ingest connections.",
		}),
		samples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_samples_total",
			Help:      "Samples received over the ingest protocol by kind.",
		}, []string{"kind"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP API requests.",
		}, []string{"method", "path", "status"}),
		httpDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP API request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}
	m.registry.MustRegister(
		m.saves, m.saveBytes, m.saveDuration,
		m.loads, m.loadDuration,
		m.dispatches, m.replayLag,
		m.connections, m.samples,
		m.httpRequests, m.httpDurations,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry the collectors live in.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func result(kind string) string {
	if kind == "" {
		return "ok"
	}
	return kind
}

// ObserveSave records a container save.
func (m *Metrics) ObserveSave(encrypted bool, storedBytes int, elapsed time.Duration, kind string) {
	m.saves.WithLabelValues(strconv.FormatBool(encrypted), result(kind)).Inc()
	m.saveDuration.Observe(elapsed.Seconds())
	if kind == "" {
		m.saveBytes.Observe(float64(storedBytes))
	}
}

// ObserveLoad records a container load.
func (m *Metrics) ObserveLoad(encrypted bool, elapsed time.Duration, kind string) {
	m.loads.WithLabelValues(strconv.FormatBool(encrypted), result(kind)).Inc()
	m.loadDuration.Observe(elapsed.Seconds())
}

// ObserveDispatch records one replayed event.
func (m *Metrics) ObserveDispatch(lag time.Duration, failed bool) {
	status := "ok"
	if failed {
		status = "sink_error"
	}
	m.dispatches.WithLabelValues(status).Inc()
	m.replayLag.Observe(lag.Seconds())
}

// ConnectionOpened increments the open ingest connection gauge.
func (m *Metrics) ConnectionOpened() { m.connections.Inc() }

// ConnectionClosed decrements the open ingest connection gauge.
func (m *Metrics) ConnectionClosed() { m.connections.Dec() }

// ObserveSample counts one ingested sample.
func (m *Metrics) ObserveSample(kind string) {
	m.samples.WithLabelValues(kind).Inc()
}

// ObserveHTTP records one API request.
func (m *Metrics) ObserveHTTP(method, path string, status int, elapsed time.Duration) {
	m.httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.httpDurations.WithLabelValues(method, path).Observe(elapsed.Seconds())
}
