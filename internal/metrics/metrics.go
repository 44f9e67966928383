// Package metrics holds the Prometheus collectors for LAN File Drop.
//
// Every component receives a *Metrics; all record methods accept a nil
// receiver so components can be built without metrics in tests.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sfd"

// Metrics wraps the service collectors and the registry they live in.
type Metrics struct {
	registry *prometheus.Registry

	FragmentsTotal      *prometheus.CounterVec
	FragmentBytesTotal  prometheus.Counter
	ReassembliesTotal   *prometheus.CounterVec
	ReassemblyDuration  prometheus.Histogram
	BundlesTotal        *prometheus.CounterVec
	BundleBytesTotal    *prometheus.CounterVec
	SessionsReclaimed   prometheus.Counter
	JanitorRunsTotal    *prometheus.CounterVec
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	BuildInfo           *prometheus.GaugeVec
}

// New creates a Metrics with its own registry, including Go runtime and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		FragmentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fragments_total",
			Help:      "Upload fragments processed, by outcome",
		}, []string{"outcome"}),
		FragmentBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fragment_bytes_total",
			Help:      "Bytes received in upload fragments",
		}),
		ReassembliesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reassemblies_total",
			Help:      "Reassembly attempts, by result",
		}, []string{"result"}),
		ReassemblyDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reassembly_duration_seconds",
			Help:      "Time spent concatenating fragments into an artifact",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
		BundlesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bundles_total",
			Help:      "Archives built, by strategy",
		}, []string{"strategy"}),
		BundleBytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bundle_bytes_total",
			Help:      "Compressed archive bytes produced, by strategy",
		}, []string{"strategy"}),
		SessionsReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_reclaimed_total",
			Help:      "Abandoned upload sessions removed by the janitor",
		}),
		JanitorRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "janitor_runs_total",
			Help:      "Janitor sweeps, by result",
		}, []string{"result"}),
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "code"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		BuildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "info",
			Help:      "Application version info",
		}, []string{"version", "commit"}),
	}

	reg.MustRegister(
		m.FragmentsTotal,
		m.FragmentBytesTotal,
		m.ReassembliesTotal,
		m.ReassemblyDuration,
		m.BundlesTotal,
		m.BundleBytesTotal,
		m.SessionsReclaimed,
		m.JanitorRunsTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.BuildInfo,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Registry returns the registry backing m.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SetBuildInfo publishes the running version.
func (m *Metrics) SetBuildInfo(version, commit string) {
	if m == nil {
		return
	}
	m.BuildInfo.WithLabelValues(version, commit).Set(1)
}

// RecordFragment records one fragment write and its outcome.
func (m *Metrics) RecordFragment(outcome string, bytes int64) {
	if m == nil {
		return
	}
	m.FragmentsTotal.WithLabelValues(outcome).Inc()
	if bytes > 0 {
		m.FragmentBytesTotal.Add(float64(bytes))
	}
}

// RecordReassembly records a reassembly attempt.
func (m *Metrics) RecordReassembly(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.ReassembliesTotal.WithLabelValues(result).Inc()
	if result == "ok" {
		m.ReassemblyDuration.Observe(d.Seconds())
	}
}

// RecordBundle records an archive build.
func (m *Metrics) RecordBundle(strategy string, bytes int64) {
	if m == nil {
		return
	}
	m.BundlesTotal.WithLabelValues(strategy).Inc()
	m.BundleBytesTotal.WithLabelValues(strategy).Add(float64(bytes))
}

// RecordJanitorRun records one sweep and the number of sessions it removed.
func (m *Metrics) RecordJanitorRun(reclaimed int, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.JanitorRunsTotal.WithLabelValues(result).Inc()
	m.SessionsReclaimed.Add(float64(reclaimed))
}

// RecordRequest records an HTTP request
func (m *Metrics) RecordRequest(method string, statusCode int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, strconv.Itoa(statusCode)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method).Observe(d.Seconds())
}
