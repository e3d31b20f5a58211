// Package metrics defines the Prometheus collectors of the server and the terminal.
// Every method is safe to call on a nil *Metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "presence"

// Metrics groups the collectors.
type Metrics struct {
	registry *prometheus.Registry

	transitions *prometheus.CounterVec
	conflicts   *prometheus.CounterVec
	logins      *prometheus.CounterVec
	requests    *prometheus.HistogramVec
	frames      *prometheus.CounterVec
	frameTime   prometheus.Histogram
	cacheSwaps  *prometheus.CounterVec
}

// New creates the collectors on a dedicated registry that also carries the
// Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Attendance state transitions by resulting status.",
		}, []string{"status"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflicts_total",
			Help:      "Rejected attendance transitions by conflict code.",
		}, []string{"code"}),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kiosk_logins_total",
			Help:      "Kiosk login attempts by outcome.",
		}, []string{"outcome"}),
		requests: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route and status code.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "code"}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kiosk_frames_total",
			Help:      "Processed camera frames by resulting status.",
		}, []string{"status"}),
		frameTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "kiosk_frame_seconds",
			Help:      "Time spent processing one frame.",
			Buckets:   []float64{0.025, 0.05, 0.1, 0.2, 0.3, 0.5, 1, 2},
		}),
		cacheSwaps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kiosk_descriptor_refresh_total",
			Help:      "Descriptor cache revalidations by outcome.",
		}, []string{"outcome"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.transitions,
		m.conflicts,
		m.logins,
		m.requests,
		m.frames,
		m.frameTime,
		m.cacheSwaps,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveTransition(status string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveConflict(code string) {
	if m == nil {
		return
	}
	m.conflicts.WithLabelValues(code).Inc()
}

func (m *Metrics) ObserveLogin(outcome string) {
	if m == nil {
		return
	}
	m.logins.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveRequest(route string, code int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, strconv.Itoa(code)).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveFrame(status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(status).Inc()
	m.frameTime.Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveRefresh(outcome string) {
	if m == nil {
		return
	}
	m.cacheSwaps.WithLabelValues(outcome).Inc()
}
