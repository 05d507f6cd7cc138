// Package metrics holds the Prometheus collectors of the relay. Collectors
// live on their own registry so tests and multiple instances do not collide
// on the process-wide default.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	reg *prometheus.Registry

	Events        *prometheus.CounterVec // kind = new | edited | deleted
	Forwarded     *prometheus.CounterVec // op = send | edit | delete
	Blocked       *prometheus.CounterVec // reason
	Paused        *prometheus.CounterVec // cause
	SinkErrors    *prometheus.CounterVec // op, kind
	Retries       *prometheus.CounterVec // class
	Dropped       *prometheus.CounterVec // stage
	RateLimitWait *prometheus.HistogramVec
	Pipeline      prometheus.Histogram
	Sessions      *prometheus.GaugeVec // state
	Mappings      prometheus.Gauge
	Notifications *prometheus.CounterVec // result
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_events_total",
			Help: "Platform events received, by kind",
		}, []string{"kind"}),
		Forwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_forwarded_total",
			Help: "Successful destination calls, by operation",
		}, []string{"op"}),
		Blocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_blocked_total",
			Help: "Messages withheld by trap detection, by reason",
		}, []string{"reason"}),
		Paused: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_pair_pauses_total",
			Help: "Pair pauses, by cause",
		}, []string{"cause"}),
		SinkErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_sink_errors_total",
			Help: "Failed destination calls after retries, by operation and error kind",
		}, []string{"op", "kind"}),
		Retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_retries_total",
			Help: "Scheduled retries, by target class",
		}, []string{"class"}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_dropped_total",
			Help: "Events dropped before forwarding, by stage",
		}, []string{"stage"}),
		RateLimitWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_ratelimit_wait_seconds",
			Help:    "Time spent waiting for a rate limit slot",
			Buckets: []float64{.001, .01, .1, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"class"}),
		Pipeline: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_pipeline_seconds",
			Help:    "Time from event dispatch to pipeline completion",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 30},
		}),
		Sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relay_sessions",
			Help: "Sessions per lifecycle state",
		}, []string{"state"}),
		Mappings: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_mappings",
			Help: "Live source to destination message mappings",
		}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_notifications_total",
			Help: "Operator notifications, by result",
		}, []string{"result"}),
	}
	m.reg.MustRegister(
		m.Events, m.Forwarded, m.Blocked, m.Paused, m.SinkErrors, m.Retries,
		m.Dropped, m.RateLimitWait, m.Pipeline, m.Sessions, m.Mappings, m.Notifications,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry for custom collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// ObserveWait records a rate limit wait for class.
func (m *Metrics) ObserveWait(class string, d time.Duration) {
	if m == nil {
		return
	}
	m.RateLimitWait.WithLabelValues(class).Observe(d.Seconds())
}

// SetSessions replaces the per-state session gauge.
func (m *Metrics) SetSessions(counts map[string]int, states []string) {
	if m == nil {
		return
	}
	for _, s := range states {
		m.Sessions.WithLabelValues(s).Set(float64(counts[s]))
	}
}
