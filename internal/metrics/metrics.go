// Package metrics provides Prometheus metrics collection for the service.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "airsense"

// Registry is the process-wide Prometheus registry.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Handler returns an HTTP handler exposing every metric in Registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Metrics contains the collectors updated by the ingestion path, the
// broadcast hub and the liveness monitor. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	ReadingsAccepted   *prometheus.CounterVec
	IngestRejections   *prometheus.CounterVec
	IngestDuration     *prometheus.HistogramVec
	BroadcastEvents    *prometheus.CounterVec
	BroadcastDropped   prometheus.Counter
	Subscribers        prometheus.Gauge
	ForwardFailures    prometheus.Counter
	LivenessSweeps     *prometheus.CounterVec
	DevicesMarkedOff   prometheus.Counter
	DeadLettered       prometheus.Counter
	HTTPRequestsTotal  *prometheus.CounterVec
	HTTPRequestLatency *prometheus.HistogramVec
}

// New creates the service metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ReadingsAccepted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "readings_accepted_total",
				Help:      "Total number of readings stored",
			},
			[]string{"source"}, // source: http, mqtt, replay
		),
		IngestRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "rejections_total",
				Help:      "Total number of rejected ingestion requests",
			},
			[]string{"source", "kind"},
		),
		IngestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "duration_seconds",
				Help:      "Duration of ingestion requests",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"source"},
		),
		BroadcastEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "broadcast",
				Name:      "events_total",
				Help:      "Total number of events fanned out",
			},
			[]string{"type"},
		),
		BroadcastDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "broadcast",
				Name:      "subscribers_dropped_total",
				Help:      "Subscribers removed after a failed send",
			},
		),
		Subscribers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "broadcast",
				Name:      "subscribers",
				Help:      "Number of connected live-update subscribers",
			},
		),
		ForwardFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "forward",
				Name:      "failures_total",
				Help:      "Events that could not be forwarded to the message bus",
			},
		),
		LivenessSweeps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "liveness",
				Name:      "sweeps_total",
				Help:      "Total number of offline sweeps",
			},
			[]string{"status"}, // status: success, error
		),
		DevicesMarkedOff: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "liveness",
				Name:      "devices_marked_offline_total",
				Help:      "Devices flipped to offline by the sweep",
			},
		),
		DeadLettered: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mqtt",
				Name:      "dead_lettered_total",
				Help:      "MQTT messages spooled to the dead-letter log",
			},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Duration of HTTP requests",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}

	reg.MustRegister(
		m.ReadingsAccepted,
		m.IngestRejections,
		m.IngestDuration,
		m.BroadcastEvents,
		m.BroadcastDropped,
		m.Subscribers,
		m.ForwardFailures,
		m.LivenessSweeps,
		m.DevicesMarkedOff,
		m.DeadLettered,
		m.HTTPRequestsTotal,
		m.HTTPRequestLatency,
	)

	return m
}

// ObserveIngest records the outcome of one ingestion request. An empty kind
// means the reading was accepted.
func (m *Metrics) ObserveIngest(source, kind string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.IngestDuration.WithLabelValues(source).Observe(elapsed.Seconds())
	if kind == "" {
		m.ReadingsAccepted.WithLabelValues(source).Inc()
		return
	}
	m.IngestRejections.WithLabelValues(source, kind).Inc()
}

func (m *Metrics) ObserveBroadcast(eventType string, subscribers, dropped int) {
	if m == nil {
		return
	}
	m.BroadcastEvents.WithLabelValues(eventType).Inc()
	m.BroadcastDropped.Add(float64(dropped))
	m.Subscribers.Set(float64(subscribers))
}

func (m *Metrics) SetSubscribers(n int) {
	if m == nil {
		return
	}
	m.Subscribers.Set(float64(n))
}

func (m *Metrics) ForwardFailed() {
	if m == nil {
		return
	}
	m.ForwardFailures.Inc()
}

func (m *Metrics) ObserveSweep(flipped int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.LivenessSweeps.WithLabelValues("error").Inc()
		return
	}
	m.LivenessSweeps.WithLabelValues("success").Inc()
	m.DevicesMarkedOff.Add(float64(flipped))
}

func (m *Metrics) DeadLetter() {
	if m == nil {
		return
	}
	m.DeadLettered.Inc()
}

func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, statusClass(status)).Inc()
	m.HTTPRequestLatency.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
