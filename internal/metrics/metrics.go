// Package metrics provides SDK telemetry on a private Prometheus registry,
// so embedding the SDK never collides with the host's own collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is the subset of the collector the SDK components depend on.
type Recorder interface {
	RecordHTTPRequest(endpoint string, status int, duration time.Duration, err error)
	RecordFrame(kind string)
	RecordPresentation(layout string)
	RecordDropped(reason string)
	RecordEvent(result string)
	RecordRegistrationFailure(stage string)
	SetChannelState(state int)
	SetBackendHealth(state int)
}

// Collector provides SDK metrics collection.
type Collector struct {
	registry *prometheus.Registry

	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
	frames        *prometheus.CounterVec
	presentations *prometheus.CounterVec
	dropped       *prometheus.CounterVec
	events        *prometheus.CounterVec
	registrations *prometheus.CounterVec
	channelState  prometheus.Gauge
	backendHealth prometheus.Gauge
}

// NewCollector creates a collector. namespace defaults to "pushapp".
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "pushapp"
	}

	c := &Collector{registry: prometheus.NewRegistry()}

	c.httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of backend requests.",
		},
		[]string{"endpoint", "status"},
	)

	c.httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of backend requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"endpoint"},
	)

	c.frames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "frames_total",
			Help:      "Inbound channel frames by decoded kind.",
		},
		[]string{"kind"},
	)

	c.presentations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "inapp",
			Name:      "presentations_total",
			Help:      "In-app messages handed to the presenter.",
		},
		[]string{"layout"},
	)

	c.dropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "inapp",
			Name:      "dropped_total",
			Help:      "In-app messages dropped before presentation.",
		},
		[]string{"reason"},
	)

	c.events = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "total",
			Help:      "Behavioral events by outcome (sent, failed, dropped).",
		},
		[]string{"result"},
	)

	c.registrations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registration",
			Name:      "failures_total",
			Help:      "Device registration failures by stage.",
		},
		[]string{"stage"},
	)

	c.channelState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "state",
			Help:      "Transport channel state (0=closed, 1=connecting, 2=open, 3=closed_with_error).",
		},
	)

	c.backendHealth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "backend_health",
			Help:      "Observed backend health (0=up, 1=degraded after consecutive failures).",
		},
	)

	c.registry.MustRegister(
		c.httpRequests,
		c.httpDuration,
		c.frames,
		c.presentations,
		c.dropped,
		c.events,
		c.registrations,
		c.channelState,
		c.backendHealth,
	)

	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) RecordHTTPRequest(endpoint string, status int, duration time.Duration, err error) {
	label := strconv.Itoa(status)
	if err != nil && status == 0 {
		label = "error"
	}
	c.httpRequests.WithLabelValues(endpoint, label).Inc()
	c.httpDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

func (c *Collector) RecordFrame(kind string) {
	c.frames.WithLabelValues(kind).Inc()
}

func (c *Collector) RecordPresentation(layout string) {
	c.presentations.WithLabelValues(layout).Inc()
}

func (c *Collector) RecordDropped(reason string) {
	c.dropped.WithLabelValues(reason).Inc()
}

func (c *Collector) RecordEvent(result string) {
	c.events.WithLabelValues(result).Inc()
}

func (c *Collector) RecordRegistrationFailure(stage string) {
	c.registrations.WithLabelValues(stage).Inc()
}

func (c *Collector) SetChannelState(state int) {
	c.channelState.Set(float64(state))
}

func (c *Collector) SetBackendHealth(state int) {
	c.backendHealth.Set(float64(state))
}

// NoOpCollector discards everything.
type NoOpCollector struct{}

// NewNoOpCollector creates a collector that records nothing.
func NewNoOpCollector() *NoOpCollector {
	return &NoOpCollector{}
}

func (*NoOpCollector) RecordHTTPRequest(endpoint string, status int, d time.Duration, err error) {}
func (*NoOpCollector) RecordFrame(kind string)                                                  {}
func (*NoOpCollector) RecordPresentation(layout string)                                         {}
func (*NoOpCollector) RecordDropped(reason string)                                              {}
func (*NoOpCollector) RecordEvent(result string)                                                {}
func (*NoOpCollector) RecordRegistrationFailure(stage string)                                   {}
func (*NoOpCollector) SetChannelState(state int)                                                {}
func (*NoOpCollector) SetBackendHealth(state int)                                               {}
