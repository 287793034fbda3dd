// Package metrics exposes engine, dispatch and API counters to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dokzlo13/dimmerd/internal/dispatch"
	"github.com/dokzlo13/dimmerd/internal/entity"
)

const namespace = "dimmerd"

// Metrics implements dimmer.Observer and dispatch.Hooks.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	commandsDispatched *prometheus.CounterVec
	commandsFailed     *prometheus.CounterVec
	commandsDropped    prometheus.Counter
	commandLatency     prometheus.Histogram
	loopTicks          prometheus.Counter
	activeLights       prometheus.Gauge
	entitiesLost       prometheus.Counter
	httpRequests       *prometheus.CounterVec
	httpDuration       *prometheus.HistogramVec
}

// New creates collectors on a private registry, including Go and process
// collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		commandsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_dispatched_total",
			Help:      "Brightness commands applied by a backend.",
		}, []string{"backend"}),
		commandsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_failed_total",
			Help:      "Brightness commands rejected by a backend.",
		}, []string{"backend"}),
		commandsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_dropped_total",
			Help:      "Brightness commands dropped before delivery.",
		}),
		commandLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_latency_seconds",
			Help:      "Time from issuing a command to the backend accepting it.",
			Buckets:   prometheus.DefBuckets,
		}),
		loopTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loop_ticks_total",
			Help:      "Completed cycle loop iterations.",
		}),
		activeLights: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_lights",
			Help:      "Lights currently cycling.",
		}),
		entitiesLost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entities_lost_total",
			Help:      "Cycling lights dropped because their entity disappeared.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "API requests by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "API request durations by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.commandsDispatched,
		m.commandsFailed,
		m.commandsDropped,
		m.commandLatency,
		m.loopTicks,
		m.activeLights,
		m.entitiesLost,
		m.httpRequests,
		m.httpDuration,
	)

	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) LoopTick(active int) {
	if m == nil {
		return
	}
	m.loopTicks.Inc()
	m.activeLights.Set(float64(active))
}

func (m *Metrics) EntityLost(id string) {
	if m == nil {
		return
	}
	m.entitiesLost.Inc()
}

// SetActive updates the active lights gauge outside the loop, e.g. after Stop.
func (m *Metrics) SetActive(active int) {
	if m == nil {
		return
	}
	m.activeLights.Set(float64(active))
}

func (m *Metrics) Dispatched(cmd dispatch.Command, latency time.Duration) {
	if m == nil {
		return
	}
	m.commandsDispatched.WithLabelValues(backendOf(cmd)).Inc()
	m.commandLatency.Observe(latency.Seconds())
}

func (m *Metrics) Dropped(cmd dispatch.Command) {
	if m == nil {
		return
	}
	m.commandsDropped.Inc()
}

func (m *Metrics) Failed(cmd dispatch.Command, err error) {
	if m == nil {
		return
	}
	m.commandsFailed.WithLabelValues(backendOf(cmd)).Inc()
}

func backendOf(cmd dispatch.Command) string {
	backend, _, ok := entity.Split(cmd.EntityID)
	if !ok {
		return "unknown"
	}
	return backend
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// WrapHandler records request count and duration under route.
func (m *Metrics) WrapHandler(route string, next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(recorder, r)

		m.httpRequests.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}
