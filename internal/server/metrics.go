package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"wireagent-go/internal/binding"
)

const metricsNamespace = "wireagent"

// metrics is registered on a private registry so several servers can live in one
// process.
type metrics struct {
	registry *prometheus.Registry

	httpResponses      *prometheus.CounterVec
	commandsTotal      *prometheus.CounterVec
	commandDuration    *prometheus.HistogramVec
	activeSessions     prometheus.Gauge
	elementsRegistered prometheus.Gauge
}

func newMetrics() *metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &metrics{
		registry: reg,
		httpResponses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "http_responses_total",
			Help:      "Responses written on the wire port by method and HTTP code",
		}, []string{"method", "code"}),
		commandsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "commands_total",
			Help:      "Commands answered with an envelope, by verb and wire status",
		}, []string{"verb", "status"}),
		commandDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "command_duration_seconds",
			Help:      "Command processing duration in seconds",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 30},
		}, []string{"verb"}),
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_sessions",
			Help:      "Number of open sessions",
		}),
		elementsRegistered: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "elements_registered",
			Help:      "Element handles held across all sessions",
		}),
	}
}

func (m *metrics) ObserveResponse(method, path string, status int, elapsed time.Duration) {
	m.httpResponses.WithLabelValues(method, strconv.Itoa(status)).Inc()
}

func (m *metrics) ObserveCommand(ev binding.Event) {
	m.commandsTotal.WithLabelValues(ev.Method, ev.Status.String()).Inc()
	m.commandDuration.WithLabelValues(ev.Method).Observe(ev.Elapsed.Seconds())
}

func (m *metrics) SessionsActive(n int) {
	m.activeSessions.Set(float64(n))
}

func (m *metrics) ElementsRegistered(delta int) {
	m.elementsRegistered.Add(float64(delta))
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// commandObservers fans one binding event out to every observer.
type commandObservers []binding.Observer

func (o commandObservers) ObserveCommand(ev binding.Event) {
	for _, obs := range o {
		if obs != nil {
			obs.ObserveCommand(ev)
		}
	}
}
