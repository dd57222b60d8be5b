// Package metrics holds the Prometheus collectors of the keeper. One
// Registry satisfies the metrics ports of every component.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "keeper"

var connectionStates = []string{"idle", "connecting", "connected", "reconnecting", "closed"}

type Registry struct {
	reg *prometheus.Registry

	connectionState *prometheus.GaugeVec
	reconnects      *prometheus.CounterVec
	errors          *prometheus.CounterVec
	events          *prometheus.CounterVec
	notifications   *prometheus.CounterVec
	calls           *prometheus.CounterVec
	lockDenials     *prometheus.CounterVec
	ticks           *prometheus.CounterVec
	tickDuration    prometheus.Histogram
}

func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		connectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "1 for the current realtime connection state, 0 otherwise.",
		}, []string{"state"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Transports created after the first one for the same credential.",
		}, []string{"trigger"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Errors by category.",
		}, []string{"category"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Inbound realtime events by name and routing outcome.",
		}, []string{"event", "outcome"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notification renders by kind and outcome.",
		}, []string{"kind", "outcome"}),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Call session transitions and rejections.",
		}, []string{"outcome"}),
		lockDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_denials_total",
			Help:      "Wake or network lock acquisitions denied by the host.",
		}, []string{"kind"}),
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keepalive_ticks_total",
			Help:      "Keep-alive ticks by outcome.",
		}, []string{"outcome"}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "keepalive_tick_seconds",
			Help:      "Duration of keep-alive ticks.",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		}),
	}
	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.connectionState,
		r.reconnects,
		r.errors,
		r.events,
		r.notifications,
		r.calls,
		r.lockDenials,
		r.ticks,
		r.tickDuration,
	)
	return r
}

// Handler serves the registry in the Prometheus text format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

func (r *Registry) SetConnectionState(state string) {
	for _, s := range connectionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		r.connectionState.WithLabelValues(s).Set(v)
	}
}

func (r *Registry) IncReconnect(trigger string) { r.reconnects.WithLabelValues(trigger).Inc() }

func (r *Registry) RecordError(category string) { r.errors.WithLabelValues(category).Inc() }

func (r *Registry) IncEvent(name, outcome string) { r.events.WithLabelValues(name, outcome).Inc() }

func (r *Registry) IncNotification(kind, outcome string) {
	r.notifications.WithLabelValues(kind, outcome).Inc()
}

func (r *Registry) IncCall(outcome string) { r.calls.WithLabelValues(outcome).Inc() }

func (r *Registry) IncLockDenied(kind string) { r.lockDenials.WithLabelValues(kind).Inc() }

func (r *Registry) IncTick(outcome string) { r.ticks.WithLabelValues(outcome).Inc() }

func (r *Registry) ObserveTick(d time.Duration) { r.tickDuration.Observe(d.Seconds()) }
