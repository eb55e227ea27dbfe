// Package metrics holds the process Prometheus registry. A nil *Metrics is
// valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "relaybot"

type Metrics struct {
	registry *prometheus.Registry

	leaseOwner        prometheus.Gauge
	leaseEvents       *prometheus.CounterVec
	heartbeatFailures prometheus.Counter
	sessionReady      prometheus.Gauge
	actions           *prometheus.CounterVec
	sendAttempts      *prometheus.CounterVec
	dispatchMessages  *prometheus.CounterVec
	dispatchActive    prometheus.Gauge
	inbound           *prometheus.CounterVec
}

// New builds a private registry with the Go and process collectors. identity
// is attached as a constant label.
func New(identity string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	labels := prometheus.Labels{"identity": identity}
	f := func(name, help string) prometheus.Opts {
		return prometheus.Opts{Namespace: namespace, Name: name, Help: help, ConstLabels: labels}
	}

	m := &Metrics{
		registry:          reg,
		leaseOwner:        prometheus.NewGauge(prometheus.GaugeOpts(f("lease_owner", "1 while this process holds the lease."))),
		leaseEvents:       prometheus.NewCounterVec(prometheus.CounterOpts(f("lease_events_total", "Lease transitions by event.")), []string{"event"}),
		heartbeatFailures: prometheus.NewCounter(prometheus.CounterOpts(f("lease_heartbeat_failures_total", "Heartbeats that errored."))),
		sessionReady:      prometheus.NewGauge(prometheus.GaugeOpts(f("session_ready", "1 while the messaging session is ready."))),
		actions:           prometheus.NewCounterVec(prometheus.CounterOpts(f("actions_total", "Control actions executed.")), []string{"kind", "result"}),
		sendAttempts:      prometheus.NewCounterVec(prometheus.CounterOpts(f("send_attempts_total", "Outbound send attempts.")), []string{"result"}),
		dispatchMessages:  prometheus.NewCounterVec(prometheus.CounterOpts(f("dispatch_messages_total", "Backlog messages acknowledged by status.")), []string{"status"}),
		dispatchActive:    prometheus.NewGauge(prometheus.GaugeOpts(f("dispatch_active_recipients", "Recipients with an open dispatch conversation."))),
		inbound:           prometheus.NewCounterVec(prometheus.CounterOpts(f("inbound_messages_total", "Inbound messages by outcome.")), []string{"outcome"}),
	}
	reg.MustRegister(
		m.leaseOwner, m.leaseEvents, m.heartbeatFailures, m.sessionReady,
		m.actions, m.sendAttempts, m.dispatchMessages, m.dispatchActive, m.inbound,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry. A nil receiver serves 404.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) SetOwner(owner bool) {
	if m == nil {
		return
	}
	m.leaseOwner.Set(b2f(owner))
}

// LeaseEvent counts acquired, lost, released and standby transitions.
func (m *Metrics) LeaseEvent(event string) {
	if m == nil {
		return
	}
	m.leaseEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) HeartbeatFailed() {
	if m == nil {
		return
	}
	m.heartbeatFailures.Inc()
}

func (m *Metrics) SetSessionReady(ready bool) {
	if m == nil {
		return
	}
	m.sessionReady.Set(b2f(ready))
}

func (m *Metrics) Action(kind, result string) {
	if m == nil {
		return
	}
	m.actions.WithLabelValues(kind, result).Inc()
}

// SendAttempt result is one of ok, retry, failed.
func (m *Metrics) SendAttempt(result string) {
	if m == nil {
		return
	}
	m.sendAttempts.WithLabelValues(result).Inc()
}

func (m *Metrics) Dispatched(status string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.dispatchMessages.WithLabelValues(status).Add(float64(n))
}

func (m *Metrics) SetDispatchActive(n int) {
	if m == nil {
		return
	}
	m.dispatchActive.Set(float64(n))
}

// Inbound outcome is one of reply, responder, fallback, error.
func (m *Metrics) Inbound(outcome string) {
	if m == nil {
		return
	}
	m.inbound.WithLabelValues(outcome).Inc()
}

func b2f(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
