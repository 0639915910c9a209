package controller

import (
	"errors"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the controller's Prometheus collectors. One set is shared by
// every controller registered on the same Registerer.
type Metrics struct {
	eventsApplied   *prometheus.CounterVec
	protocolErrors  prometheus.Counter
	reconnects      prometheus.Counter
	connectFailures prometheus.Counter
	commandFailures *prometheus.CounterVec
	subscribers     prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// leaves them unregistered. Collectors already registered on reg are reused.
// A collector that conflicts with a different one of the same name is logged
// and left unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		eventsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "semmission",
			Name:      "events_applied_total",
			Help:      "Stream events applied to mission state, by event type.",
		}, []string{"type"}),
		protocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "semmission",
			Name:      "protocol_errors_total",
			Help:      "Events that carried an unknown type or a malformed payload.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "semmission",
			Name:      "stream_reconnects_total",
			Help:      "Reconnects after a stream was lost.",
		}),
		connectFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "semmission",
			Name:      "stream_connect_failures_total",
			Help:      "Failed stream connect attempts.",
		}),
		commandFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "semmission",
			Name:      "command_failures_total",
			Help:      "Outbound commands that failed, by operation.",
		}, []string{"op"}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "semmission",
			Name:      "subscribers",
			Help:      "Active state subscribers.",
		}),
	}
	if reg == nil {
		return m
	}

	m.eventsApplied = register(reg, m.eventsApplied)
	m.protocolErrors = register(reg, m.protocolErrors)
	m.reconnects = register(reg, m.reconnects)
	m.connectFailures = register(reg, m.connectFailures)
	m.commandFailures = register(reg, m.commandFailures)
	m.subscribers = register(reg, m.subscribers)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
		slog.Default().Warn("Failed to register metric", "error", err)
	}
	return c
}
