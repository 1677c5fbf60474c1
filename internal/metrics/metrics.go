// Package metrics holds the broker's prometheus collectors. Helpers no-op
// until Register has succeeded, so packages can record unconditionally.
package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	regOK atomic.Bool

	producerStarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tapcast",
			Subsystem: "producer",
			Name:      "starts_total",
			Help:      "Number of successful producer spawns.",
		},
	)
	producerRestarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tapcast",
			Subsystem: "producer",
			Name:      "restarts_total",
			Help:      "Number of automatic producer restarts.",
		},
	)
	producerExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tapcast",
			Subsystem: "producer",
			Name:      "exits_total",
			Help:      "Producer exits by cause (clean, signal, error, spawn_error).",
		}, []string{"cause"},
	)
	producerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "tapcast",
			Subsystem: "producer",
			Name:      "state",
			Help:      "Current producer lifecycle state (1 = active state).",
		}, []string{"state"},
	)
	lines = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tapcast",
			Subsystem: "parser",
			Name:      "lines_total",
			Help:      "Producer stdout lines by parse outcome.",
		}, []string{"outcome"},
	)
	clientsConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tapcast",
			Subsystem: "stream",
			Name:      "clients_connected",
			Help:      "Currently registered stream subscribers.",
		},
	)
	clientsRemoved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tapcast",
			Subsystem: "stream",
			Name:      "clients_removed_total",
			Help:      "Subscriber removals by reason.",
		}, []string{"reason"},
	)
	upgradesRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tapcast",
			Subsystem: "stream",
			Name:      "upgrades_rejected_total",
			Help:      "Rejected stream requests by reason.",
		}, []string{"reason"},
	)
	eventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tapcast",
			Subsystem: "stream",
			Name:      "events_published_total",
			Help:      "Events handed to the broadcaster by kind.",
		}, []string{"kind"},
	)
	relayDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tapcast",
			Subsystem: "relay",
			Name:      "dropped_total",
			Help:      "Payloads dropped because the relay buffer was full.",
		},
	)
)

// States lists every producer state label, so SetProducerState can zero
// the inactive ones.
var States = []string{"starting", "running", "exited", "terminated"}

// Register registers all collectors with r. Calling it again after a
// success is a no-op.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		producerStarts, producerRestarts, producerExits, producerState,
		lines, clientsConnected, clientsRemoved, upgradesRejected,
		eventsPublished, relayDropped,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler serves the default gatherer.
func Handler() http.Handler { return promhttp.Handler() }

func IncProducerStart() {
	if regOK.Load() {
		producerStarts.Inc()
	}
}

func IncProducerRestart() {
	if regOK.Load() {
		producerRestarts.Inc()
	}
}

func IncProducerExit(cause string) {
	if regOK.Load() {
		producerExits.WithLabelValues(cause).Inc()
	}
}

func SetProducerState(state string) {
	if !regOK.Load() {
		return
	}
	for _, s := range States {
		v := 0.0
		if s == state {
			v = 1
		}
		producerState.WithLabelValues(s).Set(v)
	}
}

func IncLine(outcome string) {
	if regOK.Load() {
		lines.WithLabelValues(outcome).Inc()
	}
}

func SetClients(n int) {
	if regOK.Load() {
		clientsConnected.Set(float64(n))
	}
}

func IncClientRemoved(reason string) {
	if regOK.Load() {
		clientsRemoved.WithLabelValues(reason).Inc()
	}
}

func IncUpgradeRejected(reason string) {
	if regOK.Load() {
		upgradesRejected.WithLabelValues(reason).Inc()
	}
}

func IncPublished(kind string) {
	if regOK.Load() {
		eventsPublished.WithLabelValues(kind).Inc()
	}
}

func IncRelayDropped() {
	if regOK.Load() {
		relayDropped.Inc()
	}
}
