package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors, registered via Register.
var (
	regOK atomic.Bool

	subprocessStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sidekick",
			Subsystem: "subprocess",
			Name:      "starts_total",
			Help:      "Number of successful subprocess spawns.",
		}, []string{"name"},
	)
	subprocessStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sidekick",
			Subsystem: "subprocess",
			Name:      "stops_total",
			Help:      "Number of observed subprocess exits, deliberate or not.",
		}, []string{"name"},
	)
	supervisorRestarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sidekick",
			Subsystem: "supervisor",
			Name:      "restarts_total",
			Help:      "Number of completed restart sequences.",
		},
	)
	healthAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sidekick",
			Subsystem: "health",
			Name:      "attempts_total",
			Help:      "Health probe attempts by outcome (ok/fail).",
		}, []string{"name", "outcome"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sidekick",
			Subsystem: "supervisor",
			Name:      "state_transitions_total",
			Help:      "Supervisor state machine transitions.",
		}, []string{"from", "to"},
	)
	currentState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "sidekick",
			Subsystem: "supervisor",
			Name:      "current_state",
			Help:      "Current supervisor state (1 = active, 0 = inactive).",
		}, []string{"state"},
	)
)

// Register registers all collectors with r. Safe to call multiple times;
// calls after a success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		subprocessStarts, subprocessStops, supervisorRestarts,
		healthAttempts, stateTransitions, currentState,
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

// Handler serves Prometheus metrics for the default gatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Helpers below no-op until Register has been called.

func IncStart(name string) {
	if regOK.Load() {
		subprocessStarts.WithLabelValues(name).Inc()
	}
}

func IncStop(name string) {
	if regOK.Load() {
		subprocessStops.WithLabelValues(name).Inc()
	}
}

func IncRestart() {
	if regOK.Load() {
		supervisorRestarts.Inc()
	}
}

func ObserveHealthAttempt(name string, ok bool) {
	if regOK.Load() {
		outcome := "fail"
		if ok {
			outcome = "ok"
		}
		healthAttempts.WithLabelValues(name, outcome).Inc()
	}
}

func RecordStateTransition(from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(from, to).Inc()
		currentState.WithLabelValues(from).Set(0)
		currentState.WithLabelValues(to).Set(1)
	}
}
