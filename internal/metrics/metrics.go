package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "notebookd"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	serverStarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "starts_total",
			Help:      "Number of spawns that reached readiness.",
		},
	)
	serverRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "restarts_total",
			Help:      "Number of restarts by kind (auto or manual).",
		}, []string{"kind"},
	)
	serverStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "stops_total",
			Help:      "Number of stops, forced when the grace period elapsed.",
		}, []string{"forced"},
	)
	serverFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "failures_total",
			Help:      "Number of failures by error kind.",
		}, []string{"kind"},
	)
	readinessDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "readiness_seconds",
			Help:      "Time from spawn to confirmed readiness.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 3, 5, 8, 13, 21},
		},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "state_transitions_total",
			Help:      "Number of supervisor state transitions.",
		}, []string{"from", "to"},
	)
	currentState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "current_state",
			Help:      "Current supervisor state (1 = active, 0 = inactive).",
		}, []string{"state"},
	)
	cpuPercent = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "cpu_percent",
			Help:      "CPU usage of the notebook server process.",
		},
	)
	rssBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "rss_bytes",
			Help:      "Resident memory of the notebook server process.",
		},
	)
)

// States lists every state label so current_state always exposes a full set.
var States = []string{"stopped", "starting", "running", "restarting", "stopping", "failed"}

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{serverStarts, serverRestarts, serverStops, serverFailures,
		readinessDuration, stateTransitions, currentState, cpuPercent, rssBytes}
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
	SetState("stopped")
	return nil
}

// Handler serves the default gatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Helpers below no-op until Register succeeds.

func IncStart() {
	if regOK.Load() {
		serverStarts.Inc()
	}
}

func IncRestart(auto bool) {
	if regOK.Load() {
		kind := "manual"
		if auto {
			kind = "auto"
		}
		serverRestarts.WithLabelValues(kind).Inc()
	}
}

func IncStop(forced bool) {
	if regOK.Load() {
		f := "false"
		if forced {
			f = "true"
		}
		serverStops.WithLabelValues(f).Inc()
	}
}

func IncFailure(kind string) {
	if regOK.Load() {
		serverFailures.WithLabelValues(kind).Inc()
	}
}

func ObserveReadiness(seconds float64) {
	if regOK.Load() {
		readinessDuration.Observe(seconds)
	}
}

// RecordTransition counts from→to and moves the current_state gauge.
func RecordTransition(from, to string) {
	if !regOK.Load() || from == to {
		return
	}
	stateTransitions.WithLabelValues(from, to).Inc()
	SetState(to)
}

func SetState(state string) {
	if !regOK.Load() {
		return
	}
	for _, s := range States {
		v := 0.0
		if s == state {
			v = 1
		}
		currentState.WithLabelValues(s).Set(v)
	}
}

func SetUsage(cpu float64, rss uint64) {
	if regOK.Load() {
		cpuPercent.Set(cpu)
		rssBytes.Set(float64(rss))
	}
}
