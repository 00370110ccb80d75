package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	timerStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mobdtimer",
			Subsystem: "timer",
			Name:      "starts_total",
			Help:      "Number of countdowns started, by origin (local or remote).",
		}, []string{"origin"},
	)
	timerFinishes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mobdtimer",
			Subsystem: "timer",
			Name:      "finishes_total",
			Help:      "Number of countdowns that ended, by outcome (completed, killed, superseded).",
		}, []string{"outcome"},
	)
	timerRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mobdtimer",
			Subsystem: "timer",
			Name:      "running",
			Help:      "1 while a countdown is current, 0 otherwise.",
		},
	)
	timerRemaining = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mobdtimer",
			Subsystem: "timer",
			Name:      "end_time_seconds",
			Help:      "Epoch seconds at which the current countdown ends (0 when idle).",
		},
	)
	remoteEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mobdtimer",
			Subsystem: "remote",
			Name:      "events_total",
			Help:      "Change events received from the store subscription, by kind.",
		}, []string{"kind"},
	)
	payloadDrops = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mobdtimer",
			Subsystem: "remote",
			Name:      "payload_drops_total",
			Help:      "Change events ignored because their payload was malformed or incomplete.",
		},
	)
	storeWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mobdtimer",
			Subsystem: "store",
			Name:      "writes_total",
			Help:      "Timer record writes, by result (ok or error).",
		}, []string{"result"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{timerStarts, timerFinishes, timerRunning, timerRemaining, remoteEvents, payloadDrops, storeWrites}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
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

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncTimerStart(origin string) {
	if regOK.Load() {
		timerStarts.WithLabelValues(origin).Inc()
	}
}

func IncTimerFinish(outcome string) {
	if regOK.Load() {
		timerFinishes.WithLabelValues(outcome).Inc()
	}
}

// SetRunning publishes whether a countdown is current and when it ends.
func SetRunning(running bool, endTime int64) {
	if !regOK.Load() {
		return
	}
	if running {
		timerRunning.Set(1)
		timerRemaining.Set(float64(endTime))
		return
	}
	timerRunning.Set(0)
	timerRemaining.Set(0)
}

func IncRemoteEvent(kind string) {
	if regOK.Load() {
		remoteEvents.WithLabelValues(kind).Inc()
	}
}

func IncPayloadDrop() {
	if regOK.Load() {
		payloadDrops.Inc()
	}
}

func IncStoreWrite(result string) {
	if regOK.Load() {
		storeWrites.WithLabelValues(result).Inc()
	}
}
