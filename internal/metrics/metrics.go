package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sysproxy"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	commands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "commands_total",
			Help:      "Commands handled, by kind and outcome.",
		}, []string{"kind", "outcome"},
	)
	processesCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "created_total",
			Help:      "Processes started, by mode (persistent or ephemeral).",
		}, []string{"mode"},
	)
	processesRemoved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "removed_total",
			Help:      "Persistent processes removed from the registry, by reason.",
		}, []string{"reason"},
	)
	liveProcesses = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "live",
			Help:      "Persistent processes currently registered.",
		},
	)
	ephemeralDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "ephemeral_duration_seconds",
			Help:      "Wall time of ephemeral runs.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	outputBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mux",
			Name:      "output_bytes_total",
			Help:      "Bytes read from process terminals.",
		},
	)
	deliveryFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mux",
			Name:      "delivery_failures_total",
			Help:      "Failed reads or chat deliveries, by stage.",
		}, []string{"stage"},
	)
	pollWakeups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mux",
			Name:      "poll_wakeups_total",
			Help:      "Returns from the poll wait, by cause.",
		}, []string{"cause"},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{commands, processesCreated, processesRemoved, liveProcesses, ephemeralDuration, outputBytes, deliveryFailures, pollWakeups}
}

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	for _, c := range collectors() {
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

// Helpers below no-op until Register has succeeded.

func IncCommand(kind, outcome string) {
	if regOK.Load() {
		commands.WithLabelValues(kind, outcome).Inc()
	}
}

func IncCreated(mode string) {
	if regOK.Load() {
		processesCreated.WithLabelValues(mode).Inc()
	}
}

func IncRemoved(reason string) {
	if regOK.Load() {
		processesRemoved.WithLabelValues(reason).Inc()
	}
}

func SetLive(n int) {
	if regOK.Load() {
		liveProcesses.Set(float64(n))
	}
}

func ObserveEphemeral(seconds float64) {
	if regOK.Load() {
		ephemeralDuration.Observe(seconds)
	}
}

func AddOutputBytes(n int) {
	if regOK.Load() && n > 0 {
		outputBytes.Add(float64(n))
	}
}

func IncDeliveryFailure(stage string) {
	if regOK.Load() {
		deliveryFailures.WithLabelValues(stage).Inc()
	}
}

func IncPollWakeup(cause string) {
	if regOK.Load() {
		pollWakeups.WithLabelValues(cause).Inc()
	}
}
