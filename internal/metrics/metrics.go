// Package metrics declares the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SignalTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signal_transitions_total",
		Help: "Signal color transitions emitted by the scheduler",
	}, []string{"intersection", "color"})

	ActuatorCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signal_actuator_commands_total",
		Help: "Actuator commands by outcome (sent, failed, dropped)",
	}, []string{"intersection", "result"})

	ActuatorSendDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "signal_actuator_send_seconds",
		Help:    "Latency of a single best-effort actuator send",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10), // 1ms to ~500ms
	}, []string{"intersection"})

	HandoffVehicles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signal_handoff_vehicles_total",
		Help: "Vehicles moved between intersections by the handoff simulator",
	}, []string{"from", "to"})

	DetectionObservations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signal_detection_observations_total",
		Help: "Per-lane detection observations applied to the occupancy tracker",
	}, []string{"intersection"})

	LaneCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "signal_lane_vehicle_count",
		Help: "Most recently recorded vehicle count per lane",
	}, []string{"intersection", "lane"})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
