// Package metrics exposes Prometheus instruments for the bridge and the host.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	clientCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_runner_client_calls_total",
			Help: "Calls issued through the bridge by outcome",
		},
		[]string{"kind", "outcome"},
	)

	clientCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "worker_runner_client_call_duration_seconds",
			Help:    "Time from sending a CALL to its settlement",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	pendingCalls = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "worker_runner_pending_calls",
			Help: "Calls waiting for a reply",
		},
	)

	framesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_runner_frames_dropped_total",
			Help: "Frames dropped by reason",
		},
		[]string{"side", "reason"},
	)

	connectionsLost = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_runner_connections_lost_total",
			Help: "Connections declared lost by cause",
		},
		[]string{"cause"},
	)

	hostCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_runner_host_calls_total",
			Help: "Calls executed by the host by method and outcome",
		},
		[]string{"method", "outcome"},
	)

	hostInstances = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "worker_runner_host_instances",
			Help: "Live runner instances on this host",
		},
	)

	forwardedFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_runner_forwarded_frames_total",
			Help: "Frames relayed across a nested hop by direction",
		},
		[]string{"direction"},
	)
)

// Register registers all metrics with the provided registerer.
func Register(r prometheus.Registerer) {
	r.MustRegister(clientCalls, clientCallDuration, pendingCalls, framesDropped, connectionsLost, hostCalls, hostInstances, forwardedFrames)
}

// RecordClientCall records a settled call. kind is "call" or "stream".
func RecordClientCall(kind, outcome string, d time.Duration) {
	clientCalls.WithLabelValues(kind, outcome).Inc()
	clientCallDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// IncPending and DecPending track outstanding calls.
func IncPending() { pendingCalls.Inc() }
func DecPending() { pendingCalls.Dec() }

// RecordDrop counts a frame discarded by side ("client" or "host").
func RecordDrop(side, reason string) {
	framesDropped.WithLabelValues(side, reason).Inc()
}

// RecordConnectionLost counts a connection declared lost.
func RecordConnectionLost(cause string) {
	connectionsLost.WithLabelValues(cause).Inc()
}

// RecordHostCall counts a method executed on the host.
func RecordHostCall(method string, success bool) {
	outcome := "success"
	if !success {
		outcome = "error"
	}
	hostCalls.WithLabelValues(method, outcome).Inc()
}

// AddHostInstances adjusts the live instance gauge.
func AddHostInstances(delta int) { hostInstances.Add(float64(delta)) }

// RecordForward counts a relayed frame; direction is "down" or "up".
func RecordForward(direction string) {
	forwardedFrames.WithLabelValues(direction).Inc()
}
