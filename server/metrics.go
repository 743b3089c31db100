package server

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/atsc/junction-server/control"
)

// Prometheus collectors fed from the snapshot and event streams.
var (
	decisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "junction",
		Subsystem: "control",
		Name:      "decisions_total",
		Help:      "Phase decisions by method.",
	}, []string{"method"})

	waitingVehicles = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "junction",
		Subsystem: "traffic",
		Name:      "waiting_vehicles",
		Help:      "Vehicles waiting per approach.",
	}, []string{"approach"})

	congestionPercent = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "junction",
		Subsystem: "traffic",
		Name:      "congestion_percent",
		Help:      "Congestion percentage per approach.",
	}, []string{"approach"})

	heavyTrafficProbability = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "junction",
		Subsystem: "traffic",
		Name:      "heavy_traffic_probability",
		Help:      "Predicted heavy traffic probability per approach.",
	}, []string{"approach"})

	greenRemaining = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "junction",
		Subsystem: "control",
		Name:      "green_remaining_seconds",
		Help:      "Seconds left of the active green phase.",
	})

	emergencyActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "junction",
		Subsystem: "control",
		Name:      "emergency_active",
		Help:      "Whether an emergency preemption is in force.",
	})

	snapshotsDropped = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "junction",
		Subsystem: "control",
		Name:      "snapshots_dropped",
		Help:      "Snapshots dropped on slow observer channels.",
	}, func() float64 { return float64(loop.DroppedSnapshots()) })
)

func registerMetrics() {
	prometheus.MustRegister(
		decisionsTotal,
		waitingVehicles,
		congestionPercent,
		heavyTrafficProbability,
		greenRemaining,
		emergencyActive,
		snapshotsDropped,
	)
}

// observeSnapshot refreshes the traffic gauges from one published snapshot.
func observeSnapshot(snap control.Snapshot) {
	for _, a := range control.Approaches {
		m := snap.Metrics[a]
		p := snap.Prediction[a]
		waitingVehicles.WithLabelValues(string(a)).Set(float64(m.WaitingCount))
		congestionPercent.WithLabelValues(string(a)).Set(m.CongestionPercent)
		heavyTrafficProbability.WithLabelValues(string(a)).Set(p.HeavyTrafficProbability)
	}
	greenRemaining.Set(float64(snap.Signal.RemainingSeconds))
	if snap.Emergency.Active {
		emergencyActive.Set(1)
	} else {
		emergencyActive.Set(0)
	}
}

// observeEvent counts decision events by method.
func observeEvent(e control.Event) {
	if e.Kind != control.EventDecision {
		return
	}
	if method, ok := e.Payload["method"].(string); ok {
		decisionsTotal.WithLabelValues(method).Inc()
	}
}
