// Package metrics exposes the collector's ambient Prometheus
// instrumentation. None of these counters/gauges are part of the
// collector's data model; they observe it.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// DevicesTotal counts in-memory devices by state.
	DevicesTotal = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tkm_devices_total",
		Help: "Number of devices currently held by the device manager, by state.",
	}, []string{"state"})

	// SessionsOpenTotal counts sessions with ended == 0.
	SessionsOpenTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tkm_sessions_open_total",
		Help: "Number of sessions currently open (ended == 0).",
	})

	// DataRowsTotal counts rows persisted by AddData, by payload kind.
	DataRowsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tkm_data_rows_total",
		Help: "Number of data rows persisted, by payload kind.",
	}, []string{"kind"})

	// QueueDepth reports the current backlog of each component's async
	// queue.
	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tkm_queue_depth",
		Help: "Number of requests currently queued, by component.",
	}, []string{"component"})

	// WatchdogHeartbeatsTotal counts W/2 liveness timer firings.
	WatchdogHeartbeatsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tkm_watchdog_heartbeats_total",
		Help: "Number of watchdog heartbeat timer firings since startup.",
	})
)

// Registry is a private registry, not prometheus.DefaultRegisterer, so
// repeated construction in tests never panics on duplicate
// registration.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(DevicesTotal, SessionsOpenTotal, DataRowsTotal, QueueDepth, WatchdogHeartbeatsTotal)
}
