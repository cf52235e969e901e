package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus registry and every session meter.
type Metrics struct {
	Registry *prometheus.Registry

	OperationDuration *prometheus.HistogramVec
	OperationTotal    *prometheus.CounterVec

	ConnectAttempts     *prometheus.CounterVec
	ReconnectsScheduled prometheus.Counter
	ReconnectDelay      prometheus.Histogram
	ClientsRegistered   prometheus.Gauge
	ClientsConnected    prometheus.Gauge
	EventsTotal         *prometheus.CounterVec

	CapsLookups   *prometheus.CounterVec
	CapsStores    *prometheus.CounterVec
	StorageErrors *prometheus.CounterVec
}

// NewMetrics creates a custom registry with all arc-session metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		OperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "arc_session_operation_duration_seconds",
			Help:    "Duration of operations in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation", "status"}),
		OperationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arc_session_operation_total",
			Help: "Total number of operations.",
		}, []string{"operation", "status"}),
		ConnectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arc_session_connect_attempts_total",
			Help: "Login attempts started per account.",
		}, []string{"account"}),
		ReconnectsScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arc_session_reconnects_scheduled_total",
			Help: "Reconnect timers armed after a disconnect.",
		}),
		ReconnectDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "arc_session_reconnect_delay_seconds",
			Help:    "Backoff delay chosen for scheduled reconnects.",
			Buckets: []float64{0.5, 2.5, 4.5, 6.5, 8.5, 10.5, 12.5, 14.5, 15},
		}),
		ClientsRegistered: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "arc_session_clients_registered",
			Help: "Clients currently held in the registry.",
		}),
		ClientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "arc_session_clients_connected",
			Help: "Clients with an established session.",
		}),
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arc_session_events_total",
			Help: "Lifecycle events observed, by kind.",
		}, []string{"kind"}),
		CapsLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arc_session_caps_lookups_total",
			Help: "Capability cache lookups by operation and result.",
		}, []string{"op", "result"}),
		CapsStores: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arc_session_caps_store_total",
			Help: "Capability store requests by result.",
		}, []string{"result"}),
		StorageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arc_session_storage_errors_total",
			Help: "Backend errors by operation.",
		}, []string{"op"}),
	}

	reg.MustRegister(
		m.OperationDuration, m.OperationTotal,
		m.ConnectAttempts, m.ReconnectsScheduled, m.ReconnectDelay,
		m.ClientsRegistered, m.ClientsConnected, m.EventsTotal,
		m.CapsLookups, m.CapsStores, m.StorageErrors,
	)
	return m
}
