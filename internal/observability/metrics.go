package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the collaboration service collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	// ConnectionState is 1 for the current realtime status, 0 for the others.
	// Labels: status
	ConnectionState *prometheus.GaugeVec

	// ReconnectsScheduled counts armed reconnect timers.
	ReconnectsScheduled prometheus.Counter

	// ChannelsOpened and ChannelsClosed count physical channel lifecycles.
	ChannelsOpened prometheus.Counter
	ChannelsClosed prometheus.Counter

	// ActiveChannels is the number of open physical channels.
	ActiveChannels prometheus.Gauge

	// Operations counts collaboration operations.
	// Labels: operation, outcome (ok|permission|validation|conflict|not_found|error)
	Operations *prometheus.CounterVec

	// ActivityLogFailures counts swallowed activity log writes.
	ActivityLogFailures prometheus.Counter

	// HubClients is the number of connected hub clients.
	HubClients prometheus.Gauge

	// HubMessages counts frames fanned out by the hub.
	// Labels: kind (change|presence|broadcast)
	HubMessages *prometheus.CounterVec

	// SweepRows counts rows touched by maintenance sweeps.
	// Labels: job
	SweepRows *prometheus.CounterVec

	// HTTPRequestDuration measures HTTP API request latency.
	// Labels: method, route, status_code
	HTTPRequestDuration *prometheus.HistogramVec
}

var connectionStatuses = []string{"disconnected", "connecting", "connected", "reconnecting", "error"}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ConnectionState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "househunt_realtime_connection_state",
			Help: "Realtime connection status (1 for the active status)",
		}, []string{"status"}),
		ReconnectsScheduled: factory.NewCounter(prometheus.CounterOpts{
			Name: "househunt_realtime_reconnects_scheduled_total",
			Help: "Total number of scheduled realtime reconnect attempts",
		}),
		ChannelsOpened: factory.NewCounter(prometheus.CounterOpts{
			Name: "househunt_realtime_channels_opened_total",
			Help: "Total number of physical realtime channels created",
		}),
		ChannelsClosed: factory.NewCounter(prometheus.CounterOpts{
			Name: "househunt_realtime_channels_closed_total",
			Help: "Total number of physical realtime channels torn down",
		}),
		ActiveChannels: factory.NewGauge(prometheus.GaugeOpts{
			Name: "househunt_realtime_active_channels",
			Help: "Current number of physical realtime channels",
		}),
		Operations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "househunt_collab_operations_total",
			Help: "Total number of team collaboration operations by outcome",
		}, []string{"operation", "outcome"}),
		ActivityLogFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "househunt_activity_log_failures_total",
			Help: "Total number of activity entries that failed to persist",
		}),
		HubClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "househunt_hub_clients",
			Help: "Current number of realtime hub clients",
		}),
		HubMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "househunt_hub_messages_total",
			Help: "Total number of realtime frames delivered by kind",
		}, []string{"kind"}),
		SweepRows: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "househunt_maintenance_rows_total",
			Help: "Total number of rows updated by maintenance jobs",
		}, []string{"job"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "househunt_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"method", "route", "status_code"}),
	}
}

// ConnectionStatus marks status as the active realtime status.
func (m *Metrics) ConnectionStatus(status string) {
	if m == nil {
		return
	}
	for _, s := range connectionStatuses {
		value := 0.0
		if s == status {
			value = 1
		}
		m.ConnectionState.WithLabelValues(s).Set(value)
	}
}

// ReconnectScheduled records an armed reconnect timer.
func (m *Metrics) ReconnectScheduled() {
	if m == nil {
		return
	}
	m.ReconnectsScheduled.Inc()
}

// ChannelOpened records a physical channel creation.
func (m *Metrics) ChannelOpened() {
	if m == nil {
		return
	}
	m.ChannelsOpened.Inc()
	m.ActiveChannels.Inc()
}

// ChannelClosed records a physical channel teardown.
func (m *Metrics) ChannelClosed() {
	if m == nil {
		return
	}
	m.ChannelsClosed.Inc()
	m.ActiveChannels.Dec()
}

// Operation records the outcome of a collaboration operation.
func (m *Metrics) Operation(operation, outcome string) {
	if m == nil {
		return
	}
	m.Operations.WithLabelValues(operation, outcome).Inc()
}

// ActivityLogFailed records a swallowed activity write failure.
func (m *Metrics) ActivityLogFailed() {
	if m == nil {
		return
	}
	m.ActivityLogFailures.Inc()
}

// HubClientDelta adjusts the connected hub client gauge.
func (m *Metrics) HubClientDelta(delta int) {
	if m == nil {
		return
	}
	m.HubClients.Add(float64(delta))
}

// HubMessage records a delivered hub frame.
func (m *Metrics) HubMessage(kind string) {
	if m == nil {
		return
	}
	m.HubMessages.WithLabelValues(kind).Inc()
}

// Swept records rows changed by a maintenance job.
func (m *Metrics) Swept(job string, rows int64) {
	if m == nil || rows <= 0 {
		return
	}
	m.SweepRows.WithLabelValues(job).Add(float64(rows))
}

// HTTPRequest records a served HTTP request.
func (m *Metrics) HTTPRequest(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(elapsed.Seconds())
}
