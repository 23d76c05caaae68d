package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the application.
// It is passed explicitly to every component that records metrics; a nil
// *Metrics is valid and records nothing.
type Metrics struct {
	// Connector metrics
	connectorCallsTotal   *prometheus.CounterVec
	connectorCallDuration *prometheus.HistogramVec
	probeAttemptsTotal    prometheus.Counter
	probeResultsTotal     *prometheus.CounterVec
	connectionState       *prometheus.GaugeVec
	snapshotsTotal        *prometheus.CounterVec

	// Node RPC metrics
	nodeRPCCallsTotal       *prometheus.CounterVec
	nodeRPCCallDuration     *prometheus.HistogramVec
	nodeRPCBreakerRejected  *prometheus.CounterVec
	smartAccountLookupTotal *prometheus.CounterVec

	// Transaction metrics
	txOutcomesTotal         *prometheus.CounterVec
	txConfirmationDuration  *prometheus.HistogramVec
	txConfirmationPollTotal *prometheus.CounterVec

	// Notification metrics
	notificationsTotal *prometheus.CounterVec

	// HTTP metrics
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsTotal    *prometheus.CounterVec
	sseActiveConnections prometheus.Gauge
	bridgeConnections    prometheus.Gauge

	// NATS metrics
	natsMessagesPublished *prometheus.CounterVec
	natsPublishDuration   *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		connectorCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "connector_calls_total",
				Help: "Total number of connector calls by method and status",
			},
			[]string{"method", "status"},
		),
		connectorCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "connector_call_duration_seconds",
				Help:    "Duration of connector calls in seconds (includes time waiting for user approval)",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
			},
			[]string{"method"},
		),
		probeAttemptsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "connector_probe_attempts_total",
				Help: "Total number of connector presence checks",
			},
		),
		probeResultsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "connector_probe_results_total",
				Help: "Total number of finished probes by result",
			},
			[]string{"result"},
		),
		connectionState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "connector_connection_state",
				Help: "Current connection state (1 for the live state, 0 otherwise)",
			},
			[]string{"state"},
		),
		snapshotsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "account_snapshots_total",
				Help: "Total number of connector snapshots applied by result",
			},
			[]string{"result"},
		),

		nodeRPCCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "node_rpc_calls_total",
				Help: "Total number of node RPC calls by method and status",
			},
			[]string{"method", "status", "network"},
		),
		nodeRPCCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "node_rpc_call_duration_seconds",
				Help:    "Duration of node RPC calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"method", "network"},
		),
		nodeRPCBreakerRejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "node_rpc_breaker_rejections_total",
				Help: "Total number of node RPC calls rejected by an open circuit breaker",
			},
			[]string{"network"},
		),
		smartAccountLookupTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "smart_account_lookups_total",
				Help: "Total number of smart-account lookups by result",
			},
			[]string{"result"},
		),

		txOutcomesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transaction_outcomes_total",
				Help: "Total number of terminal transaction outcomes by status",
			},
			[]string{"status", "network"},
		),
		txConfirmationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "transaction_confirmation_duration_seconds",
				Help:    "Time from submission to terminal status in seconds",
				Buckets: []float64{1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"status"},
		),
		txConfirmationPollTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transaction_confirmation_polls_total",
				Help: "Total number of transaction status polls by observed status",
			},
			[]string{"status"},
		),

		notificationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notifications_total",
				Help: "Total number of user-facing notifications emitted",
			},
			[]string{"type", "kind"},
		),

		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
			},
			[]string{"handler", "method", "status"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"handler", "method", "status"},
		),
		sseActiveConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "sse_active_connections",
				Help: "Number of active notification SSE connections",
			},
		),
		bridgeConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "bridge_active_connections",
				Help: "Number of connected connector bridge pages",
			},
		),

		natsMessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nats_messages_published_total",
				Help: "Total number of NATS messages published",
			},
			[]string{"subject", "status"},
		),
		natsPublishDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nats_publish_duration_seconds",
				Help:    "Duration of NATS publish operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"subject"},
		),
	}
}

// Connector metric helpers

// RecordConnectorCall records a connector call with duration.
func (m *Metrics) RecordConnectorCall(method string, err error, duration float64) {
	if m == nil {
		return
	}
	m.connectorCallsTotal.WithLabelValues(method, statusOf(err)).Inc()
	m.connectorCallDuration.WithLabelValues(method).Observe(duration)
}

// RecordProbeAttempt records one presence check.
func (m *Metrics) RecordProbeAttempt() {
	if m == nil {
		return
	}
	m.probeAttemptsTotal.Inc()
}

// RecordProbeResult records the terminal result of a probe ("found" or "not_found").
func (m *Metrics) RecordProbeResult(result string) {
	if m == nil {
		return
	}
	m.probeResultsTotal.WithLabelValues(result).Inc()
}

// RecordConnectionState marks state as the live connection state.
func (m *Metrics) RecordConnectionState(previous, current string) {
	if m == nil {
		return
	}
	if previous != "" {
		m.connectionState.WithLabelValues(previous).Set(0)
	}
	m.connectionState.WithLabelValues(current).Set(1)
}

// RecordSnapshot records a snapshot application ("applied", "noop", "rejected").
func (m *Metrics) RecordSnapshot(result string) {
	if m == nil {
		return
	}
	m.snapshotsTotal.WithLabelValues(result).Inc()
}

// Node RPC metric helpers

// RecordRPCCall records a node RPC call with duration.
func (m *Metrics) RecordRPCCall(method, status, network string, duration float64) {
	if m == nil {
		return
	}
	m.nodeRPCCallsTotal.WithLabelValues(method, status, network).Inc()
	m.nodeRPCCallDuration.WithLabelValues(method, network).Observe(duration)
}

// RecordBreakerRejection records a call short-circuited by the breaker.
func (m *Metrics) RecordBreakerRejection(network string) {
	if m == nil {
		return
	}
	m.nodeRPCBreakerRejected.WithLabelValues(network).Inc()
}

// RecordSmartAccountLookup records a smart-account lookup ("smart", "plain", "error", "stale").
func (m *Metrics) RecordSmartAccountLookup(result string) {
	if m == nil {
		return
	}
	m.smartAccountLookupTotal.WithLabelValues(result).Inc()
}

// Transaction metric helpers

// RecordTxOutcome records a terminal transaction outcome.
func (m *Metrics) RecordTxOutcome(status, network string) {
	if m == nil {
		return
	}
	m.txOutcomesTotal.WithLabelValues(status, network).Inc()
}

// RecordTxConfirmation records time from submission to a terminal status.
func (m *Metrics) RecordTxConfirmation(status string, duration float64) {
	if m == nil {
		return
	}
	m.txConfirmationDuration.WithLabelValues(status).Observe(duration)
}

// RecordTxPoll records one confirmation poll and the status it observed.
func (m *Metrics) RecordTxPoll(observed string) {
	if m == nil {
		return
	}
	m.txConfirmationPollTotal.WithLabelValues(observed).Inc()
}

// RecordNotification records an emitted notification.
func (m *Metrics) RecordNotification(notificationType, kind string) {
	if m == nil {
		return
	}
	m.notificationsTotal.WithLabelValues(notificationType, kind).Inc()
}

// HTTP metric helpers

// RecordHTTPRequest records an HTTP request with duration.
func (m *Metrics) RecordHTTPRequest(handler, method string, statusCode int, duration float64) {
	if m == nil {
		return
	}
	status := statusCodeToString(statusCode)
	m.httpRequestDuration.WithLabelValues(handler, method, status).Observe(duration)
	m.httpRequestsTotal.WithLabelValues(handler, method, status).Inc()
}

// RecordSSEConnectionChange records a change in SSE connection count.
func (m *Metrics) RecordSSEConnectionChange(delta float64) {
	if m == nil {
		return
	}
	m.sseActiveConnections.Add(delta)
}

// RecordBridgeConnectionChange records a change in connected bridge pages.
func (m *Metrics) RecordBridgeConnectionChange(delta float64) {
	if m == nil {
		return
	}
	m.bridgeConnections.Add(delta)
}

// NATS metric helpers

// RecordNATSPublish records a NATS publish operation.
func (m *Metrics) RecordNATSPublish(subject, status string, duration float64) {
	if m == nil {
		return
	}
	m.natsMessagesPublished.WithLabelValues(subject, status).Inc()
	m.natsPublishDuration.WithLabelValues(subject).Observe(duration)
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func statusCodeToString(code int) string {
	// Group status codes by class
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "unknown"
	}
}
