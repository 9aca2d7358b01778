package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Metrics holds all Prometheus metrics for drip
type Metrics struct {
	// Follow-up lifecycle
	FollowUpsCreatedTotal prometheus.Counter
	TransitionsTotal      *prometheus.CounterVec
	DurationFallbacks     prometheus.Counter

	// Dispatch
	MessagesDeliveredTotal prometheus.Counter
	DispatchFailuresTotal  *prometheus.CounterVec

	// Scheduler
	TimerFiresTotal *prometheus.CounterVec
	RecoveredTotal  *prometheus.CounterVec
	TimersPending   prometheus.Gauge

	// Inbound replies
	InboundRepliesTotal    *prometheus.CounterVec
	InboundDuplicatesTotal prometheus.Counter

	// Inbound SMTP listener
	SMTPConnectionsTotal  prometheus.Counter
	SMTPConnectionsActive prometheus.Gauge
	SMTPAuthFailedTotal   prometheus.Counter

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec
	APIErrorsTotal            *prometheus.CounterVec

	// State gauges
	FollowUps           *prometheus.GaugeVec
	MessagesUndelivered prometheus.Gauge

	// System metrics
	UptimeSeconds    prometheus.Gauge
	Goroutines       prometheus.Gauge
	StorageUsedBytes prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		FollowUpsCreatedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "drip_followups_created_total",
				Help: "Total number of follow-ups started",
			},
		),
		TransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "drip_followup_transitions_total",
				Help: "Total number of follow-up status transitions by target status",
			},
			[]string{"status"},
		),
		DurationFallbacks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "drip_wait_duration_fallbacks_total",
				Help: "Total number of unparseable step waits replaced by the default",
			},
		),

		MessagesDeliveredTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "drip_messages_delivered_total",
				Help: "Total number of step messages accepted by the delivery platform",
			},
		),
		DispatchFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "drip_dispatch_failures_total",
				Help: "Total number of failed message dispatches",
			},
			[]string{"kind"},
		),

		TimerFiresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "drip_timer_fires_total",
				Help: "Total number of scheduler timers fired",
			},
			[]string{"kind"},
		),
		RecoveredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "drip_recovered_followups_total",
				Help: "Follow-ups restored from storage at startup",
			},
			[]string{"action"},
		),
		TimersPending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "drip_timers_pending",
				Help: "Number of armed scheduler timers",
			},
		),

		InboundRepliesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "drip_inbound_replies_total",
				Help: "Total number of client replies handled",
			},
			[]string{"channel"},
		),
		InboundDuplicatesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "drip_inbound_duplicates_total",
				Help: "Total number of redelivered inbound events ignored",
			},
		),

		SMTPConnectionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "drip_smtp_connections_total",
				Help: "Total number of inbound SMTP connections",
			},
		),
		SMTPConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "drip_smtp_connections_active",
				Help: "Number of currently active inbound SMTP connections",
			},
		),
		SMTPAuthFailedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "drip_smtp_auth_failed_total",
				Help: "Total number of failed inbound SMTP authentications",
			},
		),

		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "drip_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "drip_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		APIErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "drip_api_errors_total",
				Help: "Total number of API errors",
			},
			[]string{"error_type"},
		),

		FollowUps: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "drip_followups",
				Help: "Number of stored follow-ups by status",
			},
			[]string{"status"},
		),
		MessagesUndelivered: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "drip_messages_undelivered",
				Help: "Number of logged step messages never confirmed as delivered",
			},
		),

		UptimeSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "drip_uptime_seconds",
				Help: "Server uptime in seconds",
			},
		),
		Goroutines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "drip_goroutines",
				Help: "Number of active goroutines",
			},
		),
		StorageUsedBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "drip_storage_used_bytes",
				Help: "Follow-up database file size in bytes",
			},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.FollowUpsCreatedTotal,
		m.TransitionsTotal,
		m.DurationFallbacks,
		m.MessagesDeliveredTotal,
		m.DispatchFailuresTotal,
		m.TimerFiresTotal,
		m.RecoveredTotal,
		m.TimersPending,
		m.InboundRepliesTotal,
		m.InboundDuplicatesTotal,
		m.SMTPConnectionsTotal,
		m.SMTPConnectionsActive,
		m.SMTPAuthFailedTotal,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
		m.APIErrorsTotal,
		m.FollowUps,
		m.MessagesUndelivered,
		m.UptimeSeconds,
		m.Goroutines,
		m.StorageUsedBytes,
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetGlobal sets the global metrics instance
func SetGlobal(m *Metrics) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalMetrics = m
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}

// IncFollowUpsCreated increments the created follow-up counter
func IncFollowUpsCreated() {
	if m := Global(); m != nil {
		m.FollowUpsCreatedTotal.Inc()
	}
}

// IncTransitions counts a move to status
func IncTransitions(status string) {
	if m := Global(); m != nil {
		m.TransitionsTotal.WithLabelValues(status).Inc()
	}
}

// IncDurationFallbacks counts a step wait that fell back to the default
func IncDurationFallbacks() {
	if m := Global(); m != nil {
		m.DurationFallbacks.Inc()
	}
}

// IncMessagesDelivered increments the delivered message counter
func IncMessagesDelivered() {
	if m := Global(); m != nil {
		m.MessagesDeliveredTotal.Inc()
	}
}

// IncDispatchFailures counts a failed dispatch; kind is "temporary" or "permanent"
func IncDispatchFailures(kind string) {
	if m := Global(); m != nil {
		m.DispatchFailuresTotal.WithLabelValues(kind).Inc()
	}
}

// IncTimerFires counts a fired scheduler timer
func IncTimerFires(kind string) {
	if m := Global(); m != nil {
		m.TimerFiresTotal.WithLabelValues(kind).Inc()
	}
}

// IncRecovered counts a follow-up restored at startup
func IncRecovered(action string) {
	if m := Global(); m != nil {
		m.RecoveredTotal.WithLabelValues(action).Inc()
	}
}

// IncInboundReplies counts a handled client reply
func IncInboundReplies(channel string) {
	if m := Global(); m != nil {
		m.InboundRepliesTotal.WithLabelValues(channel).Inc()
	}
}

// IncInboundDuplicates counts an ignored redelivery
func IncInboundDuplicates() {
	if m := Global(); m != nil {
		m.InboundDuplicatesTotal.Inc()
	}
}

// IncSMTPConnections increments the inbound SMTP connection counters
func IncSMTPConnections() {
	if m := Global(); m != nil {
		m.SMTPConnectionsTotal.Inc()
		m.SMTPConnectionsActive.Inc()
	}
}

// DecSMTPConnectionsActive decrements active SMTP connections
func DecSMTPConnectionsActive() {
	if m := Global(); m != nil {
		m.SMTPConnectionsActive.Dec()
	}
}

// IncSMTPAuthFailed increments failed auth counter
func IncSMTPAuthFailed() {
	if m := Global(); m != nil {
		m.SMTPAuthFailedTotal.Inc()
	}
}

// IncAPIErrors increments API error counter
func IncAPIErrors(errorType string) {
	if m := Global(); m != nil {
		m.APIErrorsTotal.WithLabelValues(errorType).Inc()
	}
}
