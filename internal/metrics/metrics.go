package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Session Coordinator Metrics
var (
	// SelectionsTotal tracks session selections by origin and outcome
	SelectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_selections_total",
			Help: "Total session selections by origin (user/created/recovery/notification/reload) and outcome",
		},
		[]string{"origin", "outcome"},
	)

	// RecoveriesTotal tracks automatic re-selections after a session stream error
	RecoveriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "session_recoveries_total",
			Help: "Total automatic recovery selections triggered by session stream errors",
		},
	)

	// ActiveSessionGauge is 1 while an active session is published, 0 otherwise
	ActiveSessionGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "session_active",
			Help: "Whether an active session is currently published (1) or not (0)",
		},
	)

	// CoordinatorCommandChannelDepth tracks current coordinator command channel depth
	CoordinatorCommandChannelDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "coordinator_command_channel_depth",
			Help: "Current coordinator command channel depth",
		},
	)

	// SnapshotUpdatesTotal tracks live snapshot updates applied to the current session
	SnapshotUpdatesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "session_snapshot_updates_total",
			Help: "Total live snapshot updates applied to the current active session",
		},
	)
)

// Push Subscription Metrics
var (
	// PushRegistrationsTotal tracks push subscription registrations by result
	PushRegistrationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "push_registrations_total",
			Help: "Push subscription registration attempts by result (issued/skipped/failed)",
		},
		[]string{"result"},
	)

	// PushBulkUpdatesTotal tracks startup bulk subscription updates by result
	PushBulkUpdatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "push_bulk_updates_total",
			Help: "Bulk push subscription updates by result",
		},
		[]string{"result"},
	)
)

// Notification Router Metrics
var (
	// RoutedNotificationsTotal tracks inbound notification routing by outcome
	RoutedNotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routed_notifications_total",
			Help: "Inbound notification routing attempts by outcome (dispatched/parse_error/timeout/switch)",
		},
		[]string{"outcome"},
	)

	// RouteWaitDuration tracks how long routing waited for the target session to become current
	RouteWaitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "route_wait_duration_seconds",
			Help:    "Time spent waiting for the target session to become current before dispatch",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 2.5, 5},
		},
	)

	// NoticesEnqueuedTotal tracks self-generated notices enqueued to the gateway
	NoticesEnqueuedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notices_enqueued_total",
			Help: "Total self-generated user-facing notices enqueued",
		},
	)

	// NoticesRemovedTotal tracks delayed removals of delivered self-notices
	NoticesRemovedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notices_removed_total",
			Help: "Total delivered self-generated notices removed after the removal delay",
		},
	)
)

// Gateway Metrics
var (
	// GatewayReconnectsTotal tracks relay websocket reconnect attempts
	GatewayReconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_reconnects_total",
			Help: "Total push relay websocket reconnect attempts",
		},
	)

	// GatewayEventsTotal tracks inbound gateway events by kind
	GatewayEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_events_total",
			Help: "Inbound gateway events by kind (will_present/response)",
		},
		[]string{"kind"},
	)

	// GatewayBreakerState tracks the relay HTTP circuit breaker state (0=closed, 1=half-open, 2=open)
	GatewayBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_breaker_state",
			Help: "Current relay HTTP circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
	)
)

// Control API Metrics
var (
	// ControlAPIErrorsTotal tracks control API errors by type
	ControlAPIErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "control_api_errors_total",
			Help: "Total control API errors by error type",
		},
		[]string{"type"},
	)

	// ControlAPIRateLimitedTotal tracks requests rejected by the rate limiter
	ControlAPIRateLimitedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "control_api_rate_limited_total",
			Help: "Total control API requests rejected by the rate limiter",
		},
	)
)
