package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// UpdatesProcessed counts accepted location updates by assigned priority.
	UpdatesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "convoy_updates_processed_total",
		Help: "Location updates accepted by the pipeline",
	}, []string{"priority"})

	// UpdatesThrottled counts updates dropped before persistence.
	UpdatesThrottled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "convoy_updates_throttled_total",
		Help: "Location updates dropped by the throttle engine",
	}, []string{"reason"}) // interval, battery, rate_limit

	// PipelineDuration tracks the critical-path latency per update.
	PipelineDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "convoy_pipeline_duration_seconds",
		Help:    "End-to-end processing time for one location update",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
	})

	// FanoutDeliveries counts outbound realtime frames by event.
	FanoutDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "convoy_fanout_deliveries_total",
		Help: "Frames emitted to realtime subscribers",
	}, []string{"event"})

	// PendingQueueDepth tracks HIGH-priority envelopes awaiting ack.
	PendingQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "convoy_pending_queue_depth",
		Help: "Envelopes awaiting acknowledgement per journey",
	}, []string{"journey"})

	// RetryAttempts counts redelivery attempts for HIGH updates.
	RetryAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "convoy_retry_attempts_total",
		Help: "Redelivery attempts for unacknowledged HIGH updates",
	})

	// RetryDrops counts envelopes abandoned after max attempts.
	RetryDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "convoy_retry_drops_total",
		Help: "Envelopes dropped after exhausting retry attempts",
	})

	// LagAlertsActive tracks currently active lag alerts.
	LagAlertsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "convoy_lag_alerts_active",
		Help: "Currently active lag alerts",
	})

	// LagAlertsTotal counts alerts raised by severity.
	LagAlertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "convoy_lag_alerts_total",
		Help: "Lag alerts raised",
	}, []string{"severity"})

	// Arrivals counts participants transitioned to ARRIVED.
	Arrivals = promauto.NewCounter(prometheus.CounterOpts{
		Name: "convoy_arrivals_total",
		Help: "Participants detected at destination",
	})

	// ConnectedSessions tracks live realtime sessions.
	ConnectedSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "convoy_connected_sessions",
		Help: "Currently connected realtime sessions",
	})

	// SessionTimeouts counts sessions closed for missed heartbeats.
	SessionTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "convoy_session_timeouts_total",
		Help: "Sessions closed after heartbeat timeout",
	})

	// APIRateLimited tracks requests rejected by storm protection.
	APIRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "convoy_api_rate_limited_total",
		Help: "API requests rejected by rate limiter",
	}, []string{"endpoint"})

	// CacheLatency tracks Redis operation roundtrip latency.
	CacheLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "convoy_cache_roundtrip_latency_seconds",
		Help:    "Cache operation latency",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10), // 1ms to ~1s
	})

	// StoreLatency tracks durable store roundtrip latency.
	StoreLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "convoy_store_roundtrip_latency_seconds",
		Help:    "Durable store operation latency",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10),
	})

	// HotCacheWriteFailures counts best-effort hot writes that failed after
	// the durable persist succeeded.
	HotCacheWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "convoy_hot_cache_write_failures_total",
		Help: "Hot-cache location writes that failed (durable write succeeded)",
	})

	// ActiveJourneys tracks journeys currently in the ACTIVE state.
	ActiveJourneys = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "convoy_active_journeys",
		Help: "Journeys currently ACTIVE",
	})

	// ResyncRequests counts subscriber-initiated resyncs.
	ResyncRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "convoy_resync_requests_total",
		Help: "Subscriber resync requests served",
	})
)
