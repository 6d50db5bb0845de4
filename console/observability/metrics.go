package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsApplied tracks push events and REST results merged into the store.
	EventsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_events_applied_total",
		Help: "Total number of updates applied to the entity store",
	}, []string{"kind", "source"})

	// EventsDiscarded tracks updates dropped by the reconciler.
	EventsDiscarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_events_discarded_total",
		Help: "Updates dropped by the reconciler",
	}, []string{"kind", "reason"}) // duplicate, terminal, invalid_transition, unknown_id

	// EventsBuffered tracks events parked behind a sequence gap.
	EventsBuffered = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fleet_events_buffered",
		Help: "Events currently waiting for a missing predecessor",
	}, []string{"kind"})

	// GapRefreshes tracks kind refreshes caused by gaps surviving a tick.
	GapRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_gap_refreshes_total",
		Help: "Kind refreshes requested because a sequence gap outlived a reconciliation tick",
	}, []string{"kind"})

	// Resyncs tracks full refetches of the actively viewed kinds.
	Resyncs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_resyncs_total",
		Help: "Total number of resyncs",
	}, []string{"trigger"}) // connected, reconnected, manual

	// StoreRecords tracks the number of records per kind.
	StoreRecords = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fleet_store_records",
		Help: "Current number of records in the entity store",
	}, []string{"kind"})

	// RESTLatency tracks server round trips.
	RESTLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fleet_rest_request_duration_seconds",
		Help:    "REST request latency against the fleet server",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
	}, []string{"method"})

	// RESTErrors tracks failed requests by error class.
	RESTErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_rest_errors_total",
		Help: "Failed REST requests by error class",
	}, []string{"method", "class"})

	// RESTRetries tracks retried idempotent requests.
	RESTRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_rest_retries_total",
		Help: "Total number of retried REST requests",
	})

	// SessionExpirations tracks 401 answers.
	SessionExpirations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_session_expirations_total",
		Help: "Total number of requests rejected with 401",
	})

	// BatchItems tracks per-item outcomes of batch operations.
	BatchItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_batch_items_total",
		Help: "Batch operation items by outcome",
	}, []string{"operation", "outcome"})

	// PushConnected is 1 while the push channel is up.
	PushConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleet_push_connected",
		Help: "Push channel connection state (1 = connected)",
	})

	// PushReconnects tracks reconnect attempts.
	PushReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_push_reconnect_attempts_total",
		Help: "Total number of push channel reconnect attempts",
	})

	// PushEvents tracks decoded push frames.
	PushEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_push_events_total",
		Help: "Push events received by name",
	}, []string{"event"})

	// ViewStreamClients tracks local change-stream subscribers.
	ViewStreamClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleet_view_stream_clients",
		Help: "Current number of connected view stream clients",
	})

	// CacheFailures tracks snapshot cache read/write failures (best-effort).
	CacheFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_cache_failures_total",
		Help: "Snapshot cache failures (non-blocking, best-effort)",
	}, []string{"backend", "op"})

	// CacheLatency tracks snapshot cache round trips.
	CacheLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fleet_cache_roundtrip_latency_seconds",
		Help:    "Snapshot cache operation latency",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10), // 1ms to ~1s
	}, []string{"backend"})

	// JournalFailures tracks failed journal appends (non-blocking).
	JournalFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_journal_failures_total",
		Help: "Failed journal appends (non-blocking, best-effort)",
	}, []string{"backend"})
)
