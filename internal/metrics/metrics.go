package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	MessagesReceivedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gpsingester_messages_received_total",
			Help: "Broker payloads received across all pool sessions.",
		},
	)

	SamplesParsedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gpsingester_samples_parsed_total",
			Help: "Samples decoded from inbound payloads.",
		},
	)

	ParseErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gpsingester_parse_errors_total",
			Help: "Payload parse failures by reason.",
		},
		[]string{"reason"},
	)

	DedupDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gpsingester_dedup_dropped_total",
			Help: "Samples rejected by the fingerprint filter (duplicate, stale).",
		},
		[]string{"reason"},
	)

	VehicleLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gpsingester_vehicle_lookups_total",
			Help: "Vehicle directory lookups (hit, miss).",
		},
		[]string{"outcome"},
	)

	SamplesShedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gpsingester_samples_shed_total",
			Help: "Samples shed under queue backpressure.",
		},
	)

	SamplesSavedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gpsingester_samples_saved_total",
			Help: "Samples upserted into history.",
		},
	)

	SamplesFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gpsingester_samples_failed_total",
			Help: "Samples dead-lettered after exhausting batch retries.",
		},
	)

	BatchQueueSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gpsingester_batch_queue_size",
			Help: "Samples currently queued for persistence.",
		},
	)

	BatchRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gpsingester_batch_retries_total",
			Help: "Batch flush retry attempts.",
		},
	)

	DeadLetterBatchesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gpsingester_dead_letter_batches_total",
			Help: "Batches written to the dead-letter log.",
		},
	)

	DBWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gpsingester_db_write_duration_seconds",
			Help:    "DB write latency.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
		},
		[]string{"pipeline", "op"},
	)

	DBRowsAffectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gpsingester_db_rows_affected_total",
			Help: "DB rows written or deleted.",
		},
		[]string{"pipeline", "table", "op"},
	)

	BatchSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gpsingester_batch_size",
			Help:    "Batch sizes flushed to DB.",
			Buckets: []float64{1, 10, 50, 100, 250, 500, 1000, 2000, 5000},
		},
		[]string{"pipeline"},
	)

	CacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gpsingester_cache_hits_total",
			Help: "Last-location cache hits.",
		},
	)

	CacheMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gpsingester_cache_misses_total",
			Help: "Last-location cache misses.",
		},
	)

	CacheEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gpsingester_cache_evictions_total",
			Help: "Last-location cache LRU evictions.",
		},
	)

	CacheSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gpsingester_cache_size",
			Help: "Entries currently held by the last-location cache.",
		},
	)

	BrokerSessions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gpsingester_broker_sessions",
			Help: "Pool sessions by state (connecting, active, draining, lost).",
		},
		[]string{"state"},
	)

	BrokerReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gpsingester_broker_reconnects_total",
			Help: "Session reconnect attempts after a lost connection.",
		},
	)

	BroadcastsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gpsingester_broadcasts_total",
			Help: "Messages published to push topics by scope.",
		},
		[]string{"scope"},
	)

	BroadcastDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gpsingester_broadcast_dropped_total",
			Help: "Broadcasts dropped (rate_limited, slow_subscriber, no_subscribers).",
		},
		[]string{"reason"},
	)

	BroadcastErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gpsingester_broadcast_errors_total",
			Help: "Per-topic publish failures (non-fatal).",
		},
	)

	AlertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gpsingester_alerts_total",
			Help: "Alerts raised by kind and level.",
		},
		[]string{"kind", "level"},
	)

	AlertsSuppressedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gpsingester_alerts_suppressed_total",
			Help: "Alerts suppressed by mute, dedup window or hourly cap.",
		},
		[]string{"kind", "reason"},
	)

	WSSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gpsingester_ws_sessions",
			Help: "Connected push-channel sessions.",
		},
	)

	WSTopics = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gpsingester_ws_topics",
			Help: "Topics with at least one subscriber.",
		},
	)

	PartitionSizeBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gpsingester_partition_size_bytes",
			Help: "Total relation size per history partition.",
		},
		[]string{"partition"},
	)

	PartitionOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gpsingester_partition_ops_total",
			Help: "Partition DDL operations by op and outcome.",
		},
		[]string{"op", "outcome"},
	)
)

var registerOnce sync.Once

// Register installs all collectors on the default registry. Safe to call more
// than once; only the first call registers.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			MessagesReceivedTotal,
			SamplesParsedTotal,
			ParseErrorsTotal,
			DedupDroppedTotal,
			VehicleLookupsTotal,
			SamplesShedTotal,
			SamplesSavedTotal,
			SamplesFailedTotal,
			BatchQueueSize,
			BatchRetriesTotal,
			DeadLetterBatchesTotal,
			DBWriteDuration,
			DBRowsAffectedTotal,
			BatchSize,
			CacheHitsTotal,
			CacheMissesTotal,
			CacheEvictionsTotal,
			CacheSize,
			BrokerSessions,
			BrokerReconnectsTotal,
			BroadcastsTotal,
			BroadcastDroppedTotal,
			BroadcastErrorsTotal,
			AlertsTotal,
			AlertsSuppressedTotal,
			WSSessions,
			WSTopics,
			PartitionSizeBytes,
			PartitionOpsTotal,
		)
	})
}
