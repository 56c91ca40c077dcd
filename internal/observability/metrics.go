package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the position ledger. Registered
// once on the default registry at startup; components receive the struct and
// increment what they own.
type Metrics struct {
	// --- Engine ---
	EventsApplied     *prometheus.CounterVec
	EventsRejected    *prometheus.CounterVec
	DuplicatesIgnored *prometheus.CounterVec
	EventsAppended    *prometheus.CounterVec
	ApplyDuration     *prometheus.HistogramVec
	DedupLRUSize      prometheus.Gauge

	// --- Ingestion ---
	IngestReceived  *prometheus.CounterVec
	IngestParseErrs *prometheus.CounterVec
	IngestToApply   *prometheus.HistogramVec

	// --- Valuation ---
	MarksRecorded        *prometheus.CounterVec
	ValuationUnavailable *prometheus.CounterVec

	// --- Reconciliation ---
	ReconRuns      prometheus.Counter
	ReconBreaks    *prometheus.CounterVec
	ReconDuration  prometheus.Histogram
	BreaksResolved prometheus.Counter

	// --- Persistence ---
	PersistEventsWritten prometheus.Counter
	PersistMarksWritten  prometheus.Counter
	PersistBatchSize     prometheus.Histogram
	PersistBatchDur      prometheus.Histogram
	PersistErrors        *prometheus.CounterVec
	PersistRetry         prometheus.Counter
	PersistLastSequence  prometheus.Gauge
	PersistBackpressure  prometheus.Counter

	// --- Startup replay ---
	ReplayEventsTotal prometheus.Counter
	ReplayDuration    prometheus.Gauge

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	applyBuckets := []float64{
		0.000005, 0.00001, 0.000025, 0.00005, 0.0001,
		0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		EventsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_events_applied_total",
			Help: "Events successfully applied by the engine",
		}, []string{"event_type"}),

		EventsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_events_rejected_total",
			Help: "Events rejected (validation, consistency, terminal state)",
		}, []string{"event_type", "reason"}),

		DuplicatesIgnored: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_duplicates_ignored_total",
			Help: "Redelivered events deduplicated as successful no-ops",
		}, []string{"event_type"}),

		EventsAppended: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_event_log_appended_total",
			Help: "Envelopes appended to the event log",
		}, []string{"event_type"}),

		ApplyDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ledger_event_apply_duration_seconds",
			Help:    "Time to apply one event end to end",
			Buckets: applyBuckets,
		}, []string{"event_type"}),

		DedupLRUSize: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "ledger_dedup_lru_size",
			Help: "Current idempotency LRU occupancy",
		}),

		IngestReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_ingest_received_total",
			Help: "Messages received from NATS by subject class",
		}, []string{"kind"}),

		IngestParseErrs: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_ingest_parse_errors_total",
			Help: "Messages rejected during parse or validation",
		}, []string{"kind"}),

		IngestToApply: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ledger_ingest_to_apply_seconds",
			Help:    "NATS receive to engine apply complete",
			Buckets: []float64{0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01, 0.05},
		}, []string{"kind"}),

		MarksRecorded: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_marks_recorded_total",
			Help: "Mark quotes accepted into mark history",
		}, []string{"source"}),

		ValuationUnavailable: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_valuation_unavailable_total",
			Help: "Valuations that could not be computed (missing mark or basis)",
		}, []string{"scope"}),

		ReconRuns: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ledger_recon_runs_total",
			Help: "Reconciliation runs completed",
		}),

		ReconBreaks: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_recon_breaks_total",
			Help: "Breaks detected by type",
		}, []string{"break_type"}),

		ReconDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "ledger_recon_duration_seconds",
			Help:    "Time for one reconciliation run",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		}),

		BreaksResolved: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ledger_recon_breaks_resolved_total",
			Help: "Breaks marked resolved by operators",
		}),

		PersistEventsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ledger_persist_events_written_total",
			Help: "Events written to Postgres",
		}),

		PersistMarksWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ledger_persist_marks_written_total",
			Help: "Leg marks written to Postgres",
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "ledger_persist_batch_size",
			Help:    "Events per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "ledger_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ledger_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "ledger_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		PersistBackpressure: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ledger_persist_backpressure_total",
			Help: "Times the engine blocked on the persist channel",
		}),

		ReplayEventsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ledger_replay_events_total",
			Help: "Events replayed on startup",
		}),

		ReplayDuration: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "ledger_replay_duration_seconds",
			Help: "Total startup replay time",
		}),

		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ledger_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),

		QueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_query_errors_total",
			Help: "Query errors",
		}, []string{"endpoint", "code"}),
	}
}
