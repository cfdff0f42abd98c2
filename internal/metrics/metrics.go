package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector metrics for the ingestion side.
var (
	SessionState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mp_session_state",
			Help: "Exchange session state (0=idle..6=closed, see exchange.State)",
		},
		[]string{"exchange", "market_type", "data_type"},
	)

	SessionReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mp_session_reconnects_total",
			Help: "Total reconnection attempts per session",
		},
		[]string{"exchange", "market_type", "data_type"},
	)

	MessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mp_messages_received_total",
			Help: "Raw WebSocket messages received",
		},
		[]string{"exchange", "data_type"},
	)

	NormalizeErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mp_normalize_errors_total",
			Help: "Records rejected by the normalizer",
		},
		[]string{"exchange", "data_type", "reason"},
	)

	OrderbookResyncs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mp_orderbook_resyncs_total",
			Help: "Orderbook resynchronizations per key",
		},
		[]string{"exchange", "symbol", "reason"},
	)

	OrderbookBestBid = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mp_orderbook_best_bid",
			Help: "Current best bid price",
		},
		[]string{"exchange", "symbol"},
	)

	OrderbookBestAsk = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mp_orderbook_best_ask",
			Help: "Current best ask price",
		},
		[]string{"exchange", "symbol"},
	)

	PublishDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mp_publish_duration_seconds",
			Help:    "Time for the bus to acknowledge a publish",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
		[]string{"subject_root"},
	)

	PublishErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mp_publish_errors_total",
			Help: "Publishes that exhausted their retry budget",
		},
		[]string{"subject_root"},
	)

	DeadletterDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mp_deadletter_depth",
			Help: "Records currently held in the deadletter sink",
		},
	)
)

// Writer metrics.
var (
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mp_writer_queue_depth",
			Help: "Records queued per data type ahead of the batcher",
		},
		[]string{"data_type"},
	)

	BatchesWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mp_writer_batches_total",
			Help: "Batches durably inserted into the hot store",
		},
		[]string{"data_type"},
	)

	RowsWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mp_writer_rows_total",
			Help: "Rows durably inserted into the hot store",
		},
		[]string{"data_type"},
	)

	InsertDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mp_writer_insert_duration_seconds",
			Help:    "Hot store batch insert latency",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"data_type"},
	)

	InsertErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mp_writer_insert_errors_total",
			Help: "Failed batch insert attempts",
		},
		[]string{"data_type"},
	)

	AckDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mp_writer_ack_duration_seconds",
			Help:    "Time from bus delivery to explicit ack",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		},
		[]string{"data_type"},
	)

	Redeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mp_writer_redeliveries_total",
			Help: "Messages observed with a delivery count above one",
		},
		[]string{"data_type"},
	)

	Quarantined = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mp_writer_quarantined_total",
			Help: "Records moved to the quarantine subject on schema errors",
		},
		[]string{"data_type"},
	)
)

// Replicator metrics.
var (
	ReplicationRows = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mp_replication_rows_total",
			Help: "Rows copied from hot to cold",
		},
		[]string{"table"},
	)

	ReplicationLag = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mp_replication_lag_ms",
			Help: "Hot high-watermark minus cold high-watermark, per table",
		},
		[]string{"table"},
	)

	ReplicationRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mp_replication_runs_total",
			Help: "Replication runs by outcome",
		},
		[]string{"outcome"},
	)

	CleanupRows = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mp_cleanup_rows_total",
			Help: "Replicated rows deleted from the hot store",
		},
		[]string{"table"},
	)
)

// Timer is a helper for measuring operation duration.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer { return &Timer{start: time.Now()} }

// ObserveDuration records the elapsed time to a histogram.
func (t *Timer) ObserveDuration(histogram *prometheus.HistogramVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// RecordSessionState records a session state transition.
func RecordSessionState(exchange, marketType, dataType string, state int) {
	SessionState.WithLabelValues(exchange, marketType, dataType).Set(float64(state))
}

// RecordBestBidAsk records top-of-book gauges for a maintained book.
func RecordBestBidAsk(exchange, symbol string, bestBid, bestAsk float64) {
	if bestBid > 0 {
		OrderbookBestBid.WithLabelValues(exchange, symbol).Set(bestBid)
	}
	if bestAsk > 0 {
		OrderbookBestAsk.WithLabelValues(exchange, symbol).Set(bestAsk)
	}
}
