package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the escrow ledger.
type Metrics struct {
	// --- Registry ---
	TradesCreated       prometheus.Counter
	TradesDisputed      prometheus.Counter
	TransitionsApplied  *prometheus.CounterVec
	TransitionsRejected *prometheus.CounterVec
	CustodyHeld         *prometheus.GaugeVec
	FeesCollected       *prometheus.CounterVec
	EventSequence       prometheus.Gauge

	// --- Channels ---
	PublishDrops prometheus.Counter

	// --- Persistence ---
	PersistEventsWritten prometheus.Counter
	PersistBatchDur      prometheus.Histogram
	PersistBatchSize     prometheus.Histogram
	PersistErrors        *prometheus.CounterVec
	PersistLastSequence  prometheus.Gauge

	// --- HTTP API ---
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		TradesCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "otc_trades_created_total",
			Help: "Trades created in the registry",
		}),

		TradesDisputed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "otc_trades_disputed_total",
			Help: "Trades moved to DISPUTED",
		}),

		TransitionsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "otc_transitions_applied_total",
			Help: "Lifecycle transitions successfully applied",
		}, []string{"event_type"}),

		TransitionsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "otc_transitions_rejected_total",
			Help: "Lifecycle transitions rejected, by reason",
		}, []string{"reason"}),

		CustodyHeld: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "otc_custody_held",
			Help: "Total asset amount currently held in escrow, by asset",
		}, []string{"asset"}),

		FeesCollected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "otc_fees_collected_total",
			Help: "Platform fees routed to the collector, by asset",
		}, []string{"asset"}),

		EventSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "otc_event_sequence",
			Help: "Last event sequence assigned by the registry",
		}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "otc_publish_drops_total",
			Help: "Outbound events dropped due to full publish channel",
		}),

		PersistEventsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "otc_persist_events_written_total",
			Help: "Events written to the Postgres trade log",
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "otc_persist_batch_duration_seconds",
			Help:    "Duration of persistence batch flushes",
			Buckets: prometheus.DefBuckets,
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "otc_persist_batch_size",
			Help:    "Events per persistence batch flush",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "otc_persist_errors_total",
			Help: "Persistence failures, by stage",
		}, []string{"stage"}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "otc_persist_last_sequence",
			Help: "Highest event sequence confirmed durable",
		}),

		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "otc_http_requests_total",
			Help: "HTTP API requests, by route and status code",
		}, []string{"route", "code"}),

		HTTPDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "otc_http_request_duration_seconds",
			Help:    "HTTP API request duration, by route",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
}
