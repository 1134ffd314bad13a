package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "nyotapay"

var (
	// HTTPRequests counts processed requests by method, route and status.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests processed.",
	}, []string{"method", "route", "status"})

	// HTTPDuration observes request latency per route.
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})

	// TransactionsCreated counts persisted transactions by type and terminal status.
	TransactionsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transactions_created_total",
		Help:      "Transactions persisted, by type and terminal status.",
	}, []string{"type", "status"})

	// IdempotentReplays counts create calls answered from an existing idempotency key.
	IdempotentReplays = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transactions_idempotent_replays_total",
		Help:      "Create calls answered from an existing idempotency key.",
	})

	// LimitRejections counts transactions rejected by a usage ceiling.
	LimitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "limit_rejections_total",
		Help:      "Transactions rejected by a usage ceiling, by window.",
	}, []string{"window"})

	// InsufficientFunds counts transactions rejected for lack of balance.
	InsufficientFunds = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "insufficient_funds_total",
		Help:      "Transactions rejected because the source balance was too low.",
	})

	// PostingDuration observes how long atomic ledger postings take.
	PostingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "posting_duration_seconds",
		Help:      "Latency of atomic ledger postings.",
		Buckets:   prometheus.DefBuckets,
	})

	// EventsPublished counts envelopes handed to the live bus, by topic.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_published_total",
		Help:      "Events published to the bus.",
	}, []string{"topic"})

	// EventsConsumed counts deliveries handled per consumer, by outcome.
	EventsConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_consumed_total",
		Help:      "Event deliveries handled, by consumer and outcome.",
	}, []string{"consumer", "outcome"})

	// OutboxRetries counts outbox publications scheduled for retry.
	OutboxRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "outbox_retries_total",
		Help:      "Outbox publications that failed and were scheduled for retry.",
	})

	// EventReplaysSuppressed counts redelivered events whose effect was already applied.
	EventReplaysSuppressed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "event_replays_suppressed_total",
		Help:      "Redelivered events whose effect was already applied.",
	})

	// BalanceUpdates counts wallet balance mutations applied by the updater.
	BalanceUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "balance_updates_total",
		Help:      "Wallet balance mutations applied.",
	}, []string{"direction"})

	// CacheReads counts balance cache lookups by outcome.
	CacheReads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "balance_cache_reads_total",
		Help:      "Balance cache lookups, by outcome.",
	}, []string{"outcome"})

	// LockAcquisitions counts distributed lock attempts by outcome.
	LockAcquisitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "lock_acquisitions_total",
		Help:      "Distributed lock acquisition attempts, by outcome.",
	}, []string{"outcome"})

	// ReconcileRuns counts completed reconciliation sweeps.
	ReconcileRuns = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconcile_runs_total",
		Help:      "Completed reconciliation sweeps.",
	})

	// ReconcileDiscrepancies counts wallets whose stored and derived balances diverged.
	ReconcileDiscrepancies = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconcile_discrepancies_total",
		Help:      "Wallets found with a stored/derived balance mismatch.",
	})
)

// Serve exposes /metrics on a dedicated listener. The API itself runs on
// fasthttp, so the Prometheus handler gets its own net/http server.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return srv.ListenAndServe()
}
