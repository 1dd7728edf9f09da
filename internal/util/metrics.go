package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_created_total",
		Help: "Total number of orders created",
	})

	OrderTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "order_transitions_total",
		Help: "Total number of committed order transitions",
	}, []string{"from", "to", "automatic"})

	OrderTransitionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "order_transitions_rejected_total",
		Help: "Total number of rejected order transitions",
	}, []string{"reason"})

	AutoTransitionsFired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auto_transitions_fired_total",
		Help: "Auto-transition timer firings by outcome",
	}, []string{"outcome"})

	LedgerPostingsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_postings_total",
		Help: "Total number of ledger entries written",
	}, []string{"kind"})

	LedgerReplaysTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_replays_total",
		Help: "Postings collapsed onto an existing external ref",
	})

	LedgerInsufficientFunds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_insufficient_funds_total",
		Help: "Debits rejected because the balance would go negative",
	})

	LedgerPostingLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ledger_posting_latency_seconds",
		Help:    "Latency of ledger postings",
		Buckets: prometheus.DefBuckets,
	})

	PaymentCallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_callbacks_total",
		Help: "Payment gateway callbacks by outcome",
	}, []string{"outcome"})

	NotificationDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notification_deliveries_total",
		Help: "Notification deliveries by channel and outcome",
	}, []string{"channel", "outcome"})

	NotificationDowngrades = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notification_downgrades_total",
		Help: "Events downgraded to push-only after exhausting real-time retries",
	})

	RefundAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "refund_attempts_total",
		Help: "Compensating refund attempts by outcome",
	}, []string{"outcome"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
