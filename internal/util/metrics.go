package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	IntentsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "intents_created_total",
		Help: "Total number of order intents created",
	})

	IntentsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intents_failed_total",
		Help: "Total number of rejected intent creations",
	}, []string{"reason"})

	IntentsCancelledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "intents_cancelled_total",
		Help: "Total number of cancelled intents",
	})

	IntentsExpiredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intents_expired_total",
		Help: "Total number of intents moved to EXPIRED",
	}, []string{"path"})

	SagaCompensationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_compensations_total",
		Help: "Total number of compensating actions run",
	}, []string{"saga", "result"})

	InventoryReserveLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "inventory_reserve_latency_seconds",
		Help:    "Latency of inventory reservation operations",
		Buckets: prometheus.DefBuckets,
	})

	InventoryReservationsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inventory_reservations_failed_total",
		Help: "Total number of failed inventory reservations",
	}, []string{"reason"})

	InventoryLocksReleasedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inventory_locks_released_total",
		Help: "Total number of inventory locks released",
	}, []string{"path"})

	InventoryLocksConvertedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inventory_locks_converted_total",
		Help: "Total number of inventory locks converted into orders",
	})

	DiscountLockFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "discount_lock_failed_total",
		Help: "Total number of refused discount locks",
	}, []string{"reason"})

	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlements_total",
		Help: "Total number of settlement attempts by outcome",
	}, []string{"outcome"})

	SettlementLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "settlement_latency_seconds",
		Help:    "Latency of settlement",
		Buckets: prometheus.DefBuckets,
	})

	PaymentAttemptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payment_attempts_total",
		Help: "Total number of gateway orders requested",
	})

	PaymentWebhooksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_webhooks_total",
		Help: "Total number of payment notifications by type and outcome",
	}, []string{"type", "outcome"})

	ReaperRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reaper_runs_total",
		Help: "Total number of reaper sweeps",
	}, []string{"result"})

	AuditFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "audit_failures_total",
		Help: "Total number of audit records that could not be written",
	})

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
