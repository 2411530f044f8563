package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "laundry_orders_created_total",
		Help: "Total number of orders created",
	})

	OrdersRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "laundry_orders_rejected_total",
		Help: "Total number of order creations rejected",
	}, []string{"reason"})

	OrderTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "laundry_order_transitions_total",
		Help: "Committed order status transitions by target status",
	}, []string{"status"})

	MachineReserveLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "laundry_machine_reserve_latency_seconds",
		Help:    "Latency of machine reservation operations",
		Buckets: prometheus.DefBuckets,
	})

	MachineReservationsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "laundry_machine_reservations_failed_total",
		Help: "Total number of failed machine reservations",
	}, []string{"reason"})

	MachineReleasesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "laundry_machine_releases_total",
		Help: "Total number of machine releases applied",
	})

	PaymentsInitializedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "laundry_payments_initialized_total",
		Help: "Total number of payments initialized",
	})

	PaymentTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "laundry_payment_transitions_total",
		Help: "Committed payment status transitions by target status",
	}, []string{"status"})

	DetailGenerationAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "laundry_payment_detail_attempts_total",
		Help: "Payment detail generation attempts by outcome",
	}, []string{"outcome"})

	DetailGenerationLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "laundry_payment_detail_latency_seconds",
		Help:    "Latency of a single provider detail generation call",
		Buckets: prometheus.DefBuckets,
	})

	CallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "laundry_payment_callbacks_total",
		Help: "Provider callbacks received by result",
	}, []string{"result"})

	StalePaymentsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "laundry_stale_payments_expired_total",
		Help: "Payments cancelled by the timeout sweeper",
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
