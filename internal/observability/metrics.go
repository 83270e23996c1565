package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "csr_requests_total",
			Help: "Total number of requests",
		},
		[]string{"route", "code", "method"},
	)

	HoldAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "csr_hold_attempts_total",
			Help: "Hold and walk-in attempts by result",
		},
		[]string{"kind", "result"},
	)

	BookingTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "csr_booking_transitions_total",
			Help: "Booking status transitions by target status",
		},
		[]string{"status"},
	)

	StoreRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "csr_store_retries_total",
			Help: "Total retried record store calls",
		},
	)

	SweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "csr_sweep_seconds",
			Help:    "Duration of expiry sweeps",
			Buckets: prometheus.DefBuckets,
		},
	)

	ExpiredHolds = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "csr_expired_holds_total",
			Help: "Holds released by the expiry sweep",
		},
	)

	FanoutDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "csr_fanout_dropped_total",
			Help: "Events dropped because a subscriber buffer was full",
		},
	)

	FanoutSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "csr_fanout_subscribers",
			Help: "Open fan-out subscriptions",
		},
	)

	DBTxDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "csr_db_tx_seconds",
			Help:    "Duration of DB transactions",
			Buckets: prometheus.DefBuckets,
		},
	)

	OutboxLag = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "csr_outbox_lag_seconds",
			Help: "Lag of outbox publishing",
		},
	)

	RabbitPublishRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "csr_rabbit_publish_retries_total",
			Help: "Total rabbit publish retries",
		},
	)

	RateLimitExceeded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "csr_rate_limit_exceeded_total",
			Help: "Total rate limit exceeded",
		},
	)
)
