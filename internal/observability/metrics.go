package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "rider_assignment"

var (
	OffersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "offers_total", Help: "Offers by outcome (pending counts creations)"},
		[]string{"outcome"},
	)
	JobsTerminalTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "jobs_terminal_total", Help: "Jobs reaching a terminal state"},
		[]string{"state", "reason"},
	)
	TimeToAssign = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "time_to_assign_seconds",
		Help:      "Seconds from job creation to assignment",
		Buckets:   []float64{1, 2, 5, 10, 30, 60, 120, 300, 600},
	})
	NotificationFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "notification_failures_total", Help: "Offer pushes that could not be delivered"},
		[]string{"channel"},
	)
	CASConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "cas_conflicts_total", Help: "Conditional writes lost to a concurrent writer"},
		[]string{"entity"},
	)
	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "sweep_duration_seconds", Help: "Expiry sweep latency"})
	SchedulerDropped = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "scheduler_dropped_total", Help: "Job hints dropped because a partition queue was full"})
	ClaimsSkipped = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "claims_skipped_total", Help: "Jobs skipped because another worker held the claim"})
	RidersOnline = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "ws_sessions", Help: "Connected rider websocket sessions"})

	LocationUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "location_updates_total", Help: "Rider location pings by result"},
		[]string{"result"},
	)
	EventsConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "events_consumed_total", Help: "Kafka messages consumed by topic and result"},
		[]string{"topic", "result"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
