package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	Registry = prometheus.NewRegistry()

	MessagesIn = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "glomer",
			Name:      "messages_in_total",
			Help:      "Inbound messages by body type.",
		},
		[]string{"type"},
	)

	MessagesOut = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "glomer",
			Name:      "messages_out_total",
			Help:      "Outbound messages by body type.",
		},
		[]string{"type"},
	)

	Dropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "glomer",
			Name:      "messages_dropped_total",
			Help:      "Inbound lines dropped before dispatch, by reason.",
		},
		[]string{"reason"},
	)

	HandleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "glomer",
			Name:      "handle_duration_seconds",
			Help:      "Time spent handling one message under the node lock.",
			// 10us .. ~80ms
			Buckets: prometheus.ExponentialBuckets(0.00001, 2, 14),
		},
		[]string{"category"},
	)

	// ---- counter replication ----
	CasAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "glomer",
		Name:      "cas_attempts_total",
		Help:      "Compare-and-set requests sent to the store.",
	})

	CasConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "glomer",
		Name:      "cas_conflicts_total",
		Help:      "Compare-and-set requests rejected with precondition-failed.",
	})

	StoreErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "glomer",
			Name:      "store_errors_total",
			Help:      "Store error replies by code name.",
		},
		[]string{"code"},
	)

	CounterLastConfirmed = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "glomer",
		Name:      "counter_last_confirmed",
		Help:      "Last counter value confirmed with the store.",
	})

	CounterPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "glomer",
		Name:      "counter_pending_delta",
		Help:      "Sum of accepted deltas not yet confirmed.",
	})

	// ---- broadcast ----
	BroadcastValues = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "glomer",
		Name:      "broadcast_values",
		Help:      "Values in the local broadcast set.",
	})

	UnackedValues = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "glomer",
		Name:      "unacked_values",
		Help:      "Pending (neighbour, value) pairs awaiting whisper_ok.",
	})

	// ---- Process / build info ----
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "glomer",
			Name:      "build_info",
			Help:      "Build info (constant 1, labeled by version and git_sha).",
		},
		[]string{"version", "git_sha"},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "glomer",
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(
		MessagesIn, MessagesOut, Dropped, HandleDuration,
		CasAttempts, CasConflicts, StoreErrors, CounterLastConfirmed, CounterPending,
		BroadcastValues, UnackedValues,
		buildInfo, uptime,
	)
}

// SetBuildInfo should be called once at startup, e.g. with ldflags-provided values.
func SetBuildInfo(version, gitSHA string) {
	buildInfo.WithLabelValues(version, gitSHA).Set(1)
}

// Track starts timing one handled message; call the returned func when done.
//
//	defer telemetry.Track("client")()
func Track(category string) func() {
	start := time.Now()
	return func() {
		HandleDuration.WithLabelValues(category).Observe(time.Since(start).Seconds())
	}
}
