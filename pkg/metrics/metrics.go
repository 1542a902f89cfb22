package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Journal metrics
	JournalAppendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leviathan_journal_appends_total",
			Help: "Total number of bundle append attempts by outcome",
		},
		[]string{"outcome"},
	)

	JournalEventsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "leviathan_journal_events_total",
			Help: "Total number of events appended to the journal",
		},
	)

	JournalTipSeq = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "leviathan_journal_tip_seq",
			Help: "Sequence number of the journal tip",
		},
	)

	ChainVerificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leviathan_chain_verifications_total",
			Help: "Total number of chain verifications by result",
		},
		[]string{"result"},
	)

	// Projection metrics
	ProjectionAppliedSeq = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "leviathan_projection_applied_seq",
			Help: "Last journal sequence applied by the projector",
		},
	)

	ProjectionEventsApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leviathan_projection_events_applied_total",
			Help: "Total number of events folded into the projection by type",
		},
		[]string{"event_type"},
	)

	// Scheduler metrics
	SchedulerTicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leviathan_scheduler_ticks_total",
			Help: "Total number of scheduler ticks by outcome",
		},
		[]string{"outcome"},
	)

	SchedulerSkipsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leviathan_scheduler_skips_total",
			Help: "Total number of skipped ticks by reason",
		},
		[]string{"reason"},
	)

	AttemptsDispatched = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "leviathan_attempts_dispatched_total",
			Help: "Total number of attempts dispatched to workers",
		},
	)

	// Attempt metrics
	AttemptsTerminal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leviathan_attempts_terminal_total",
			Help: "Total number of attempts reaching a terminal status",
		},
		[]string{"status"},
	)

	AttemptDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "leviathan_attempt_duration_seconds",
			Help:    "Wall-clock duration of completed attempts in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leviathan_api_requests_total",
			Help: "Total number of API requests by method, path and status",
		},
		[]string{"method", "path", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "leviathan_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	IntegrityAlarm = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "leviathan_integrity_alarm",
			Help: "Whether the integrity alarm is latched (1 = alarmed)",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(JournalAppendsTotal)
	prometheus.MustRegister(JournalEventsTotal)
	prometheus.MustRegister(JournalTipSeq)
	prometheus.MustRegister(ChainVerificationsTotal)
	prometheus.MustRegister(ProjectionAppliedSeq)
	prometheus.MustRegister(ProjectionEventsApplied)
	prometheus.MustRegister(SchedulerTicksTotal)
	prometheus.MustRegister(SchedulerSkipsTotal)
	prometheus.MustRegister(AttemptsDispatched)
	prometheus.MustRegister(AttemptsTerminal)
	prometheus.MustRegister(AttemptDuration)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(IntegrityAlarm)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveAPIRequest records one served API request.
func ObserveAPIRequest(method, path, status string, elapsed time.Duration) {
	APIRequestsTotal.WithLabelValues(method, path, status).Inc()
	APIRequestDuration.WithLabelValues(method, path).Observe(elapsed.Seconds())
}
