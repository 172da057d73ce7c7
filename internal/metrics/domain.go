package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	PaymentTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "artisan",
			Subsystem: "payments",
			Name:      "transitions_total",
			Help:      "Payment status transitions",
		},
		[]string{"from", "to"},
	)

	ProcessorCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "artisan",
			Subsystem: "processor",
			Name:      "calls_total",
			Help:      "Payment processor calls by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	WebhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "artisan",
			Subsystem: "processor",
			Name:      "webhook_events_total",
			Help:      "Processor webhook events by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	Payouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "artisan",
			Subsystem: "payouts",
			Name:      "total",
			Help:      "Payouts by final status",
		},
		[]string{"status"},
	)

	DisputeTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "artisan",
			Subsystem: "disputes",
			Name:      "transitions_total",
			Help:      "Dispute status transitions",
		},
		[]string{"to"},
	)

	NotificationsDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "artisan",
			Subsystem: "notifications",
			Name:      "dispatched_total",
			Help:      "Notifications by delivery channel and outcome",
		},
		[]string{"channel", "outcome"},
	)

	RealtimeConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "artisan",
			Subsystem: "realtime",
			Name:      "connections",
			Help:      "Open realtime connections",
		},
	)

	ScheduledJobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "artisan",
			Subsystem: "scheduler",
			Name:      "job_runs_total",
			Help:      "Scheduled job runs by job and outcome",
		},
		[]string{"job", "outcome"},
	)

	RecoveredPanics = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "artisan",
			Subsystem: "runtime",
			Name:      "recovered_panics_total",
			Help:      "Panics recovered in background goroutines by task",
		},
		[]string{"task"},
	)
)

func init() {
	Registry.MustRegister(
		PaymentTransitions,
		ProcessorCalls,
		WebhookEvents,
		Payouts,
		DisputeTransitions,
		NotificationsDispatched,
		RealtimeConnections,
		ScheduledJobs,
		RecoveredPanics,
	)
}

// Outcome переводит ошибку в метку результата.
func Outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
