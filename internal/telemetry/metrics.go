package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "maintenance_jobs_enqueued_total", Help: "Jobs enqueued per queue"}, []string{"queue"})
	JobsCompleted  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "maintenance_jobs_completed_total", Help: "Jobs completed per queue"}, []string{"queue"})
	JobsRetried    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "maintenance_jobs_retried_total", Help: "Failed attempts scheduled for retry per queue"}, []string{"queue"})
	JobsFailed     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "maintenance_jobs_failed_total", Help: "Jobs terminally failed per queue"}, []string{"queue"})
	JobsStalled    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "maintenance_jobs_stalled_total", Help: "Leases reclaimed after visibility timeout per queue"}, []string{"queue"})
	QueueDepth     = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "maintenance_queue_depth", Help: "Ready depth per queue"}, []string{"queue"})
	InFlight       = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "maintenance_inflight", Help: "Jobs currently leased per queue"}, []string{"queue"})
	RateLimitDrops = prometheus.NewCounter(prometheus.CounterOpts{Name: "maintenance_rate_limit_rejects_total", Help: "Admin requests rejected by rate limiter"})

	AlertsSent      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "maintenance_alerts_sent_total", Help: "Alerts raised per severity"}, []string{"severity"})
	ChannelFailures = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "maintenance_alert_channel_failures_total", Help: "Channel delivery failures per channel type"}, []string{"channel"})
	RulesTriggered  = prometheus.NewCounter(prometheus.CounterOpts{Name: "maintenance_alert_rules_triggered_total", Help: "Alert rules fired past cooldown"})

	ValidationIssues = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "maintenance_validation_issues_total", Help: "Validation issues found per rule"}, []string{"rule"})
	ValidationFixes  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "maintenance_validation_fixes_total", Help: "Auto-fixes applied per rule"}, []string{"rule"})
	CleanupRecords   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "maintenance_cleanup_records_total", Help: "Records removed per cleanup task"}, []string{"task"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsCompleted,
			JobsRetried,
			JobsFailed,
			JobsStalled,
			QueueDepth,
			InFlight,
			RateLimitDrops,
			AlertsSent,
			ChannelFailures,
			RulesTriggered,
			ValidationIssues,
			ValidationFixes,
			CleanupRecords,
		)
	})
	return promhttp.Handler()
}
