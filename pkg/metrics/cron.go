package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every metric exported by the txcore binaries.
const Namespace = "txcore"

// CronJobMetrics records the outcome of background sweeps and maintenance
// jobs. Every series is labelled by cron service and job, so the saga sweeps
// and the maintenance jobs of one cron-worker stay apart.
//
// Alert on time() - txcore_job_last_success_timestamp_seconds{job="saga-timeout-sweep"}:
// a stalled timeout sweep leaves sagas RUNNING forever.
type CronJobMetrics struct {
	duration    *prometheus.HistogramVec
	runs        *prometheus.CounterVec
	skipped     *prometheus.CounterVec
	lastSuccess *prometheus.GaugeVec
	lockLost    *prometheus.CounterVec
}

// NewCronJobMetrics registers the job metrics on reg. A nil registerer yields
// a recorder that drops everything.
func NewCronJobMetrics(reg prometheus.Registerer) *CronJobMetrics {
	if reg == nil {
		return nil
	}
	labels := []string{"service", "job"}
	m := &CronJobMetrics{
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "job_duration_seconds",
			Help:      "Duration of background jobs in seconds.",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 15, 60, 300},
		}, labels),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "job_runs_total",
			Help:      "Background job executions by result (success, failure, panic).",
		}, append(labels, "result")),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "job_skipped_total",
			Help:      "Ticks skipped because another instance held the lock.",
		}, labels),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "job_last_success_timestamp_seconds",
			Help:      "Unix time of the last successful run.",
		}, labels),
		lockLost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "cron_lock_lost_total",
			Help:      "Cycles whose lock expired before they finished.",
		}, []string{"service"}),
	}
	reg.MustRegister(m.duration, m.runs, m.skipped, m.lastSuccess, m.lockLost)
	return m
}

// Job outcomes recorded by ObserveRun.
const (
	JobSuccess = "success"
	JobFailure = "failure"
	JobPanic   = "panic"
)

// ObserveRun records one execution of job.
func (c *CronJobMetrics) ObserveRun(service, job, result string, duration time.Duration) {
	if c == nil {
		return
	}
	service, job = normalizeLabel(service), normalizeLabel(job)
	c.duration.WithLabelValues(service, job).Observe(duration.Seconds())
	c.runs.WithLabelValues(service, job, result).Inc()
	if result == JobSuccess {
		c.lastSuccess.WithLabelValues(service, job).SetToCurrentTime()
	}
}

// IncSkipped counts a tick where the lock was held elsewhere.
func (c *CronJobMetrics) IncSkipped(service, job string) {
	if c == nil {
		return
	}
	c.skipped.WithLabelValues(normalizeLabel(service), normalizeLabel(job)).Inc()
}

func (c *CronJobMetrics) IncLockLost(service string) {
	if c == nil {
		return
	}
	c.lockLost.WithLabelValues(normalizeLabel(service)).Inc()
}

func normalizeLabel(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
