package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// OutboxMetrics instruments the relay loop. All series are labelled by
// destination topic.
type OutboxMetrics struct {
	published    *prometheus.CounterVec
	retries      *prometheus.CounterVec
	deadLettered *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	backlog      *prometheus.GaugeVec
}

func NewOutboxMetrics(reg prometheus.Registerer) *OutboxMetrics {
	if reg == nil {
		return &OutboxMetrics{}
	}
	m := &OutboxMetrics{
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "outbox_published_total",
			Help:      "Outbox messages delivered to the transport.",
		}, []string{"topic"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "outbox_retries_total",
			Help:      "Failed publish attempts scheduled for retry.",
		}, []string{"topic"}),
		deadLettered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "outbox_dead_lettered_total",
			Help:      "Outbox messages moved to the dead letter table.",
		}, []string{"topic", "reason"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "outbox_publish_duration_seconds",
			Help:      "Time spent in the transport per message.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"topic"}),
		backlog: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "outbox_messages",
			Help:      "Outbox rows by status.",
		}, []string{"status"}),
	}
	reg.MustRegister(m.published, m.retries, m.deadLettered, m.duration, m.backlog)
	return m
}

func (m *OutboxMetrics) ObservePublish(topic string, elapsed time.Duration) {
	if m == nil || m.published == nil {
		return
	}
	topic = normalizeLabel(topic)
	m.published.WithLabelValues(topic).Inc()
	m.duration.WithLabelValues(topic).Observe(elapsed.Seconds())
}

func (m *OutboxMetrics) IncRetry(topic string) {
	if m == nil || m.retries == nil {
		return
	}
	m.retries.WithLabelValues(normalizeLabel(topic)).Inc()
}

func (m *OutboxMetrics) IncDeadLettered(topic, reason string) {
	if m == nil || m.deadLettered == nil {
		return
	}
	m.deadLettered.WithLabelValues(normalizeLabel(topic), normalizeLabel(reason)).Inc()
}

// SetBacklog records the row count for one outbox status.
func (m *OutboxMetrics) SetBacklog(status string, count int64) {
	if m == nil || m.backlog == nil {
		return
	}
	m.backlog.WithLabelValues(normalizeLabel(status)).Set(float64(count))
}
