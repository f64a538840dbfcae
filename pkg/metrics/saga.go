package metrics

import "github.com/prometheus/client_golang/prometheus"

// SagaMetrics counts saga lifecycle transitions by saga type.
type SagaMetrics struct {
	started      *prometheus.CounterVec
	finished     *prometheus.CounterVec
	stepRetries  *prometheus.CounterVec
	compensating *prometheus.CounterVec
	timeouts     *prometheus.CounterVec
}

func NewSagaMetrics(reg prometheus.Registerer) *SagaMetrics {
	if reg == nil {
		return &SagaMetrics{}
	}
	m := &SagaMetrics{
		started: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "saga_started_total",
			Help:      "Sagas started.",
		}, []string{"saga_type"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "saga_finished_total",
			Help:      "Sagas that reached a terminal status.",
		}, []string{"saga_type", "status"}),
		stepRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "saga_step_retries_total",
			Help:      "Forward step commands re-issued after a retryable failure.",
		}, []string{"saga_type", "step"}),
		compensating: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "saga_compensations_started_total",
			Help:      "Sagas that entered compensation.",
		}, []string{"saga_type"}),
		timeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "saga_timeouts_total",
			Help:      "Sagas failed by the timeout sweep.",
		}, []string{"saga_type"}),
	}
	reg.MustRegister(m.started, m.finished, m.stepRetries, m.compensating, m.timeouts)
	return m
}

func (m *SagaMetrics) IncStarted(sagaType string) {
	if m == nil || m.started == nil {
		return
	}
	m.started.WithLabelValues(normalizeLabel(sagaType)).Inc()
}

func (m *SagaMetrics) IncFinished(sagaType, status string) {
	if m == nil || m.finished == nil {
		return
	}
	m.finished.WithLabelValues(normalizeLabel(sagaType), normalizeLabel(status)).Inc()
}

func (m *SagaMetrics) IncStepRetry(sagaType, step string) {
	if m == nil || m.stepRetries == nil {
		return
	}
	m.stepRetries.WithLabelValues(normalizeLabel(sagaType), normalizeLabel(step)).Inc()
}

func (m *SagaMetrics) IncCompensating(sagaType string) {
	if m == nil || m.compensating == nil {
		return
	}
	m.compensating.WithLabelValues(normalizeLabel(sagaType)).Inc()
}

func (m *SagaMetrics) IncTimeout(sagaType string) {
	if m == nil || m.timeouts == nil {
		return
	}
	m.timeouts.WithLabelValues(normalizeLabel(sagaType)).Inc()
}
