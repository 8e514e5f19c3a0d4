// Package metrics содержит prometheus-коллекторы рантайма саг.
// Регистрация защитная: повторная регистрация (несколько оркестраторов в
// одном процессе, тесты) переиспользует уже существующий коллектор.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SagaMetrics агрегирует счётчики и гистограммы жизненного цикла саги.
type SagaMetrics struct {
	started     prometheus.Counter
	completed   prometheus.Counter
	failed      prometheus.Counter
	compensated prometheus.Counter
	stuck       prometheus.Counter
	duration    prometheus.Histogram
	stepRetries *prometheus.CounterVec
}

// NewSagaMetrics создаёт и регистрирует метрики саг.
func NewSagaMetrics() *SagaMetrics {
	return &SagaMetrics{
		started: registerCounter(prometheus.CounterOpts{
			Name: "orderflow_saga_started_total",
			Help: "Total number of started sagas.",
		}),
		completed: registerCounter(prometheus.CounterOpts{
			Name: "orderflow_saga_completed_total",
			Help: "Total number of sagas finished in CONFIRMED.",
		}),
		failed: registerCounter(prometheus.CounterOpts{
			Name: "orderflow_saga_failed_total",
			Help: "Total number of sagas finished in FAILED after compensation.",
		}),
		compensated: registerCounter(prometheus.CounterOpts{
			Name: "orderflow_saga_compensations_total",
			Help: "Total number of sagas that entered the compensation path.",
		}),
		stuck: registerCounter(prometheus.CounterOpts{
			Name: "orderflow_saga_stuck_total",
			Help: "Total number of sagas whose compensation exhausted retries and requires operator attention.",
		}),
		duration: registerHistogram(prometheus.HistogramOpts{
			Name:    "orderflow_saga_duration_seconds",
			Help:    "Saga execution duration in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		}),
		stepRetries: registerCounterVec(prometheus.CounterOpts{
			Name: "orderflow_saga_step_retries_total",
			Help: "Total number of step retry attempts grouped by step.",
		}, []string{"step"}),
	}
}

// RecordSagaStarted учитывает запуск саги.
func (m *SagaMetrics) RecordSagaStarted() {
	if m == nil {
		return
	}
	m.started.Inc()
}

// RecordSagaCompleted учитывает успешное завершение.
func (m *SagaMetrics) RecordSagaCompleted() {
	if m == nil {
		return
	}
	m.completed.Inc()
}

// RecordSagaFailed учитывает завершение в FAILED.
func (m *SagaMetrics) RecordSagaFailed() {
	if m == nil {
		return
	}
	m.failed.Inc()
}

// RecordCompensation учитывает вход в компенсацию.
func (m *SagaMetrics) RecordCompensation() {
	if m == nil {
		return
	}
	m.compensated.Inc()
}

// RecordSagaStuck учитывает сагу, застрявшую в компенсации.
func (m *SagaMetrics) RecordSagaStuck() {
	if m == nil {
		return
	}
	m.stuck.Inc()
}

// RecordSagaDuration учитывает длительность саги.
func (m *SagaMetrics) RecordSagaDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.duration.Observe(d.Seconds())
}

// RecordStepRetry учитывает повторную попытку шага.
func (m *SagaMetrics) RecordStepRetry(step string) {
	if m == nil {
		return
	}
	m.stepRetries.WithLabelValues(step).Inc()
}

func registerCounter(opts prometheus.CounterOpts) prometheus.Counter {
	c := prometheus.NewCounter(opts)
	if err := prometheus.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return are.ExistingCollector.(prometheus.Counter)
		}
	}
	return c
}

func registerCounterVec(opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(opts, labels)
	if err := prometheus.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return are.ExistingCollector.(*prometheus.CounterVec)
		}
	}
	return c
}

func registerHistogram(opts prometheus.HistogramOpts) prometheus.Histogram {
	h := prometheus.NewHistogram(opts)
	if err := prometheus.Register(h); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return are.ExistingCollector.(prometheus.Histogram)
		}
	}
	return h
}
