package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Результаты условной записи для лейбла result.
const (
	ResultSuccess  = "success"
	ResultConflict = "conflict"
	ResultError    = "error"
)

// Исходы оформления заказа для лейбла outcome.
const (
	OutcomeCreated   = "created"
	OutcomeStale     = "stale"
	OutcomeCorrected = "corrected"
	OutcomeFailed    = "failed"
)

// StorefrontMetrics содержит метрики ядра storefront.
// Все методы безопасны для nil-получателя: сервисы можно собирать без метрик.
type StorefrontMetrics struct {
	// Условные записи и повторы
	mutationWrites  *prometheus.CounterVec
	mutationRetries *prometheus.CounterVec
	retryExhausted  *prometheus.CounterVec

	// Выдача номеров
	allocations *prometheus.CounterVec

	// Оформление заказа
	checkoutOutcomes *prometheus.CounterVec
	checkoutDuration prometheus.Histogram
	removedLineItems prometheus.Counter

	outboxEvents prometheus.Counter
}

// NewStorefrontMetrics регистрирует метрики в prometheus.DefaultRegisterer.
func NewStorefrontMetrics() *StorefrontMetrics {
	return NewStorefrontMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewStorefrontMetricsWithRegisterer регистрирует метрики в переданном registerer (удобно для тестов).
func NewStorefrontMetricsWithRegisterer(registerer prometheus.Registerer) *StorefrontMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &StorefrontMetrics{
		mutationWrites: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "storefront_mutation_writes_total",
			Help: "Conditional writes against versioned aggregates grouped by aggregate and result",
		}, []string{"aggregate", "result"}),
		mutationRetries: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "storefront_mutation_retries_total",
			Help: "Writes retried after a concurrent modification",
		}, []string{"aggregate"}),
		retryExhausted: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "storefront_mutation_retry_exhausted_total",
			Help: "Retries that hit a second concurrent modification",
		}, []string{"aggregate"}),
		allocations: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "storefront_number_allocations_total",
			Help: "Customer and order number allocations grouped by counter and result",
		}, []string{"counter", "result"}),
		checkoutOutcomes: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "storefront_checkout_outcomes_total",
			Help: "Order creation attempts grouped by outcome",
		}, []string{"outcome"}),
		checkoutDuration: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "storefront_checkout_duration_seconds",
			Help:    "Duration of order creation including compensation",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}),
		removedLineItems: registerCounter(registerer, prometheus.CounterOpts{
			Name: "storefront_checkout_removed_line_items_total",
			Help: "Line items removed from carts after the backend reported them unavailable",
		}),
		outboxEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "storefront_outbox_events_total",
			Help: "Events enqueued into the transactional outbox",
		}),
	}
}

func registerCounter(registerer prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	return register(registerer, opts.Name, prometheus.NewCounter(opts))
}

func registerCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	return register(registerer, opts.Name, prometheus.NewCounterVec(opts, labels))
}

func registerHistogram(registerer prometheus.Registerer, opts prometheus.HistogramOpts) prometheus.Histogram {
	return register(registerer, opts.Name, prometheus.NewHistogram(opts))
}

// register возвращает уже зарегистрированный коллектор с тем же именем вместо ошибки.
func register[C prometheus.Collector](registerer prometheus.Registerer, name string, collector C) C {
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(C)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", name))
			}
			return existing
		}
		panic(fmt.Sprintf("register collector %q: %v", name, err))
	}
	return collector
}

// RecordWrite учитывает одну условную запись.
func (m *StorefrontMetrics) RecordWrite(aggregate, result string) {
	if m == nil {
		return
	}
	m.mutationWrites.WithLabelValues(aggregate, result).Inc()
}

// RecordRetry учитывает повтор записи после конфликта.
func (m *StorefrontMetrics) RecordRetry(aggregate string) {
	if m == nil {
		return
	}
	m.mutationRetries.WithLabelValues(aggregate).Inc()
}

// RecordRetryExhausted учитывает повтор, который тоже получил конфликт.
func (m *StorefrontMetrics) RecordRetryExhausted(aggregate string) {
	if m == nil {
		return
	}
	m.retryExhausted.WithLabelValues(aggregate).Inc()
}

// RecordAllocation учитывает выдачу номера из счётчика.
func (m *StorefrontMetrics) RecordAllocation(counter, result string) {
	if m == nil {
		return
	}
	m.allocations.WithLabelValues(counter, result).Inc()
}

// RecordCheckout учитывает исход оформления заказа и его длительность.
func (m *StorefrontMetrics) RecordCheckout(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.checkoutOutcomes.WithLabelValues(outcome).Inc()
	m.checkoutDuration.Observe(duration.Seconds())
}

// RecordRemovedLineItems учитывает позиции, убранные компенсацией.
func (m *StorefrontMetrics) RecordRemovedLineItems(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.removedLineItems.Add(float64(n))
}

// RecordOutboxEvent увеличивает счётчик событий outbox.
func (m *StorefrontMetrics) RecordOutboxEvent() {
	if m == nil {
		return
	}
	m.outboxEvents.Inc()
}
