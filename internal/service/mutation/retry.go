package mutation

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
)

// maxAttempts — первая запись и ровно один повтор после конфликта.
const maxAttempts = 2

// Attempt выполняет одну попытку операции. attempt начинается с 1;
// на повторе функция сама перечитывает состояние из backend.
type Attempt func(ctx context.Context, attempt int) error

// Options задаёт параметры Retrier.
type Options struct {
	Logger  *log.Entry
	Metrics *metrics.StorefrontMetrics
}

// Option настраивает Retrier и Mutator.
type Option func(*Options)

// WithLogger задаёт logger для решений о повторе.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithMetrics задаёт метрики условных записей.
func WithMetrics(m *metrics.StorefrontMetrics) Option {
	return func(opts *Options) {
		opts.Metrics = m
	}
}

// Retrier повторяет операцию один раз при конфликте версий.
// Любая другая ошибка возвращается без изменений и без повтора.
type Retrier struct {
	logger  *log.Entry
	metrics *metrics.StorefrontMetrics
}

// NewRetrier создаёт Retrier.
func NewRetrier(options ...Option) *Retrier {
	var opts Options
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "retrying-mutator")
	}

	return &Retrier{logger: logger, metrics: opts.Metrics}
}

// RetryOnConflict выполняет fn; при конфликте версий выполняет её ровно ещё один раз.
// Второй конфликт превращается в ErrRetryExhausted (errors.Is для конфликта остаётся true).
func (r *Retrier) RetryOnConflict(ctx context.Context, kind domain.AggregateKind, id string, fn Attempt) error {
	label := string(kind)

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx, attempt)
		if err == nil {
			r.metrics.RecordWrite(label, metrics.ResultSuccess)
			if attempt > 1 {
				r.logger.WithFields(log.Fields{
					"aggregate":    label,
					"aggregate_id": id,
				}).Debug("write succeeded after retry")
			}
			return nil
		}

		if !domain.IsConcurrentModification(err) {
			r.metrics.RecordWrite(label, metrics.ResultError)
			return err
		}

		r.metrics.RecordWrite(label, metrics.ResultConflict)
		if attempt >= maxAttempts {
			r.metrics.RecordRetryExhausted(label)
			return fmt.Errorf("%w: %s %q: %w", domain.ErrRetryExhausted, kind, id, err)
		}

		r.metrics.RecordRetry(label)
		r.logger.WithError(err).WithFields(log.Fields{
			"aggregate":    label,
			"aggregate_id": id,
			"attempt":      attempt,
		}).Warn("concurrent modification, refetching and retrying once")
	}
}
