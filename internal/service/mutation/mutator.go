package mutation

import (
	"context"
	"fmt"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// Backend читает версионируемый агрегат и пишет его условной записью.
// domain.CartRepository, domain.CustomerRepository и domain.OrderRepository ему удовлетворяют.
type Backend[T domain.Aggregate, A any] interface {
	Get(ctx context.Context, id string) (T, error)
	Update(ctx context.Context, id string, version int64, actions []A) (T, error)
}

// Mutator применяет описание обновления к агрегату с одним повтором при конфликте.
// Не хранит состояния между вызовами и безопасен для конкурентного использования.
type Mutator[T domain.Aggregate, A any] struct {
	kind    domain.AggregateKind
	backend Backend[T, A]
	retrier *Retrier
}

// New создаёт Mutator для агрегатов вида kind.
func New[T domain.Aggregate, A any](kind domain.AggregateKind, backend Backend[T, A], options ...Option) *Mutator[T, A] {
	return &Mutator[T, A]{
		kind:    kind,
		backend: backend,
		retrier: NewRetrier(options...),
	}
}

// Mutate выполняет условную запись actions на известной версии aggregate.
//
// Пустой список действий возвращает aggregate без обращений к backend.
// При конфликте агрегат перечитывается и те же действия записываются на свежей версии;
// результат второй записи возвращается как есть.
func (m *Mutator[T, A]) Mutate(ctx context.Context, aggregate T, actions []A) (T, error) {
	if len(actions) == 0 {
		return aggregate, nil
	}

	id := aggregate.AggregateID()
	version := aggregate.AggregateVersion()

	var result T
	err := m.retrier.RetryOnConflict(ctx, m.kind, id, func(ctx context.Context, attempt int) error {
		if attempt > 1 {
			fresh, err := m.backend.Get(ctx, id)
			if err != nil {
				if domain.IsNotFound(err) {
					return fmt.Errorf("%s %q disappeared before retry: %w", m.kind, id, err)
				}
				return fmt.Errorf("refetch %s %q: %w", m.kind, id, err)
			}
			version = fresh.AggregateVersion()
		}

		updated, err := m.backend.Update(ctx, id, version, actions)
		if err != nil {
			return err
		}
		result = updated
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}

	return result, nil
}
