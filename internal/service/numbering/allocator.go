package numbering

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
	"github.com/vladislavdragonenkov/storefront/internal/service/mutation"
)

// CounterContainer — container custom objects со счётчиками номеров.
const CounterContainer = "globalInfo"

// Counter описывает счётчик номеров: ключ документа и значение до первой выдачи.
type Counter struct {
	Key     string
	Initial int64
}

var (
	// OrderNumbers — счётчик номеров заказов.
	OrderNumbers = Counter{Key: "lastOrderNumber", Initial: 10000}
	// CustomerNumbers — счётчик номеров клиентов.
	CustomerNumbers = Counter{Key: "lastCustomerNumber", Initial: 1000}
)

// ScopedNumbers хранит уже выданный номер для области (например, корзины).
type ScopedNumbers interface {
	// StoredNumber возвращает номер, ранее сохранённый для scopeKey.
	StoredNumber(ctx context.Context, scopeKey string) (string, bool, error)
	// StoreNumber закрепляет number, если за scopeKey ещё ничего нет, и возвращает
	// закреплённый номер: при гонке это номер, записанный первым.
	StoreNumber(ctx context.Context, scopeKey, number string) (string, error)
}

// Allocator выдаёт монотонно растущие номера из общего счётчика.
type Allocator struct {
	objects   domain.CustomObjectRepository
	scoped    ScopedNumbers
	retrier   *mutation.Retrier
	logger    *log.Entry
	metrics   *metrics.StorefrontMetrics
	orders    Counter
	customers Counter
}

// Option настраивает Allocator.
type Option func(*Allocator)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(a *Allocator) {
		a.logger = logger
	}
}

// WithMetrics задаёт метрики выдачи номеров.
func WithMetrics(m *metrics.StorefrontMetrics) Option {
	return func(a *Allocator) {
		a.metrics = m
	}
}

// WithCounters переопределяет начальные значения счётчиков (из конфигурации).
func WithCounters(orders, customers Counter) Option {
	return func(a *Allocator) {
		a.orders = orders
		a.customers = customers
	}
}

// NewAllocator создаёт Allocator. scoped нужен для AllocateOrderNumber и может быть nil,
// если номера заказов не выдаются.
func NewAllocator(objects domain.CustomObjectRepository, scoped ScopedNumbers, options ...Option) *Allocator {
	a := &Allocator{
		objects:   objects,
		scoped:    scoped,
		orders:    OrderNumbers,
		customers: CustomerNumbers,
	}
	for _, option := range options {
		option(a)
	}
	if a.logger == nil {
		a.logger = log.WithField("component", "number-allocator")
	}
	a.retrier = mutation.NewRetrier(mutation.WithLogger(a.logger), mutation.WithMetrics(a.metrics))
	return a
}

// AllocateNext выдаёт следующий номер счётчика.
//
// Отсутствующий документ создаётся условием "ещё не существует": при гонке двух
// создателей проигравший получает конфликт и на повторе читает свежее значение.
func (a *Allocator) AllocateNext(ctx context.Context, counter Counter) (int64, error) {
	var allocated int64
	err := a.retrier.RetryOnConflict(ctx, domain.KindCustomObject, CounterContainer+"/"+counter.Key, func(ctx context.Context, _ int) error {
		last, version, err := a.read(ctx, counter)
		if err != nil {
			return err
		}

		next := last + 1
		value, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("marshal counter %s: %w", counter.Key, err)
		}
		if _, err := a.objects.Put(ctx, CounterContainer, counter.Key, value, version); err != nil {
			return err
		}
		allocated = next
		return nil
	})
	if err != nil {
		a.metrics.RecordAllocation(counter.Key, metrics.ResultError)
		return 0, err
	}

	a.metrics.RecordAllocation(counter.Key, metrics.ResultSuccess)
	a.logger.WithFields(log.Fields{
		"counter": counter.Key,
		"number":  allocated,
	}).Debug("number allocated")
	return allocated, nil
}

// read возвращает последнее выданное значение и версию для условной записи.
func (a *Allocator) read(ctx context.Context, counter Counter) (int64, int64, error) {
	obj, err := a.objects.Get(ctx, CounterContainer, counter.Key)
	if err != nil {
		if domain.IsNotFound(err) {
			return counter.Initial, domain.VersionAbsent, nil
		}
		return 0, 0, fmt.Errorf("read counter %s: %w", counter.Key, err)
	}

	var last int64
	if err := json.Unmarshal(obj.Value, &last); err != nil {
		return 0, 0, fmt.Errorf("decode counter %s: %w", counter.Key, err)
	}
	return last, obj.Version, nil
}

// AllocateForKey возвращает номер, уже закреплённый за scopeKey, либо выдаёт новый и закрепляет его.
func (a *Allocator) AllocateForKey(ctx context.Context, scope ScopedNumbers, scopeKey string, counter Counter) (string, error) {
	if scope == nil {
		return "", fmt.Errorf("allocate %s for %q: scoped storage is not configured", counter.Key, scopeKey)
	}

	stored, ok, err := scope.StoredNumber(ctx, scopeKey)
	if err != nil {
		return "", fmt.Errorf("lookup number for %q: %w", scopeKey, err)
	}
	if ok {
		return stored, nil
	}

	next, err := a.AllocateNext(ctx, counter)
	if err != nil {
		return "", err
	}
	number := strconv.FormatInt(next, 10)
	stored, err = scope.StoreNumber(ctx, scopeKey, number)
	if err != nil {
		return "", fmt.Errorf("store number for %q: %w", scopeKey, err)
	}
	if stored != number {
		a.logger.WithFields(log.Fields{
			"counter":   counter.Key,
			"scope_key": scopeKey,
			"number":    stored,
			"discarded": number,
		}).Debug("number already assigned concurrently")
	}
	return stored, nil
}

// AllocateCustomerNumber выдаёт номер нового клиента.
func (a *Allocator) AllocateCustomerNumber(ctx context.Context) (string, error) {
	next, err := a.AllocateNext(ctx, a.customers)
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(next, 10), nil
}

// AllocateOrderNumber выдаёт номер заказа для корзины; повторный вызов для той же корзины
// возвращает тот же номер.
func (a *Allocator) AllocateOrderNumber(ctx context.Context, cartID string) (string, error) {
	return a.AllocateForKey(ctx, a.scoped, cartID, a.orders)
}
