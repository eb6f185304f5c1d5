package mutation_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
	"github.com/vladislavdragonenkov/storefront/internal/service/mutation"
)

// scriptedBackend отдаёт заранее заданные результаты Update и считает вызовы.
type scriptedBackend struct {
	mu        sync.Mutex
	current   domain.Cart
	getErr    error
	writes    []error
	gets      int
	updates   int
	versions  []int64
	lastApply []domain.CartAction
}

func (b *scriptedBackend) Get(_ context.Context, id string) (domain.Cart, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gets++
	if b.getErr != nil {
		return domain.Cart{}, b.getErr
	}
	return b.current, nil
}

func (b *scriptedBackend) Update(_ context.Context, id string, version int64, actions []domain.CartAction) (domain.Cart, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.updates++
	b.versions = append(b.versions, version)
	b.lastApply = actions

	var err error
	if len(b.writes) > 0 {
		err, b.writes = b.writes[0], b.writes[1:]
	}
	if err != nil {
		return domain.Cart{}, err
	}

	next, applyErr := domain.ApplyCartActions(b.current, actions, func() string { return "li-new" }, time.Now())
	if applyErr != nil {
		return domain.Cart{}, applyErr
	}
	next.Version = version + 1
	b.current = next
	return next, nil
}

func loggerForTests() *logrus.Entry {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: false, DisableTimestamp: true})
	logger.SetLevel(logrus.DebugLevel)
	return logger.WithField("component", "test")
}

func cartAt(version int64) domain.Cart {
	return domain.Cart{
		ID:       "cart-1",
		Version:  version,
		Currency: "EUR",
		State:    domain.CartStateActive,
		LineItems: []domain.LineItem{
			{ID: "li-1", ProductID: "p-1", VariantID: 1, Quantity: 1, Price: domain.Money{CentAmount: 100, Currency: "EUR"}},
		},
	}
}

func newMutator(backend *scriptedBackend) *mutation.Mutator[domain.Cart, domain.CartAction] {
	return mutation.New[domain.Cart, domain.CartAction](domain.KindCart, backend,
		mutation.WithLogger(loggerForTests()),
		mutation.WithMetrics(metrics.NewStorefrontMetricsWithRegisterer(prometheus.NewRegistry())),
	)
}

func TestMutate_EmptyActionsIsNoop(t *testing.T) {
	backend := &scriptedBackend{current: cartAt(3)}
	local := cartAt(3)

	got, err := newMutator(backend).Mutate(context.Background(), local, nil)
	require.NoError(t, err)
	require.Equal(t, local, got)
	require.Zero(t, backend.gets)
	require.Zero(t, backend.updates)

	got, err = newMutator(backend).Mutate(context.Background(), local, []domain.CartAction{})
	require.NoError(t, err)
	require.Equal(t, local, got)
	require.Zero(t, backend.updates)
}

func TestMutate_SuccessOnFirstWrite(t *testing.T) {
	backend := &scriptedBackend{current: cartAt(3)}

	got, err := newMutator(backend).Mutate(context.Background(), cartAt(3), []domain.CartAction{domain.SetLineItemQuantity("li-1", 4)})
	require.NoError(t, err)
	require.Equal(t, int64(4), got.Version)
	require.Equal(t, 4, got.LineItems[0].Quantity)
	require.Equal(t, 1, backend.updates)
	require.Zero(t, backend.gets)
}

func TestMutate_SingleRetryOnConflict(t *testing.T) {
	// Локальная копия отстала: в backend уже версия 5.
	backend := &scriptedBackend{
		current: cartAt(5),
		writes:  []error{domain.ConflictError(domain.KindCart, "cart-1", 3), nil},
	}
	actions := []domain.CartAction{domain.SetLineItemQuantity("li-1", 2)}

	got, err := newMutator(backend).Mutate(context.Background(), cartAt(3), actions)
	require.NoError(t, err)
	require.Equal(t, 1, backend.gets, "exactly one refetch")
	require.Equal(t, 2, backend.updates, "exactly one retry write")
	require.Equal(t, []int64{3, 5}, backend.versions, "retry uses the refetched version")
	require.Equal(t, actions, backend.lastApply, "retry reapplies the same actions")
	require.Equal(t, int64(6), got.Version)
	require.Equal(t, 2, got.LineItems[0].Quantity)
}

func TestMutate_RetryExhausted(t *testing.T) {
	backend := &scriptedBackend{
		current: cartAt(5),
		writes: []error{
			domain.ConflictError(domain.KindCart, "cart-1", 3),
			domain.ConflictError(domain.KindCart, "cart-1", 5),
			nil,
		},
	}

	_, err := newMutator(backend).Mutate(context.Background(), cartAt(3), []domain.CartAction{domain.SetCountry("DE")})
	require.ErrorIs(t, err, domain.ErrRetryExhausted)
	require.ErrorIs(t, err, domain.ErrConcurrentModification)
	require.Equal(t, domain.FailureConcurrentModification, domain.Classify(err))
	require.Equal(t, 2, backend.updates, "no third attempt")
	require.Equal(t, 1, backend.gets)
}

func TestMutate_NonConflictErrorsNeverRetried(t *testing.T) {
	cases := map[string]error{
		"validation": domain.NewValidationError("quantity", "must be non-negative"),
		"not found":  domain.NotFoundError(domain.KindCart, "cart-1"),
		"other":      errors.New("backend rate limited"),
	}

	for name, writeErr := range cases {
		t.Run(name, func(t *testing.T) {
			backend := &scriptedBackend{current: cartAt(3), writes: []error{writeErr}}

			_, err := newMutator(backend).Mutate(context.Background(), cartAt(3), []domain.CartAction{domain.SetCountry("DE")})
			require.ErrorIs(t, err, writeErr)
			require.NotErrorIs(t, err, domain.ErrRetryExhausted)
			require.Equal(t, 1, backend.updates)
			require.Zero(t, backend.gets)
		})
	}
}

func TestMutate_AggregateVanishedBeforeRetry(t *testing.T) {
	backend := &scriptedBackend{
		current: cartAt(3),
		getErr:  domain.NotFoundError(domain.KindCart, "cart-1"),
		writes:  []error{domain.ConflictError(domain.KindCart, "cart-1", 3)},
	}

	_, err := newMutator(backend).Mutate(context.Background(), cartAt(3), []domain.CartAction{domain.SetCountry("DE")})
	require.ErrorIs(t, err, domain.ErrNotFound)
	require.Contains(t, err.Error(), "cart-1")
	require.Equal(t, 1, backend.updates, "no retry write after the aggregate disappeared")
}

func TestMutate_RetryReturnsSecondFailureAsIs(t *testing.T) {
	validation := domain.NewValidationError("lineItemId", "unknown line item li-1")
	backend := &scriptedBackend{
		current: cartAt(5),
		writes:  []error{domain.ConflictError(domain.KindCart, "cart-1", 3), validation},
	}

	_, err := newMutator(backend).Mutate(context.Background(), cartAt(3), []domain.CartAction{domain.RemoveLineItem("li-1")})
	require.ErrorIs(t, err, validation)
	require.NotErrorIs(t, err, domain.ErrRetryExhausted)
}

func TestMutate_CanceledContext(t *testing.T) {
	backend := &scriptedBackend{current: cartAt(3)}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newMutator(backend).Mutate(ctx, cartAt(3), []domain.CartAction{domain.SetCountry("DE")})
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, backend.updates)
}

func TestRetryOnConflict_RecomputesOnRetry(t *testing.T) {
	retrier := mutation.NewRetrier(mutation.WithLogger(loggerForTests()))

	var seen []int
	err := retrier.RetryOnConflict(context.Background(), domain.KindCustomObject, "globalInfo/lastOrderNumber",
		func(_ context.Context, attempt int) error {
			seen = append(seen, attempt)
			if attempt == 1 {
				return fmt.Errorf("put counter: %w", domain.ErrConcurrentModification)
			}
			return nil
		})

	require.NoError(t, err)
	require.Equal(t, []int{1, 2}, seen)
}
