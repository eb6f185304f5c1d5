package numbering_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/service/numbering"
	"github.com/vladislavdragonenkov/storefront/internal/storage/memory"
)

func loggerForTests() *logrus.Entry {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	return logger.WithField("component", "test")
}

// countingObjects считает условные записи и может подставить конфликт перед записью.
type countingObjects struct {
	domain.CustomObjectRepository

	mu       sync.Mutex
	puts     int
	versions []int64
	// beforePut вызывается перед первой записью (для имитации конкурента).
	beforePut func()
}

func (c *countingObjects) Put(ctx context.Context, container, key string, value json.RawMessage, expected int64) (domain.CustomObject, error) {
	c.mu.Lock()
	c.puts++
	c.versions = append(c.versions, expected)
	hook := c.beforePut
	c.beforePut = nil
	c.mu.Unlock()

	if hook != nil {
		hook()
	}
	return c.CustomObjectRepository.Put(ctx, container, key, value, expected)
}

// mapScope реализует ScopedNumbers поверх map.
type mapScope struct {
	mu     sync.Mutex
	values map[string]string
	err    error
	// beforeStore имитирует конкурента, успевшего закрепить свой номер.
	beforeStore func() string
}

func (s *mapScope) StoredNumber(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", false, s.err
	}
	v, ok := s.values[key]
	return v, ok, nil
}

func (s *mapScope) StoreNumber(_ context.Context, key, number string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.values == nil {
		s.values = make(map[string]string)
	}
	if existing, ok := s.values[key]; ok {
		return existing, nil
	}
	if s.beforeStore != nil {
		s.values[key] = s.beforeStore()
		s.beforeStore = nil
		return s.values[key], nil
	}
	s.values[key] = number
	return number, nil
}

func persisted(t *testing.T, repo domain.CustomObjectRepository, key string) int64 {
	t.Helper()
	obj, err := repo.Get(context.Background(), numbering.CounterContainer, key)
	require.NoError(t, err)
	var v int64
	require.NoError(t, json.Unmarshal(obj.Value, &v))
	return v
}

func TestAllocateNext_SequentialFromInitial(t *testing.T) {
	ctx := context.Background()
	objects := &countingObjects{CustomObjectRepository: memory.NewCustomObjectRepository()}
	allocator := numbering.NewAllocator(objects, nil, numbering.WithLogger(loggerForTests()))

	first, err := allocator.AllocateNext(ctx, numbering.OrderNumbers)
	require.NoError(t, err)
	second, err := allocator.AllocateNext(ctx, numbering.OrderNumbers)
	require.NoError(t, err)

	assert.Equal(t, int64(10001), first)
	assert.Equal(t, int64(10002), second)
	assert.Equal(t, int64(10002), persisted(t, objects, numbering.OrderNumbers.Key))
	assert.Equal(t, []int64{domain.VersionAbsent, 1}, objects.versions)
}

func TestAllocateNext_ConcurrentCreatorRetriesOnFreshValue(t *testing.T) {
	ctx := context.Background()
	backend := memory.NewCustomObjectRepository()
	objects := &countingObjects{CustomObjectRepository: backend}
	objects.beforePut = func() {
		// Другой экземпляр успел создать счётчик раньше нас.
		_, err := backend.Put(ctx, numbering.CounterContainer, numbering.CustomerNumbers.Key, json.RawMessage(`1001`), domain.VersionAbsent)
		require.NoError(t, err)
	}
	allocator := numbering.NewAllocator(objects, nil, numbering.WithLogger(loggerForTests()))

	number, err := allocator.AllocateCustomerNumber(ctx)
	require.NoError(t, err)

	assert.Equal(t, "1002", number)
	assert.Equal(t, 2, objects.puts)
	assert.Equal(t, int64(1002), persisted(t, backend, numbering.CustomerNumbers.Key))
}

func TestAllocateNext_SecondConflictExhausts(t *testing.T) {
	ctx := context.Background()
	allocator := numbering.NewAllocator(conflictingObjects{}, nil, numbering.WithLogger(loggerForTests()))

	_, err := allocator.AllocateNext(ctx, numbering.OrderNumbers)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrRetryExhausted))
	assert.True(t, domain.IsConcurrentModification(err))
}

type conflictingObjects struct{}

func (conflictingObjects) Get(context.Context, string, string) (domain.CustomObject, error) {
	return domain.CustomObject{Version: 3, Value: json.RawMessage(`10005`)}, nil
}

func (conflictingObjects) Put(_ context.Context, container, key string, _ json.RawMessage, expected int64) (domain.CustomObject, error) {
	return domain.CustomObject{}, domain.ConflictError(domain.KindCustomObject, container+"/"+key, expected)
}

func TestAllocateNext_CustomInitialValues(t *testing.T) {
	allocator := numbering.NewAllocator(memory.NewCustomObjectRepository(), nil,
		numbering.WithLogger(loggerForTests()),
		numbering.WithCounters(numbering.Counter{Key: "orders", Initial: 500}, numbering.Counter{Key: "customers", Initial: 7}),
	)

	number, err := allocator.AllocateCustomerNumber(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "8", number)
}

func TestAllocateForKey_Idempotent(t *testing.T) {
	ctx := context.Background()
	objects := &countingObjects{CustomObjectRepository: memory.NewCustomObjectRepository()}
	scope := &mapScope{}
	allocator := numbering.NewAllocator(objects, scope, numbering.WithLogger(loggerForTests()))

	first, err := allocator.AllocateOrderNumber(ctx, "cartA")
	require.NoError(t, err)
	again, err := allocator.AllocateForKey(ctx, scope, "cartA", numbering.OrderNumbers)
	require.NoError(t, err)
	other, err := allocator.AllocateOrderNumber(ctx, "cartB")
	require.NoError(t, err)

	assert.Equal(t, "10001", first)
	assert.Equal(t, first, again)
	assert.Equal(t, "10002", other)
	assert.Equal(t, 2, objects.puts)
}

func TestAllocateForKey_ConcurrentStoreKeepsFirstNumber(t *testing.T) {
	ctx := context.Background()
	objects := &countingObjects{CustomObjectRepository: memory.NewCustomObjectRepository()}
	scope := &mapScope{beforeStore: func() string { return "10500" }}
	allocator := numbering.NewAllocator(objects, scope, numbering.WithLogger(loggerForTests()))

	number, err := allocator.AllocateOrderNumber(ctx, "cartA")
	require.NoError(t, err)
	assert.Equal(t, "10500", number, "number stored first wins")

	again, err := allocator.AllocateOrderNumber(ctx, "cartA")
	require.NoError(t, err)
	assert.Equal(t, "10500", again)
	assert.Equal(t, 1, objects.puts, "second call reads the stored number")
}

func TestAllocateForKey_ScopeErrors(t *testing.T) {
	ctx := context.Background()
	objects := &countingObjects{CustomObjectRepository: memory.NewCustomObjectRepository()}
	allocator := numbering.NewAllocator(objects, nil, numbering.WithLogger(loggerForTests()))

	_, err := allocator.AllocateOrderNumber(ctx, "cartA")
	require.Error(t, err)

	lookupErr := errors.New("storage down")
	_, err = allocator.AllocateForKey(ctx, &mapScope{err: lookupErr}, "cartA", numbering.OrderNumbers)
	require.ErrorIs(t, err, lookupErr)
	assert.Zero(t, objects.puts)
}
