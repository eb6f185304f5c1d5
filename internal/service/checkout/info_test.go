package checkout_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/service/checkout"
	"github.com/vladislavdragonenkov/storefront/internal/storage/memory"
)

func TestInfoStore_MergesFields(t *testing.T) {
	ctx := context.Background()
	store := checkout.NewInfoStore(memory.NewCustomObjectRepository(), loggerForTests())

	info, err := store.Get(ctx, "cart-1")
	require.NoError(t, err)
	assert.Equal(t, checkout.Info{}, info)

	require.NoError(t, store.SetPaymentMethod(ctx, "cart-1", "card", "tok_123"))
	require.NoError(t, store.SetOrderNumber(ctx, "cart-1", "10007"))
	require.NoError(t, store.SetPaymentTransaction(ctx, "cart-1", "tx-9"))
	paidAt := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.SetPaymentTimestamp(ctx, "cart-1", paidAt))

	method, token, err := store.PaymentMethod(ctx, "cart-1")
	require.NoError(t, err)
	assert.Equal(t, "card", method)
	assert.Equal(t, "tok_123", token)

	number, ok, err := store.OrderNumber(ctx, "cart-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "10007", number)

	transaction, err := store.PaymentTransaction(ctx, "cart-1")
	require.NoError(t, err)
	assert.Equal(t, "tx-9", transaction)

	ts, ok, err := store.PaymentTimestamp(ctx, "cart-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, ts.Equal(paidAt))
}

func TestInfoStore_AbsentValues(t *testing.T) {
	ctx := context.Background()
	store := checkout.NewInfoStore(memory.NewCustomObjectRepository(), loggerForTests())

	_, ok, err := store.OrderNumber(ctx, "cart-1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = store.PaymentTimestamp(ctx, "cart-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInfoStore_Duplicate(t *testing.T) {
	ctx := context.Background()
	store := checkout.NewInfoStore(memory.NewCustomObjectRepository(), loggerForTests())

	require.NoError(t, store.SetPaymentMethod(ctx, "origin", "paypal", "tok"))
	require.NoError(t, store.SetOrderNumber(ctx, "target", "10001"))
	require.NoError(t, store.Duplicate(ctx, "origin", "target"))

	info, err := store.Get(ctx, "target")
	require.NoError(t, err)
	assert.Equal(t, "paypal", info.PaymentMethod)
	assert.Equal(t, "tok", info.PaymentToken)
	assert.Equal(t, "10001", info.OrderNumber)

	require.NoError(t, store.Duplicate(ctx, "missing", "empty-target"))
	empty, err := store.Get(ctx, "empty-target")
	require.NoError(t, err)
	assert.Equal(t, checkout.Info{}, empty)
}

// racingObjects записывает конкурирующее изменение перед первой записью.
type racingObjects struct {
	domain.CustomObjectRepository
	raced bool
}

func (r *racingObjects) Put(ctx context.Context, container, key string, value json.RawMessage, expected int64) (domain.CustomObject, error) {
	if !r.raced {
		r.raced = true
		if _, err := r.CustomObjectRepository.Put(ctx, container, key, json.RawMessage(`{"paymentMethod":"card"}`), domain.VersionAny); err != nil {
			return domain.CustomObject{}, err
		}
	}
	return r.CustomObjectRepository.Put(ctx, container, key, value, expected)
}

func TestInfoStore_MergeRetriesOnConflict(t *testing.T) {
	ctx := context.Background()
	objects := &racingObjects{CustomObjectRepository: memory.NewCustomObjectRepository()}
	store := checkout.NewInfoStore(objects, loggerForTests())

	require.NoError(t, store.SetOrderNumber(ctx, "cart-1", "10001"))

	info, err := store.Get(ctx, "cart-1")
	require.NoError(t, err)
	assert.Equal(t, "10001", info.OrderNumber)
	assert.Equal(t, "card", info.PaymentMethod, "concurrent write must survive the merge")
}

func TestInfoStore_StoreNumberKeepsFirst(t *testing.T) {
	ctx := context.Background()
	store := checkout.NewInfoStore(memory.NewCustomObjectRepository(), loggerForTests())
	require.NoError(t, store.SetPaymentMethod(ctx, "cart-1", "card", "tok"))

	stored, err := store.StoreNumber(ctx, "cart-1", "10001")
	require.NoError(t, err)
	assert.Equal(t, "10001", stored)

	stored, err = store.StoreNumber(ctx, "cart-1", "10002")
	require.NoError(t, err)
	assert.Equal(t, "10001", stored, "slot is already taken")

	info, err := store.Get(ctx, "cart-1")
	require.NoError(t, err)
	assert.Equal(t, "10001", info.OrderNumber)
	assert.Equal(t, "card", info.PaymentMethod)
}

// numberRacingObjects закрепляет чужой номер заказа перед первой записью.
type numberRacingObjects struct {
	domain.CustomObjectRepository
	raced bool
}

func (r *numberRacingObjects) Put(ctx context.Context, container, key string, value json.RawMessage, expected int64) (domain.CustomObject, error) {
	if !r.raced {
		r.raced = true
		if _, err := r.CustomObjectRepository.Put(ctx, container, key, json.RawMessage(`{"orderNumber":"10007"}`), domain.VersionAny); err != nil {
			return domain.CustomObject{}, err
		}
	}
	return r.CustomObjectRepository.Put(ctx, container, key, value, expected)
}

func TestInfoStore_StoreNumberLosesRace(t *testing.T) {
	ctx := context.Background()
	store := checkout.NewInfoStore(&numberRacingObjects{CustomObjectRepository: memory.NewCustomObjectRepository()}, loggerForTests())

	stored, err := store.StoreNumber(ctx, "cart-1", "10008")
	require.NoError(t, err)
	assert.Equal(t, "10007", stored, "retry sees the concurrent number and keeps it")

	number, ok, err := store.OrderNumber(ctx, "cart-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "10007", number)
}
