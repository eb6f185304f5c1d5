package customer_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/service/customer"
	"github.com/vladislavdragonenkov/storefront/internal/service/numbering"
	"github.com/vladislavdragonenkov/storefront/internal/service/outbox"
	"github.com/vladislavdragonenkov/storefront/internal/storage/memory"
)

func loggerForTests() *logrus.Entry {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	return logger.WithField("component", "test")
}

type fixture struct {
	repo    domain.CustomerRepository
	outbox  interface{ AllPending() []domain.OutboxMessage }
	service *customer.Service
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	logger := loggerForTests()
	repo := memory.NewCustomerRepository()
	outboxRepo := memory.NewOutboxRepository()
	allocator := numbering.NewAllocator(memory.NewCustomObjectRepository(), nil, numbering.WithLogger(logger))

	service := customer.NewService(repo, allocator,
		customer.WithLogger(logger),
		customer.WithEvents(outbox.NewEmitter(outboxRepo, logger, nil)),
	)

	return fixture{repo: repo, outbox: outboxRepo, service: service}
}

func TestSignUp_AllocatesCustomerNumbers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first, err := f.service.SignUp(ctx, domain.CustomerDraft{Email: "ada@example.com", Password: "secret-1", FirstName: "Ada"})
	require.NoError(t, err)
	second, err := f.service.SignUp(ctx, domain.CustomerDraft{Email: "bob@example.com", Password: "secret-2"})
	require.NoError(t, err)

	assert.Equal(t, "1001", first.CustomerNumber)
	assert.Equal(t, "1002", second.CustomerNumber)

	pending := f.outbox.AllPending()
	require.Len(t, pending, 2)
	assert.Equal(t, domain.EventCustomerSignedUp, pending[0].EventType)
}

func TestSignUp_DuplicateEmail(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.service.SignUp(ctx, domain.CustomerDraft{Email: "ada@example.com", Password: "secret-1"})
	require.NoError(t, err)
	_, err = f.service.SignUp(ctx, domain.CustomerDraft{Email: "ADA@example.com", Password: "secret-1"})
	require.ErrorIs(t, err, domain.ErrDuplicateEmail)
	assert.Len(t, f.outbox.AllPending(), 1)
}

func TestSignUp_InvalidDraftAllocatesNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.service.SignUp(ctx, domain.CustomerDraft{Email: "not-an-email", Password: "secret-1"})
	var validation *domain.ValidationError
	require.True(t, errors.As(err, &validation))

	created, err := f.service.SignUp(ctx, domain.CustomerDraft{Email: "ok@example.com", Password: "secret-1"})
	require.NoError(t, err)
	assert.Equal(t, "1001", created.CustomerNumber)
}

func TestLogin(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	created, err := f.service.SignUp(ctx, domain.CustomerDraft{Email: "ada@example.com", Password: "secret-1"})
	require.NoError(t, err)

	logged, err := f.service.Login(ctx, "ada@example.com", "secret-1")
	require.NoError(t, err)
	require.NotNil(t, logged)
	assert.Equal(t, created.ID, logged.ID)

	absent, err := f.service.Login(ctx, "ada@example.com", "wrong-password")
	require.NoError(t, err)
	assert.Nil(t, absent)

	ctxCanceled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = f.service.Login(ctxCanceled, "ada@example.com", "secret-1")
	require.ErrorIs(t, err, context.Canceled)
}

func TestAddressLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c, err := f.service.SignUp(ctx, domain.CustomerDraft{Email: "ada@example.com", Password: "secret-1"})
	require.NoError(t, err)

	c, err = f.service.AddAddress(ctx, c, domain.Address{City: "Berlin", Country: "DE"})
	require.NoError(t, err)
	require.Len(t, c.Addresses, 1)
	addressID := c.Addresses[0].ID
	require.NotEmpty(t, addressID)

	c, err = f.service.ChangeAddress(ctx, c, addressID, domain.Address{City: "Munich", Country: "DE"})
	require.NoError(t, err)
	address, ok := c.Address(addressID)
	require.True(t, ok)
	assert.Equal(t, "Munich", address.City)

	c, err = f.service.RemoveAddress(ctx, c, addressID)
	require.NoError(t, err)
	assert.Empty(t, c.Addresses)
	assert.Equal(t, int64(4), c.Version)
}

func TestChangeData_RetriesOnConflict(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c, err := f.service.SignUp(ctx, domain.CustomerDraft{Email: "ada@example.com", Password: "secret-1"})
	require.NoError(t, err)

	_, err = f.repo.Update(ctx, c.ID, c.Version, []domain.CustomerAction{domain.AddAddress(domain.Address{Country: "DE"})})
	require.NoError(t, err)

	updated, err := f.service.ChangeData(ctx, c, "Ada", "Lovelace", "lovelace@example.com")
	require.NoError(t, err)
	assert.Equal(t, int64(3), updated.Version)
	assert.Equal(t, "Lovelace", updated.LastName)
	assert.Len(t, updated.Addresses, 1, "concurrent change must be kept")

	found, err := f.service.GetByEmail(ctx, "lovelace@example.com")
	require.NoError(t, err)
	assert.Equal(t, c.ID, found.ID)

	_, err = f.service.GetByEmail(ctx, "ada@example.com")
	assert.True(t, domain.IsNotFound(err))
}

func TestChangePassword(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c, err := f.service.SignUp(ctx, domain.CustomerDraft{Email: "ada@example.com", Password: "secret-1"})
	require.NoError(t, err)

	_, err = f.service.ChangePassword(ctx, c, "wrong-1", "secret-2")
	require.ErrorIs(t, err, domain.ErrInvalidCredentials)

	_, err = f.service.ChangePassword(ctx, c, "secret-1", "123")
	var validation *domain.ValidationError
	require.True(t, errors.As(err, &validation))

	updated, err := f.service.ChangePassword(ctx, c, "secret-1", "secret-2")
	require.NoError(t, err)
	assert.Equal(t, c.Version+1, updated.Version)

	logged, err := f.service.Login(ctx, "ada@example.com", "secret-2")
	require.NoError(t, err)
	require.NotNil(t, logged)
}

func TestChangePassword_RetriesOnConflict(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c, err := f.service.SignUp(ctx, domain.CustomerDraft{Email: "ada@example.com", Password: "secret-1"})
	require.NoError(t, err)

	_, err = f.repo.Update(ctx, c.ID, c.Version, []domain.CustomerAction{domain.ChangeName("Ada", "Lovelace")})
	require.NoError(t, err)

	updated, err := f.service.ChangePassword(ctx, c, "secret-1", "secret-2")
	require.NoError(t, err)
	assert.Equal(t, int64(3), updated.Version)
	assert.Equal(t, "Lovelace", updated.LastName)
}

func TestPasswordReset(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c, err := f.service.SignUp(ctx, domain.CustomerDraft{Email: "ada@example.com", Password: "secret-1"})
	require.NoError(t, err)

	missing, err := f.service.CreatePasswordToken(ctx, "nobody@example.com")
	require.NoError(t, err)
	assert.Nil(t, missing)

	token, err := f.service.CreatePasswordToken(ctx, "ada@example.com")
	require.NoError(t, err)
	require.NotNil(t, token)
	assert.Equal(t, c.ID, token.CustomerID)
	assert.WithinDuration(t, time.Now().Add(domain.PasswordTokenTTL), token.ExpiresAt, time.Minute)

	unknown, err := f.service.GetByToken(ctx, "not-a-token")
	require.NoError(t, err)
	assert.Nil(t, unknown)

	owner, err := f.service.GetByToken(ctx, token.Value)
	require.NoError(t, err)
	require.NotNil(t, owner)
	assert.Equal(t, c.ID, owner.ID)

	_, err = f.service.ResetPassword(ctx, *owner, "not-a-token", "secret-3")
	require.ErrorIs(t, err, domain.ErrInvalidToken)
	assert.Equal(t, domain.FailureInvalidCredentials, domain.Classify(err))

	reset, err := f.service.ResetPassword(ctx, *owner, token.Value, "secret-3")
	require.NoError(t, err)
	assert.Equal(t, owner.Version+1, reset.Version)

	logged, err := f.service.Login(ctx, "ada@example.com", "secret-3")
	require.NoError(t, err)
	require.NotNil(t, logged)

	used, err := f.service.GetByToken(ctx, token.Value)
	require.NoError(t, err)
	assert.Nil(t, used, "token is single use")
}

func TestPasswordToken_CustomTTL(t *testing.T) {
	ctx := context.Background()
	logger := loggerForTests()
	service := customer.NewService(memory.NewCustomerRepository(),
		numbering.NewAllocator(memory.NewCustomObjectRepository(), nil, numbering.WithLogger(logger)),
		customer.WithLogger(logger),
		customer.WithPasswordTokenTTL(time.Millisecond),
	)
	_, err := service.SignUp(ctx, domain.CustomerDraft{Email: "ada@example.com", Password: "secret-1"})
	require.NoError(t, err)

	token, err := service.CreatePasswordToken(ctx, "ada@example.com")
	require.NoError(t, err)
	require.NotNil(t, token)
	time.Sleep(5 * time.Millisecond)

	expired, err := service.GetByToken(ctx, token.Value)
	require.NoError(t, err)
	assert.Nil(t, expired)
}
