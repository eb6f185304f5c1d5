package customer

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
	"github.com/vladislavdragonenkov/storefront/internal/service/mutation"
	"github.com/vladislavdragonenkov/storefront/internal/service/outbox"
)

// Numbers выдаёт номера новых клиентов.
type Numbers interface {
	AllocateCustomerNumber(ctx context.Context) (string, error)
}

// Service регистрирует клиентов, выполняет вход и меняет их данные.
type Service struct {
	repo     domain.CustomerRepository
	mutator  *mutation.Mutator[domain.Customer, domain.CustomerAction]
	numbers  Numbers
	events   *outbox.Emitter
	logger   *log.Entry
	tokenTTL time.Duration
}

// Option настраивает Service.
type Option func(*options)

type options struct {
	logger   *log.Entry
	metrics  *metrics.StorefrontMetrics
	events   *outbox.Emitter
	tokenTTL time.Duration
}

func WithLogger(logger *log.Entry) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func WithMetrics(m *metrics.StorefrontMetrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithEvents включает событие customer.signed_up.
func WithEvents(events *outbox.Emitter) Option {
	return func(o *options) {
		o.events = events
	}
}

// WithPasswordTokenTTL задаёт срок жизни токена сброса пароля.
func WithPasswordTokenTTL(ttl time.Duration) Option {
	return func(o *options) {
		o.tokenTTL = ttl
	}
}

// NewService создаёт сервис клиентов.
func NewService(repo domain.CustomerRepository, numbers Numbers, opts ...Option) *Service {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = log.WithField("component", "customer-service")
	}
	if o.tokenTTL <= 0 {
		o.tokenTTL = domain.PasswordTokenTTL
	}

	mutator := mutation.New[domain.Customer, domain.CustomerAction](domain.KindCustomer, repo,
		mutation.WithLogger(o.logger),
		mutation.WithMetrics(o.metrics),
	)

	return &Service{
		repo:     repo,
		mutator:  mutator,
		numbers:  numbers,
		events:   o.events,
		logger:   o.logger,
		tokenTTL: o.tokenTTL,
	}
}

func (s *Service) Get(ctx context.Context, id string) (domain.Customer, error) {
	return s.repo.Get(ctx, id)
}

// GetByEmail ищет клиента по email; отсутствие даёт ошибку с ErrNotFound.
func (s *Service) GetByEmail(ctx context.Context, email string) (domain.Customer, error) {
	return s.repo.GetByEmail(ctx, email)
}

// SignUp выдаёт номер клиента и регистрирует его. Занятый email даёт ErrDuplicateEmail.
func (s *Service) SignUp(ctx context.Context, draft domain.CustomerDraft) (domain.Customer, error) {
	if err := draft.Validate(); err != nil {
		return domain.Customer{}, err
	}

	number, err := s.numbers.AllocateCustomerNumber(ctx)
	if err != nil {
		return domain.Customer{}, fmt.Errorf("allocate customer number: %w", err)
	}
	draft.CustomerNumber = number

	created, err := s.repo.SignUp(ctx, draft)
	if err != nil {
		if errors.Is(err, domain.ErrDuplicateEmail) {
			s.logger.WithField("customer_number", number).Info("sign up rejected: email already registered")
		}
		return domain.Customer{}, err
	}

	s.logger.WithFields(log.Fields{
		"customer_id":     created.ID,
		"customer_number": created.CustomerNumber,
	}).Info("customer signed up")

	s.events.Emit(ctx, domain.KindCustomer, created.ID, domain.EventCustomerSignedUp, map[string]any{
		"customerId":      created.ID,
		"customerNumber":  created.CustomerNumber,
		"email":           created.Email,
		"anonymousCartId": draft.AnonymousCartID,
	})
	return created, nil
}

// Login проверяет учётные данные. Неверная пара даёт (nil, nil), остальные ошибки возвращаются.
func (s *Service) Login(ctx context.Context, email, password string) (*domain.Customer, error) {
	logged, err := s.repo.Authenticate(ctx, email, password)
	if err != nil {
		if domain.Classify(err) == domain.FailureInvalidCredentials {
			return nil, nil
		}
		return nil, err
	}
	return &logged, nil
}

// Mutate применяет действия к клиенту с одним повтором при конфликте версий.
func (s *Service) Mutate(ctx context.Context, customer domain.Customer, actions []domain.CustomerAction) (domain.Customer, error) {
	return s.mutator.Mutate(ctx, customer, actions)
}

func (s *Service) AddAddress(ctx context.Context, customer domain.Customer, address domain.Address) (domain.Customer, error) {
	return s.Mutate(ctx, customer, []domain.CustomerAction{domain.AddAddress(address)})
}

func (s *Service) ChangeAddress(ctx context.Context, customer domain.Customer, addressID string, address domain.Address) (domain.Customer, error) {
	return s.Mutate(ctx, customer, []domain.CustomerAction{domain.ChangeAddress(addressID, address)})
}

func (s *Service) RemoveAddress(ctx context.Context, customer domain.Customer, addressID string) (domain.Customer, error) {
	return s.Mutate(ctx, customer, []domain.CustomerAction{domain.RemoveAddress(addressID)})
}

// ChangeData меняет имя и email одной записью.
func (s *Service) ChangeData(ctx context.Context, customer domain.Customer, firstName, lastName, email string) (domain.Customer, error) {
	return s.Mutate(ctx, customer, []domain.CustomerAction{
		domain.ChangeName(firstName, lastName),
		domain.ChangeEmail(email),
	})
}

// ChangePassword меняет пароль после проверки текущего. Неверный текущий пароль
// даёт ErrInvalidCredentials; конфликт версий повторяется один раз.
func (s *Service) ChangePassword(ctx context.Context, customer domain.Customer, currentPassword, newPassword string) (domain.Customer, error) {
	updated, err := s.Mutate(ctx, customer, []domain.CustomerAction{domain.ChangePassword(currentPassword, newPassword)})
	if err != nil {
		return domain.Customer{}, err
	}
	s.logger.WithField("customer_id", updated.ID).Info("customer password changed")
	return updated, nil
}

// CreatePasswordToken выпускает токен сброса пароля. Неизвестный email даёт (nil, nil).
func (s *Service) CreatePasswordToken(ctx context.Context, email string) (*domain.PasswordToken, error) {
	token, err := s.repo.CreatePasswordToken(ctx, email, s.tokenTTL)
	if err != nil {
		if domain.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}

	s.logger.WithFields(log.Fields{
		"customer_id": token.CustomerID,
		"expires_at":  token.ExpiresAt,
	}).Info("password reset token created")
	return &token, nil
}

// GetByToken находит владельца действующего токена. Неизвестный или просроченный токен даёт (nil, nil).
func (s *Service) GetByToken(ctx context.Context, token string) (*domain.Customer, error) {
	found, err := s.repo.GetByPasswordToken(ctx, token)
	if err != nil {
		if domain.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return &found, nil
}

// ResetPassword задаёт новый пароль по токену. Токен действует один раз;
// чужой или просроченный токен даёт ErrInvalidToken.
func (s *Service) ResetPassword(ctx context.Context, customer domain.Customer, token, newPassword string) (domain.Customer, error) {
	updated, err := s.Mutate(ctx, customer, []domain.CustomerAction{domain.ResetPassword(token, newPassword)})
	if err != nil {
		return domain.Customer{}, err
	}
	s.logger.WithField("customer_id", updated.ID).Info("customer password reset")
	return updated, nil
}
