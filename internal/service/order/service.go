package order

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
	"github.com/vladislavdragonenkov/storefront/internal/service/mutation"
)

// defaultListLimit ограничивает историю заказов клиента, если limit не задан.
const defaultListLimit = 50

// Service читает заказы и меняет состояние оплаты.
type Service struct {
	repo    domain.OrderRepository
	mutator *mutation.Mutator[domain.Order, domain.OrderAction]
	logger  *log.Entry
}

// NewService создаёт сервис заказов. m может быть nil.
func NewService(repo domain.OrderRepository, logger *log.Entry, m *metrics.StorefrontMetrics) *Service {
	if logger == nil {
		logger = log.WithField("component", "order-service")
	}
	return &Service{
		repo:    repo,
		mutator: mutation.New[domain.Order, domain.OrderAction](domain.KindOrder, repo, mutation.WithLogger(logger), mutation.WithMetrics(m)),
		logger:  logger,
	}
}

func (s *Service) Get(ctx context.Context, id string) (domain.Order, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) GetByOrderNumber(ctx context.Context, orderNumber string) (domain.Order, error) {
	return s.repo.GetByOrderNumber(ctx, orderNumber)
}

// ListByCustomer возвращает заказы клиента, новые первыми.
func (s *Service) ListByCustomer(ctx context.Context, customerID string, limit int) ([]domain.Order, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	return s.repo.ListByCustomer(ctx, customerID, limit)
}

// SetPaymentState меняет состояние оплаты с одним повтором при конфликте версий.
func (s *Service) SetPaymentState(ctx context.Context, order domain.Order, state domain.PaymentState) (domain.Order, error) {
	if !state.Valid() {
		return domain.Order{}, domain.NewValidationError("paymentState", "unknown state "+string(state))
	}
	if order.PaymentState == state {
		return order, nil
	}

	updated, err := s.mutator.Mutate(ctx, order, []domain.OrderAction{domain.SetPaymentState(state)})
	if err != nil {
		return domain.Order{}, err
	}

	s.logger.WithFields(log.Fields{
		"order_id":      updated.ID,
		"payment_state": updated.PaymentState,
	}).Info("payment state changed")
	return updated, nil
}
