package checkout

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

// OrderNumbers выдаёт номер заказа, закреплённый за корзиной.
type OrderNumbers interface {
	AllocateOrderNumber(ctx context.Context, cartID string) (string, error)
}

// CartMutator пишет корзину условной записью с одним повтором при конфликте.
type CartMutator interface {
	Mutate(ctx context.Context, cart domain.Cart, actions []domain.CartAction) (domain.Cart, error)
}

// OrderOutcome — результат оформления заказа.
// Order == nil означает, что заказ не создан: корзина исправлена и клиент должен подтвердить её заново.
type OrderOutcome struct {
	Order              *domain.Order
	CorrectedCart      *domain.Cart
	RemovedLineItemIDs []string
	Reasons            map[string]domain.UnavailableReason
}

// Created сообщает, создан ли заказ.
func (o OrderOutcome) Created() bool {
	return o.Order != nil
}

// Service создаёт заказы из корзин с проверкой snapshot-токена.
type Service struct {
	orders  domain.OrderRepository
	carts   CartMutator
	numbers OrderNumbers
	events  *outbox.Emitter
	logger  *log.Entry
	metrics *metrics.StorefrontMetrics
}

// Option настраивает Service.
type Option func(*Service)

func WithLogger(logger *log.Entry) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.StorefrontMetrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithEvents включает публикацию событий checkout через outbox.
func WithEvents(events *outbox.Emitter) Option {
	return func(s *Service) {
		s.events = events
	}
}

// NewService создаёт checkout-сервис.
func NewService(orders domain.OrderRepository, carts CartMutator, numbers OrderNumbers, options ...Option) *Service {
	s := &Service{orders: orders, carts: carts, numbers: numbers}
	for _, option := range options {
		option(s)
	}
	if s.logger == nil {
		s.logger = log.WithField("component", "checkout")
	}
	return s
}

// NewCartMutator собирает mutation.Mutator для корзин.
func NewCartMutator(carts domain.CartRepository, options ...mutation.Option) *mutation.Mutator[domain.Cart, domain.CartAction] {
	return mutation.New[domain.Cart, domain.CartAction](domain.KindCart, carts, options...)
}

// CreateOrder создаёт заказ из корзины, если token совпадает с её текущим состоянием.
//
// Несовпадение токена даёт ErrStaleCart без единой записи в backend.
// Если backend отказал из-за конкретных позиций, они удаляются из корзины одной записью
// и возвращается исход без заказа. Остальные ошибки возвращаются без изменений.
func (s *Service) CreateOrder(ctx context.Context, rc domain.RequestContext, cart domain.Cart, token string) (OrderOutcome, error) {
	started := time.Now()
	logger := s.logger.WithFields(log.Fields{
		"cart_id":      cart.ID,
		"cart_version": cart.Version,
		"customer_id":  rc.CustomerID,
	})

	if !IsSafeToCreateOrder(cart, token) {
		s.metrics.RecordCheckout(metrics.OutcomeStale, time.Since(started))
		logger.Info("checkout snapshot is stale")
		return OrderOutcome{}, fmt.Errorf("cart %q: %w", cart.ID, domain.ErrStaleCart)
	}

	orderNumber, err := s.numbers.AllocateOrderNumber(ctx, cart.ID)
	if err != nil {
		s.metrics.RecordCheckout(metrics.OutcomeFailed, time.Since(started))
		return OrderOutcome{}, fmt.Errorf("allocate order number for cart %q: %w", cart.ID, err)
	}

	order, err := s.orders.CreateFromCart(ctx, domain.OrderDraft{
		CartID:        cart.ID,
		CartVersion:   cart.Version,
		SnapshotToken: token,
		PaymentState:  domain.PaymentStatePaid,
		OrderNumber:   orderNumber,
	})
	if err != nil {
		var unavailable *domain.LineItemsUnavailableError
		if errors.As(err, &unavailable) {
			return s.compensate(ctx, logger, cart, unavailable, started)
		}
		s.metrics.RecordCheckout(metrics.OutcomeFailed, time.Since(started))
		return OrderOutcome{}, err
	}

	s.metrics.RecordCheckout(metrics.OutcomeCreated, time.Since(started))
	logger.WithFields(log.Fields{
		"order_id":     order.ID,
		"order_number": order.OrderNumber,
	}).Info("order created")

	s.events.Emit(ctx, domain.KindOrder, order.ID, domain.EventOrderCreated, map[string]any{
		"orderId":      order.ID,
		"orderNumber":  order.OrderNumber,
		"cartId":       order.CartID,
		"customerId":   order.CustomerID,
		"centAmount":   order.Total.CentAmount,
		"currency":     order.Total.Currency,
		"paymentState": order.PaymentState,
		"locale":       rc.Locale,
	})

	return OrderOutcome{Order: &order}, nil
}

// compensate удаляет из корзины ровно те позиции, которые backend назвал недоступными.
// Это не транзакция: заказ уже отклонён, удаление выполняется отдельной записью.
func (s *Service) compensate(ctx context.Context, logger *log.Entry, cart domain.Cart, unavailable *domain.LineItemsUnavailableError, started time.Time) (OrderOutcome, error) {
	actions := make([]domain.CartAction, 0, len(unavailable.LineItemIDs))
	removed := make([]string, 0, len(unavailable.LineItemIDs))
	for _, id := range unavailable.LineItemIDs {
		if _, ok := cart.LineItem(id); !ok {
			continue
		}
		actions = append(actions, domain.RemoveLineItem(id))
		removed = append(removed, id)
	}

	corrected, err := s.carts.Mutate(ctx, cart, actions)
	if err != nil {
		s.metrics.RecordCheckout(metrics.OutcomeFailed, time.Since(started))
		logger.WithError(err).WithField("line_item_ids", removed).Error("failed to remove unavailable line items")
		return OrderOutcome{}, fmt.Errorf("remove unavailable line items from cart %q: %w", cart.ID, errors.Join(unavailable, err))
	}

	s.metrics.RecordCheckout(metrics.OutcomeCorrected, time.Since(started))
	s.metrics.RecordRemovedLineItems(len(removed))
	logger.WithField("line_item_ids", removed).Warn("order rejected, unavailable line items removed from cart")

	s.events.Emit(ctx, domain.KindCart, cart.ID, domain.EventCartCorrected, map[string]any{
		"cartId":             cart.ID,
		"removedLineItemIds": removed,
		"reasons":            unavailable.Reasons,
	})

	return OrderOutcome{
		CorrectedCart:      &corrected,
		RemovedLineItemIDs: removed,
		Reasons:            unavailable.Reasons,
	}, nil
}
