package cart

import (
	"context"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
	"github.com/vladislavdragonenkov/storefront/internal/service/mutation"
	"github.com/vladislavdragonenkov/storefront/internal/service/shipping"
)

// DefaultCurrency используется для стран без явной валюты.
const DefaultCurrency = "EUR"

// InfoDuplicator копирует checkout-информацию между корзинами.
type InfoDuplicator interface {
	Duplicate(ctx context.Context, fromCartID, toCartID string) error
}

// Service выполняет операции над корзиной покупателя поверх версионируемого backend.
type Service struct {
	repo       domain.CartRepository
	mutator    *mutation.Mutator[domain.Cart, domain.CartAction]
	info       InfoDuplicator
	shipping   *shipping.Catalog
	currencies map[string]string
	logger     *log.Entry
}

// Option настраивает Service.
type Option func(*options)

type options struct {
	logger     *log.Entry
	metrics    *metrics.StorefrontMetrics
	info       InfoDuplicator
	shipping   *shipping.Catalog
	currencies map[string]string
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

// WithCheckoutInfo включает копирование checkout-информации в Duplicate.
func WithCheckoutInfo(info InfoDuplicator) Option {
	return func(o *options) {
		o.info = info
	}
}

// WithCurrencies задаёт валюту новых корзин по коду страны.
func WithCurrencies(currencies map[string]string) Option {
	return func(o *options) {
		o.currencies = currencies
	}
}

// WithShippingMethods включает проверку способа доставки при его выборе.
func WithShippingMethods(catalog *shipping.Catalog) Option {
	return func(o *options) {
		o.shipping = catalog
	}
}

// NewService создаёт сервис корзин.
func NewService(repo domain.CartRepository, opts ...Option) *Service {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = log.WithField("component", "cart-service")
	}

	currencies := make(map[string]string, len(o.currencies))
	for country, currency := range o.currencies {
		currencies[strings.ToUpper(country)] = currency
	}

	mutator := mutation.New[domain.Cart, domain.CartAction](domain.KindCart, repo,
		mutation.WithLogger(o.logger),
		mutation.WithMetrics(o.metrics),
	)

	return &Service{
		repo:       repo,
		mutator:    mutator,
		info:       o.info,
		shipping:   o.shipping,
		currencies: currencies,
		logger:     o.logger,
	}
}

// Mutator возвращает mutator корзин (нужен checkout для компенсации).
func (s *Service) Mutator() *mutation.Mutator[domain.Cart, domain.CartAction] {
	return s.mutator
}

func (s *Service) Get(ctx context.Context, id string) (domain.Cart, error) {
	return s.repo.Get(ctx, id)
}

// GetForCustomer возвращает активную корзину клиента.
func (s *Service) GetForCustomer(ctx context.Context, customerID string) (domain.Cart, error) {
	return s.repo.GetActiveByCustomer(ctx, customerID)
}

// Create создаёт корзину; валюта и страна по умолчанию берутся из контекста запроса.
func (s *Service) Create(ctx context.Context, rc domain.RequestContext, draft domain.CartDraft) (domain.Cart, error) {
	if draft.Country == "" {
		draft.Country = strings.ToUpper(rc.Country)
	}
	if draft.Currency == "" {
		draft.Currency = s.currencyFor(draft.Country)
	}
	if draft.CustomerID == "" {
		draft.CustomerID = rc.CustomerID
	}
	return s.repo.Create(ctx, draft)
}

// Current возвращает корзину запроса: по rc.CartID, затем активную корзину клиента.
// Если подходящей корзины нет, создаётся новая.
func (s *Service) Current(ctx context.Context, rc domain.RequestContext) (domain.Cart, error) {
	if rc.CartID != "" {
		cart, err := s.repo.Get(ctx, rc.CartID)
		switch {
		case err == nil && cart.Active():
			return cart, nil
		case err != nil && !domain.IsNotFound(err):
			return domain.Cart{}, err
		}
	}

	if rc.LoggedIn() {
		cart, err := s.repo.GetActiveByCustomer(ctx, rc.CustomerID)
		if err == nil {
			return cart, nil
		}
		if !domain.IsNotFound(err) {
			return domain.Cart{}, err
		}
	}

	cart, err := s.Create(ctx, rc, domain.CartDraft{})
	if err != nil {
		return domain.Cart{}, err
	}
	s.logger.WithFields(log.Fields{
		"cart_id":     cart.ID,
		"customer_id": rc.CustomerID,
	}).Debug("new cart created for request")
	return cart, nil
}

// Mutate применяет действия к корзине с одним повтором при конфликте версий.
func (s *Service) Mutate(ctx context.Context, cart domain.Cart, actions []domain.CartAction) (domain.Cart, error) {
	if err := s.validateShipping(cart, actions); err != nil {
		return domain.Cart{}, err
	}
	return s.mutator.Mutate(ctx, cart, actions)
}

// validateShipping проверяет выбранный способ доставки по корзине после всех действий пакета,
// чтобы адрес и способ можно было задать одним обновлением.
func (s *Service) validateShipping(cart domain.Cart, actions []domain.CartAction) error {
	if s.shipping == nil {
		return nil
	}
	methodID, chosen := "", false
	for _, action := range actions {
		if action.Action == domain.CartActionSetShippingMethod {
			methodID, chosen = action.ShippingMethodID, true
		}
	}
	if !chosen {
		return nil
	}
	next, err := domain.ApplyCartActions(cart, actions, func() string { return "" }, cart.UpdatedAt)
	if err != nil {
		// ошибку действий вернёт сам mutator
		return nil
	}
	return s.shipping.Validate(next, methodID)
}

// ShippingMethods возвращает способы доставки, доступные корзине; без каталога список пуст.
func (s *Service) ShippingMethods(cart domain.Cart) []shipping.Method {
	if s.shipping == nil {
		return []shipping.Method{}
	}
	return s.shipping.ForCart(cart)
}

func (s *Service) AddItem(ctx context.Context, cart domain.Cart, productID string, variantID, quantity int, price domain.Money) (domain.Cart, error) {
	return s.Mutate(ctx, cart, []domain.CartAction{domain.AddLineItem(productID, variantID, quantity, price)})
}

// UpdateItem задаёт количество позиции; 0 удаляет её.
func (s *Service) UpdateItem(ctx context.Context, cart domain.Cart, lineItemID string, quantity int) (domain.Cart, error) {
	return s.Mutate(ctx, cart, []domain.CartAction{domain.SetLineItemQuantity(lineItemID, quantity)})
}

func (s *Service) RemoveItem(ctx context.Context, cart domain.Cart, lineItemID string) (domain.Cart, error) {
	return s.Mutate(ctx, cart, []domain.CartAction{domain.RemoveLineItem(lineItemID)})
}

// ClearItems удаляет все позиции, включая произвольные.
func (s *Service) ClearItems(ctx context.Context, cart domain.Cart) (domain.Cart, error) {
	actions := make([]domain.CartAction, 0, len(cart.LineItems)+len(cart.CustomLineItems))
	for _, li := range cart.LineItems {
		actions = append(actions, domain.RemoveLineItem(li.ID))
	}
	for _, cli := range cart.CustomLineItems {
		actions = append(actions, domain.RemoveCustomLineItem(cli.ID))
	}
	return s.Mutate(ctx, cart, actions)
}

// SetCountry меняет страну корзины и страну адреса доставки.
func (s *Service) SetCountry(ctx context.Context, cart domain.Cart, country string) (domain.Cart, error) {
	address := domain.Address{Country: country}
	if cart.ShippingAddress != nil {
		address = *cart.ShippingAddress
		address.Country = country
	}
	return s.Mutate(ctx, cart, []domain.CartAction{
		domain.SetCountry(country),
		domain.SetShippingAddress(&address),
	})
}

// ChangeAddresses задаёт оба адреса: страна берётся из адреса доставки, email из платёжного.
func (s *Service) ChangeAddresses(ctx context.Context, cart domain.Cart, shippingAddr, billing domain.Address) (domain.Cart, error) {
	return s.Mutate(ctx, cart, []domain.CartAction{
		domain.SetShippingAddress(&shippingAddr),
		domain.SetBillingAddress(&billing),
		domain.SetCountry(shippingAddr.Country),
		domain.SetCustomerEmail(billing.Email),
	})
}

// SetShippingAddress задаёт адрес доставки вместе со страной и email корзины.
func (s *Service) SetShippingAddress(ctx context.Context, cart domain.Cart, shippingAddr domain.Address) (domain.Cart, error) {
	return s.Mutate(ctx, cart, []domain.CartAction{
		domain.SetShippingAddress(&shippingAddr),
		domain.SetCustomerEmail(shippingAddr.Email),
		domain.SetCountry(shippingAddr.Country),
	})
}

func (s *Service) SetBillingAddress(ctx context.Context, cart domain.Cart, billing domain.Address) (domain.Cart, error) {
	return s.Mutate(ctx, cart, []domain.CartAction{domain.SetBillingAddress(&billing)})
}

func (s *Service) ChangeShipping(ctx context.Context, cart domain.Cart, shippingMethodID string) (domain.Cart, error) {
	return s.Mutate(ctx, cart, []domain.CartAction{domain.SetShippingMethod(shippingMethodID)})
}

// Duplicate создаёт новую активную корзину с содержимым origin и копирует её checkout-информацию.
func (s *Service) Duplicate(ctx context.Context, origin domain.Cart) (domain.Cart, error) {
	source := origin.Clone()
	duplicate, err := s.repo.Create(ctx, domain.CartDraft{
		Currency:        source.Currency,
		Country:         source.Country,
		CustomerID:      source.CustomerID,
		CustomerEmail:   source.CustomerEmail,
		LineItems:       source.LineItems,
		CustomLineItems: source.CustomLineItems,
		ShippingAddress: source.ShippingAddress,
		BillingAddress:  source.BillingAddress,
	})
	if err != nil {
		return domain.Cart{}, fmt.Errorf("duplicate cart %q: %w", origin.ID, err)
	}

	if source.ShippingMethodID != "" {
		duplicate, err = s.Mutate(ctx, duplicate, []domain.CartAction{domain.SetShippingMethod(source.ShippingMethodID)})
		if err != nil {
			return domain.Cart{}, fmt.Errorf("duplicate cart %q: %w", origin.ID, err)
		}
	}

	if s.info != nil {
		if err := s.info.Duplicate(ctx, origin.ID, duplicate.ID); err != nil {
			return domain.Cart{}, fmt.Errorf("duplicate checkout info of cart %q: %w", origin.ID, err)
		}
	}

	s.logger.WithFields(log.Fields{
		"origin_cart_id": origin.ID,
		"cart_id":        duplicate.ID,
	}).Info("cart duplicated")
	return duplicate, nil
}

func (s *Service) currencyFor(country string) string {
	if currency, ok := s.currencies[strings.ToUpper(country)]; ok {
		return currency
	}
	return DefaultCurrency
}
