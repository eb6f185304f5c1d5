// Package shipping хранит каталог способов доставки витрины.
package shipping

import (
	"fmt"
	"slices"
	"strings"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// Method — способ доставки. Пустой Countries означает доставку в любую страну.
type Method struct {
	ID         string   `json:"id" yaml:"id"`
	Name       string   `json:"name" yaml:"name"`
	PriceCents int64    `json:"priceCents" yaml:"price_cents"`
	Currency   string   `json:"currency" yaml:"currency"`
	Countries  []string `json:"countries,omitempty" yaml:"countries"`
}

// Price возвращает стоимость доставки.
func (m Method) Price() domain.Money {
	return domain.Money{CentAmount: m.PriceCents, Currency: m.Currency}
}

func (m Method) shipsTo(country string) bool {
	if len(m.Countries) == 0 {
		return true
	}
	return slices.ContainsFunc(m.Countries, func(c string) bool {
		return strings.EqualFold(c, country)
	})
}

// DefaultMethods используется, когда конфигурация не задаёт свой список.
func DefaultMethods() []Method {
	return []Method{
		{ID: "standard", Name: "Standard", PriceCents: 490, Currency: "EUR"},
		{ID: "express", Name: "Express", PriceCents: 990, Currency: "EUR", Countries: []string{"DE", "AT", "NL"}},
		{ID: "pickup", Name: "Pickup point", PriceCents: 0, Currency: "EUR", Countries: []string{"DE"}},
	}
}

// Catalog отвечает, какие способы доставки доступны корзине.
type Catalog struct {
	methods []Method
	byID    map[string]Method
}

// NewCatalog проверяет список: id обязателен и уникален.
func NewCatalog(methods []Method) (*Catalog, error) {
	c := &Catalog{byID: make(map[string]Method, len(methods))}
	for _, m := range methods {
		m.ID = strings.TrimSpace(m.ID)
		if m.ID == "" {
			return nil, fmt.Errorf("shipping method without id")
		}
		if _, dup := c.byID[m.ID]; dup {
			return nil, fmt.Errorf("duplicate shipping method %q", m.ID)
		}
		if m.PriceCents < 0 {
			return nil, fmt.Errorf("shipping method %q: negative price", m.ID)
		}
		m.Countries = slices.Clone(m.Countries)
		c.methods = append(c.methods, m)
		c.byID[m.ID] = m
	}
	return c, nil
}

// Get ищет способ доставки по id.
func (c *Catalog) Get(id string) (Method, bool) {
	m, ok := c.byID[id]
	return m, ok
}

// ForCart возвращает способы доставки в страну адреса корзины.
// Без адреса доставки список пуст.
func (c *Catalog) ForCart(cart domain.Cart) []Method {
	if cart.ShippingAddress == nil {
		return []Method{}
	}
	country := cart.ShippingAddress.Country
	out := make([]Method, 0, len(c.methods))
	for _, m := range c.methods {
		if m.shipsTo(country) && (cart.Currency == "" || strings.EqualFold(m.Currency, cart.Currency)) {
			out = append(out, m)
		}
	}
	return out
}

// Validate проверяет, что способ id доступен корзине. Пустой id снимает выбор и всегда допустим.
func (c *Catalog) Validate(cart domain.Cart, id string) error {
	if id == "" {
		return nil
	}
	m, ok := c.byID[id]
	if !ok {
		return domain.NewValidationError("shippingMethodId", fmt.Sprintf("unknown shipping method %q", id))
	}
	if cart.ShippingAddress == nil {
		return domain.NewValidationError("shippingMethodId", "shipping address is required before choosing a shipping method")
	}
	if !m.shipsTo(cart.ShippingAddress.Country) {
		return domain.NewValidationError("shippingMethodId",
			fmt.Sprintf("shipping method %q does not ship to %s", id, cart.ShippingAddress.Country))
	}
	if cart.Currency != "" && !strings.EqualFold(m.Currency, cart.Currency) {
		return domain.NewValidationError("shippingMethodId",
			fmt.Sprintf("shipping method %q is priced in %s, cart uses %s", id, m.Currency, cart.Currency))
	}
	return nil
}
