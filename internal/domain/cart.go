package domain

import (
	"slices"
	"strings"
	"time"
)

// CartState описывает жизненный цикл корзины.
type CartState string

const (
	CartStateActive  CartState = "active"
	CartStateOrdered CartState = "ordered"
)

// LineItem — позиция корзины, ссылающаяся на вариант товара каталога.
type LineItem struct {
	ID        string `json:"id"`
	ProductID string `json:"productId"`
	VariantID int    `json:"variantId"`
	Name      string `json:"name,omitempty"`
	Quantity  int    `json:"quantity"`
	Price     Money  `json:"price"`
}

// Total возвращает стоимость позиции.
func (li LineItem) Total() Money {
	return li.Price.Times(li.Quantity)
}

// CustomLineItem описывает позицию без товара каталога, например сбор за упаковку.
type CustomLineItem struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Money Money  `json:"money"`
}

// Cart — корзина покупателя.
type Cart struct {
	ID               string           `json:"id"`
	Version          int64            `json:"version"`
	CustomerID       string           `json:"customerId,omitempty"`
	CustomerEmail    string           `json:"customerEmail,omitempty"`
	Currency         string           `json:"currency"`
	Country          string           `json:"country,omitempty"`
	State            CartState        `json:"state"`
	LineItems        []LineItem       `json:"lineItems"`
	CustomLineItems  []CustomLineItem `json:"customLineItems,omitempty"`
	ShippingAddress  *Address         `json:"shippingAddress,omitempty"`
	BillingAddress   *Address         `json:"billingAddress,omitempty"`
	ShippingMethodID string           `json:"shippingMethodId,omitempty"`
	CreatedAt        time.Time        `json:"createdAt"`
	UpdatedAt        time.Time        `json:"updatedAt"`
}

func (c Cart) AggregateID() string { return c.ID }

func (c Cart) AggregateVersion() int64 { return c.Version }

// IsEmpty сообщает, что в корзине нет ни одной позиции.
func (c Cart) IsEmpty() bool {
	return len(c.LineItems) == 0 && len(c.CustomLineItems) == 0
}

// Active сообщает, что корзину ещё можно менять.
func (c Cart) Active() bool {
	return c.State == CartStateActive
}

// Total суммирует все позиции корзины.
func (c Cart) Total() Money {
	total := Money{Currency: c.Currency}
	for _, li := range c.LineItems {
		total = total.Add(li.Total())
	}
	for _, cli := range c.CustomLineItems {
		total = total.Add(cli.Money)
	}
	return total
}

// LineItem ищет позицию по идентификатору.
func (c Cart) LineItem(id string) (LineItem, bool) {
	for _, li := range c.LineItems {
		if li.ID == id {
			return li, true
		}
	}
	return LineItem{}, false
}

// Clone возвращает копию корзины без общих слайсов и указателей.
func (c Cart) Clone() Cart {
	c.LineItems = slices.Clone(c.LineItems)
	c.CustomLineItems = slices.Clone(c.CustomLineItems)
	c.ShippingAddress = cloneAddress(c.ShippingAddress)
	c.BillingAddress = cloneAddress(c.BillingAddress)
	return c
}

func cloneAddress(a *Address) *Address {
	if a == nil {
		return nil
	}
	cp := *a
	return &cp
}

// CartDraft содержит данные для создания корзины.
type CartDraft struct {
	Currency        string           `json:"currency"`
	Country         string           `json:"country,omitempty"`
	CustomerID      string           `json:"customerId,omitempty"`
	CustomerEmail   string           `json:"customerEmail,omitempty"`
	LineItems       []LineItem       `json:"lineItems,omitempty"`
	CustomLineItems []CustomLineItem `json:"customLineItems,omitempty"`
	ShippingAddress *Address         `json:"shippingAddress,omitempty"`
	BillingAddress  *Address         `json:"billingAddress,omitempty"`
}

// Validate проверяет обязательные поля черновика.
func (d CartDraft) Validate() error {
	if strings.TrimSpace(d.Currency) == "" {
		return NewValidationError("currency", "is required")
	}
	return nil
}

// CartActionType — имя операции обновления корзины.
type CartActionType string

const (
	CartActionAddLineItem          CartActionType = "addLineItem"
	CartActionSetLineItemQuantity  CartActionType = "setLineItemQuantity"
	CartActionRemoveLineItem       CartActionType = "removeLineItem"
	CartActionRemoveCustomLineItem CartActionType = "removeCustomLineItem"
	CartActionSetCountry           CartActionType = "setCountry"
	CartActionSetShippingAddress   CartActionType = "setShippingAddress"
	CartActionSetBillingAddress    CartActionType = "setBillingAddress"
	CartActionSetCustomerEmail     CartActionType = "setCustomerEmail"
	CartActionSetShippingMethod    CartActionType = "setShippingMethod"
)

// CartAction — одна именованная операция из описания обновления корзины.
// Набор заполненных полей зависит от Action.
type CartAction struct {
	Action           CartActionType `json:"action"`
	LineItemID       string         `json:"lineItemId,omitempty"`
	CustomLineItemID string         `json:"customLineItemId,omitempty"`
	ProductID        string         `json:"productId,omitempty"`
	VariantID        int            `json:"variantId,omitempty"`
	Name             string         `json:"name,omitempty"`
	Quantity         int            `json:"quantity,omitempty"`
	Price            *Money         `json:"price,omitempty"`
	Country          string         `json:"country,omitempty"`
	Address          *Address       `json:"address,omitempty"`
	Email            string         `json:"email,omitempty"`
	ShippingMethodID string         `json:"shippingMethodId,omitempty"`
}

func AddLineItem(productID string, variantID, quantity int, price Money) CartAction {
	return CartAction{Action: CartActionAddLineItem, ProductID: productID, VariantID: variantID, Quantity: quantity, Price: &price}
}

func SetLineItemQuantity(lineItemID string, quantity int) CartAction {
	return CartAction{Action: CartActionSetLineItemQuantity, LineItemID: lineItemID, Quantity: quantity}
}

func RemoveLineItem(lineItemID string) CartAction {
	return CartAction{Action: CartActionRemoveLineItem, LineItemID: lineItemID}
}

func RemoveCustomLineItem(customLineItemID string) CartAction {
	return CartAction{Action: CartActionRemoveCustomLineItem, CustomLineItemID: customLineItemID}
}

func SetCountry(country string) CartAction {
	return CartAction{Action: CartActionSetCountry, Country: country}
}

// SetShippingAddress с nil адресом удаляет адрес доставки.
func SetShippingAddress(address *Address) CartAction {
	return CartAction{Action: CartActionSetShippingAddress, Address: cloneAddress(address)}
}

// SetBillingAddress с nil адресом удаляет платёжный адрес.
func SetBillingAddress(address *Address) CartAction {
	return CartAction{Action: CartActionSetBillingAddress, Address: cloneAddress(address)}
}

func SetCustomerEmail(email string) CartAction {
	return CartAction{Action: CartActionSetCustomerEmail, Email: email}
}

func SetShippingMethod(shippingMethodID string) CartAction {
	return CartAction{Action: CartActionSetShippingMethod, ShippingMethodID: shippingMethodID}
}

// ApplyCartActions применяет описание обновления к копии корзины.
// Версию не трогает: её повышает backend при успешной условной записи.
func ApplyCartActions(cart Cart, actions []CartAction, newID func() string, now time.Time) (Cart, error) {
	if !cart.Active() {
		return Cart{}, ErrCartNotActive
	}

	next := cart.Clone()
	for _, action := range actions {
		if err := applyCartAction(&next, action, newID); err != nil {
			return Cart{}, err
		}
	}
	next.UpdatedAt = now
	return next, nil
}

func applyCartAction(cart *Cart, action CartAction, newID func() string) error {
	switch action.Action {
	case CartActionAddLineItem:
		if action.ProductID == "" {
			return NewValidationError("productId", "is required")
		}
		if action.Quantity <= 0 {
			return NewValidationError("quantity", "must be greater than zero")
		}
		if action.Price == nil || action.Price.CentAmount < 0 {
			return NewValidationError("price", "must be non-negative")
		}
		if action.Price.Currency != "" && action.Price.Currency != cart.Currency {
			return NewValidationError("price", "currency does not match cart currency")
		}
		price := *action.Price
		price.Currency = cart.Currency
		// Одинаковый вариант по той же цене сливаем в одну позицию.
		for i, li := range cart.LineItems {
			if li.ProductID == action.ProductID && li.VariantID == action.VariantID && li.Price == price {
				cart.LineItems[i].Quantity += action.Quantity
				return nil
			}
		}
		cart.LineItems = append(cart.LineItems, LineItem{
			ID:        newID(),
			ProductID: action.ProductID,
			VariantID: action.VariantID,
			Name:      action.Name,
			Quantity:  action.Quantity,
			Price:     price,
		})
	case CartActionSetLineItemQuantity:
		if action.Quantity < 0 {
			return NewValidationError("quantity", "must be non-negative")
		}
		idx := slices.IndexFunc(cart.LineItems, func(li LineItem) bool { return li.ID == action.LineItemID })
		if idx < 0 {
			return NewValidationError("lineItemId", "unknown line item "+action.LineItemID)
		}
		if action.Quantity == 0 {
			cart.LineItems = slices.Delete(cart.LineItems, idx, idx+1)
			return nil
		}
		cart.LineItems[idx].Quantity = action.Quantity
	case CartActionRemoveLineItem:
		idx := slices.IndexFunc(cart.LineItems, func(li LineItem) bool { return li.ID == action.LineItemID })
		if idx < 0 {
			return NewValidationError("lineItemId", "unknown line item "+action.LineItemID)
		}
		cart.LineItems = slices.Delete(cart.LineItems, idx, idx+1)
	case CartActionRemoveCustomLineItem:
		idx := slices.IndexFunc(cart.CustomLineItems, func(cli CustomLineItem) bool { return cli.ID == action.CustomLineItemID })
		if idx < 0 {
			return NewValidationError("customLineItemId", "unknown custom line item "+action.CustomLineItemID)
		}
		cart.CustomLineItems = slices.Delete(cart.CustomLineItems, idx, idx+1)
	case CartActionSetCountry:
		cart.Country = strings.ToUpper(strings.TrimSpace(action.Country))
	case CartActionSetShippingAddress:
		cart.ShippingAddress = cloneAddress(action.Address)
	case CartActionSetBillingAddress:
		cart.BillingAddress = cloneAddress(action.Address)
	case CartActionSetCustomerEmail:
		cart.CustomerEmail = strings.TrimSpace(action.Email)
	case CartActionSetShippingMethod:
		cart.ShippingMethodID = action.ShippingMethodID
	default:
		return NewValidationError("action", "unsupported cart action "+string(action.Action))
	}
	return nil
}
