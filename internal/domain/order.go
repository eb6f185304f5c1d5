package domain

import (
	"slices"
	"time"
)

// PaymentState описывает состояние оплаты заказа.
type PaymentState string

const (
	PaymentStatePending  PaymentState = "pending"
	PaymentStatePaid     PaymentState = "paid" // с этим состоянием заказ создаётся на checkout
	PaymentStateFailed   PaymentState = "failed"
	PaymentStateRefunded PaymentState = "refunded"
)

// Valid проверяет, что состояние входит в известный набор.
func (s PaymentState) Valid() bool {
	switch s {
	case PaymentStatePending, PaymentStatePaid, PaymentStateFailed, PaymentStateRefunded:
		return true
	}
	return false
}

// Order — заказ, созданный из корзины.
type Order struct {
	ID              string       `json:"id"`
	Version         int64        `json:"version"`
	OrderNumber     string       `json:"orderNumber"`
	CartID          string       `json:"cartId"`
	CustomerID      string       `json:"customerId,omitempty"`
	CustomerEmail   string       `json:"customerEmail,omitempty"`
	Currency        string       `json:"currency"`
	LineItems       []LineItem   `json:"lineItems"`
	Total           Money        `json:"total"`
	ShippingAddress *Address     `json:"shippingAddress,omitempty"`
	BillingAddress  *Address     `json:"billingAddress,omitempty"`
	PaymentState    PaymentState `json:"paymentState"`
	CreatedAt       time.Time    `json:"createdAt"`
	UpdatedAt       time.Time    `json:"updatedAt"`
}

// Clone возвращает копию заказа, не разделяющую позиции и адреса с оригиналом.
func (o Order) Clone() Order {
	o.LineItems = slices.Clone(o.LineItems)
	o.ShippingAddress = cloneAddress(o.ShippingAddress)
	o.BillingAddress = cloneAddress(o.BillingAddress)
	return o
}

func (o Order) AggregateID() string { return o.ID }

func (o Order) AggregateVersion() int64 { return o.Version }

// OrderDraft описывает запрос к backend на создание заказа из корзины.
type OrderDraft struct {
	CartID        string
	CartVersion   int64
	SnapshotToken string
	PaymentState  PaymentState
	OrderNumber   string
}

// NewOrderFromCart собирает заказ из корзины. Проверки доступности выполняет backend.
func NewOrderFromCart(id string, cart Cart, draft OrderDraft, now time.Time) Order {
	return Order{
		ID:              id,
		Version:         1,
		OrderNumber:     draft.OrderNumber,
		CartID:          cart.ID,
		CustomerID:      cart.CustomerID,
		CustomerEmail:   cart.CustomerEmail,
		Currency:        cart.Currency,
		LineItems:       append([]LineItem(nil), cart.LineItems...),
		Total:           cart.Total(),
		ShippingAddress: cloneAddress(cart.ShippingAddress),
		BillingAddress:  cloneAddress(cart.BillingAddress),
		PaymentState:    draft.PaymentState,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// OrderActionType — имя операции обновления заказа.
type OrderActionType string

const OrderActionSetPaymentState OrderActionType = "setPaymentState"

// OrderAction — одна операция из описания обновления заказа.
type OrderAction struct {
	Action       OrderActionType `json:"action"`
	PaymentState PaymentState    `json:"paymentState,omitempty"`
}

func SetPaymentState(state PaymentState) OrderAction {
	return OrderAction{Action: OrderActionSetPaymentState, PaymentState: state}
}

// ApplyOrderActions применяет описание обновления к копии заказа.
func ApplyOrderActions(order Order, actions []OrderAction, now time.Time) (Order, error) {
	next := order
	for _, action := range actions {
		switch action.Action {
		case OrderActionSetPaymentState:
			if !action.PaymentState.Valid() {
				return Order{}, NewValidationError("paymentState", "unknown state "+string(action.PaymentState))
			}
			next.PaymentState = action.PaymentState
		default:
			return Order{}, NewValidationError("action", "unsupported order action "+string(action.Action))
		}
	}
	next.UpdatedAt = now
	return next, nil
}
