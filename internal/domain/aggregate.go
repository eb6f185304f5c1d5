package domain

import "strings"

// AggregateKind — тип версионируемого документа.
type AggregateKind string

const (
	KindCart         AggregateKind = "cart"
	KindCustomer     AggregateKind = "customer"
	KindOrder        AggregateKind = "order"
	KindCustomObject AggregateKind = "custom_object"
)

// Aggregate — документ backend с optimistic locking.
// Запись на версии v проходит только если текущая версия ровно v, после неё версия v+1.
type Aggregate interface {
	AggregateID() string
	AggregateVersion() int64
}

// RequestContext переносит идентичность запроса, которую раньше читали из сессии.
// Ядро получает его явно и никогда не обращается к cookie/заголовкам.
type RequestContext struct {
	CartID     string
	CustomerID string
	Locale     string
	Country    string
}

// LoggedIn сообщает, известен ли клиент в текущем запросе.
func (rc RequestContext) LoggedIn() bool {
	return strings.TrimSpace(rc.CustomerID) != ""
}

// Money — сумма в минимальных единицах валюты.
type Money struct {
	CentAmount int64  `json:"centAmount"`
	Currency   string `json:"currency"`
}

// Add складывает суммы одной валюты.
func (m Money) Add(other Money) Money {
	if m.Currency == "" {
		m.Currency = other.Currency
	}
	m.CentAmount += other.CentAmount
	return m
}

// Times умножает сумму на количество.
func (m Money) Times(qty int) Money {
	m.CentAmount *= int64(qty)
	return m
}

// Address используется клиентом, корзиной и заказом.
type Address struct {
	ID         string `json:"id,omitempty"`
	Title      string `json:"title,omitempty"`
	FirstName  string `json:"firstName,omitempty"`
	LastName   string `json:"lastName,omitempty"`
	StreetName string `json:"streetName,omitempty"`
	PostalCode string `json:"postalCode,omitempty"`
	City       string `json:"city,omitempty"`
	Country    string `json:"country"`
	Email      string `json:"email,omitempty"`
	Phone      string `json:"phone,omitempty"`
}
