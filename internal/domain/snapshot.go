package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// snapshotFields — поля корзины, покрываемые snapshot-токеном.
type snapshotFields struct {
	ID               string           `json:"id"`
	Version          int64            `json:"version"`
	Currency         string           `json:"currency"`
	Country          string           `json:"country"`
	CustomerEmail    string           `json:"customerEmail"`
	LineItems        []LineItem       `json:"lineItems"`
	CustomLineItems  []CustomLineItem `json:"customLineItems"`
	ShippingAddress  *Address         `json:"shippingAddress"`
	BillingAddress   *Address         `json:"billingAddress"`
	ShippingMethodID string           `json:"shippingMethodId"`
}

// SnapshotToken вычисляет отпечаток состояния корзины.
// Одинаковое состояние всегда даёт одинаковый токен; любая запись меняет как минимум версию.
func SnapshotToken(cart Cart) string {
	payload, err := json.Marshal(snapshotFields{
		ID:               cart.ID,
		Version:          cart.Version,
		Currency:         cart.Currency,
		Country:          cart.Country,
		CustomerEmail:    cart.CustomerEmail,
		LineItems:        nilIfEmpty(cart.LineItems),
		CustomLineItems:  nilIfEmpty(cart.CustomLineItems),
		ShippingAddress:  cart.ShippingAddress,
		BillingAddress:   cart.BillingAddress,
		ShippingMethodID: cart.ShippingMethodID,
	})
	if err != nil {
		// Структура состоит только из сериализуемых полей.
		panic("marshal cart snapshot: " + err.Error())
	}

	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// nilIfEmpty сводит пустой слайс к nil: после записи и чтения из хранилища
// пустой список позиций может вернуться как nil.
func nilIfEmpty[T any](items []T) []T {
	if len(items) == 0 {
		return nil
	}
	return items
}
