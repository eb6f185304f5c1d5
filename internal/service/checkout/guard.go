package checkout

import (
	"crypto/subtle"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// DeriveToken возвращает snapshot-токен, который отдаётся клиенту при показе checkout.
func DeriveToken(cart domain.Cart) string {
	return domain.SnapshotToken(cart)
}

// IsSafeToCreateOrder сообщает, совпадает ли текущее состояние корзины с показанным клиенту.
// Чистая функция: корзину не меняет и в backend не ходит.
func IsSafeToCreateOrder(cart domain.Cart, token string) bool {
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(DeriveToken(cart)), []byte(token)) == 1
}
