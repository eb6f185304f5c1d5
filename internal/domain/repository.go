package domain

import (
	"context"
	"encoding/json"
	"time"
)

// CartRepository — версионируемое хранилище корзин.
type CartRepository interface {
	// Get возвращает корзину или ошибку, для которой IsNotFound == true.
	Get(ctx context.Context, id string) (Cart, error)
	// GetActiveByCustomer возвращает последнюю активную корзину клиента.
	GetActiveByCustomer(ctx context.Context, customerID string) (Cart, error)
	Create(ctx context.Context, draft CartDraft) (Cart, error)
	// Update проходит только на версии version.
	Update(ctx context.Context, id string, version int64, actions []CartAction) (Cart, error)
}

// CustomerRepository — версионируемое хранилище клиентов с учётными данными.
type CustomerRepository interface {
	Get(ctx context.Context, id string) (Customer, error)
	GetByEmail(ctx context.Context, email string) (Customer, error)
	// SignUp создаёт клиента; занятый email даёт ErrDuplicateEmail.
	SignUp(ctx context.Context, draft CustomerDraft) (Customer, error)
	// Authenticate проверяет пароль; неверная пара даёт ErrInvalidCredentials.
	Authenticate(ctx context.Context, email, password string) (Customer, error)
	// Update проверяет смену и сброс пароля сам: неверный пароль даёт
	// ErrInvalidCredentials, чужой или просроченный токен даёт ErrInvalidToken.
	Update(ctx context.Context, id string, version int64, actions []CustomerAction) (Customer, error)
	// CreatePasswordToken выпускает токен сброса; неизвестный email даёт ErrNotFound.
	CreatePasswordToken(ctx context.Context, email string, ttl time.Duration) (PasswordToken, error)
	// GetByPasswordToken находит владельца действующего токена или возвращает ErrNotFound.
	GetByPasswordToken(ctx context.Context, token string) (Customer, error)
}

// OrderRepository — хранилище заказов и операция создания заказа из корзины.
type OrderRepository interface {
	Get(ctx context.Context, id string) (Order, error)
	GetByOrderNumber(ctx context.Context, orderNumber string) (Order, error)
	ListByCustomer(ctx context.Context, customerID string, limit int) ([]Order, error)
	// CreateFromCart создаёт заказ на версии корзины draft.CartVersion.
	// Недоступные позиции дают *LineItemsUnavailableError.
	CreateFromCart(ctx context.Context, draft OrderDraft) (Order, error)
	Update(ctx context.Context, id string, version int64, actions []OrderAction) (Order, error)
}

// CustomObjectRepository хранит JSON-документы по (container, key).
type CustomObjectRepository interface {
	Get(ctx context.Context, container, key string) (CustomObject, error)
	// Put записывает значение при выполнении условия expectedVersion
	// (VersionAny, VersionAbsent или конкретная версия).
	Put(ctx context.Context, container, key string, value json.RawMessage, expectedVersion int64) (CustomObject, error)
}

// OutboxRepository позволяет сохранять события для последующей публикации.
type OutboxRepository interface {
	Enqueue(ctx context.Context, msg OutboxMessage) (OutboxMessage, error)
	PullPending(ctx context.Context, limit int) ([]OutboxMessage, error)
	Stats(ctx context.Context) (OutboxStats, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
	// DeleteProcessedBefore удаляет до limit обработанных (sent или failed)
	// сообщений, последний раз обновлённых не позже before.
	DeleteProcessedBefore(ctx context.Context, before time.Time, limit int) (int, error)
}
