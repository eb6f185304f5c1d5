package domain

import (
	"context"
	"time"
)

// Catalog сообщает backend, можно ли заказать позиции корзины по их текущей цене.
type Catalog interface {
	// Check возвращает причины недоступности по идентификаторам позиций.
	Check(ctx context.Context, items []LineItem) (map[string]UnavailableReason, error)
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(ctx context.Context, event OutboxMessage) error
}

// Типы событий storefront, попадающих в outbox.
const (
	EventOrderCreated     = "order.created"
	EventCartCorrected    = "cart.corrected"
	EventCustomerSignedUp = "customer.signed_up"
)

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType AggregateKind
	AggregateID   string
	EventType     string
	Payload       []byte
	CreatedAt     time.Time
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}
