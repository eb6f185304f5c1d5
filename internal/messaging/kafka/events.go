package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// Topics для Kafka
const (
	TopicCheckoutEvents  = "storefront.checkout.events"
	TopicCatalogVariants = "storefront.catalog.variants"
	TopicDeadLetterQueue = "storefront.dlq" // Dead Letter Queue для failed messages
)

// Kafka headers
const (
	HeaderEventType     = "x-event-type"
	HeaderRetryCount    = "x-retry-count"
	HeaderOriginalTopic = "x-original-topic"
	HeaderErrorMessage  = "x-error-message"
	HeaderFailedAt      = "x-failed-at"
)

// OutboxEnvelope задаёт формат сообщения storefront.checkout.events.
type OutboxEnvelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	OccurredAt    time.Time       `json:"occurred_at"`
	PublishedAt   time.Time       `json:"published_at"`
}

// CatalogVariantEvent несёт цену и остаток варианта из фида каталога.
type CatalogVariantEvent struct {
	ProductID string       `json:"product_id"`
	VariantID int          `json:"variant_id"`
	Price     domain.Money `json:"price"`
	Stock     int          `json:"stock"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Validate отбраковывает события, которые нельзя применить к каталогу.
func (e CatalogVariantEvent) Validate() error {
	if e.ProductID == "" {
		return domain.NewValidationError("product_id", "is required")
	}
	if e.Stock < 0 {
		return domain.NewValidationError("stock", "must be non-negative")
	}
	if e.Price.CentAmount < 0 {
		return domain.NewValidationError("price", "must be non-negative")
	}
	return nil
}

// ParseCatalogVariantEvent парсит CatalogVariantEvent из сообщения
func ParseCatalogVariantEvent(message *sarama.ConsumerMessage) (CatalogVariantEvent, error) {
	var event CatalogVariantEvent
	if err := json.Unmarshal(message.Value, &event); err != nil {
		return CatalogVariantEvent{}, fmt.Errorf("failed to unmarshal catalog variant event: %w", err)
	}
	if err := event.Validate(); err != nil {
		return CatalogVariantEvent{}, err
	}
	return event, nil
}
