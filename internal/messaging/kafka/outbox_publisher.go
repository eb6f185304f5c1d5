package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// OutboxTopicPublisher публикует outbox-сообщения в заданный Kafka topic.
type OutboxTopicPublisher struct {
	producer *Producer
	topic    string
}

// NewOutboxPublisher создаёт Kafka-паблишер для transactional outbox.
func NewOutboxPublisher(producer *Producer, topic string) *OutboxTopicPublisher {
	if topic == "" {
		topic = TopicCheckoutEvents
	}
	return &OutboxTopicPublisher{
		producer: producer,
		topic:    topic,
	}
}

// Publish ключует сообщение агрегатом, чтобы события одной корзины или заказа шли в одну партицию.
func (p *OutboxTopicPublisher) Publish(ctx context.Context, event domain.OutboxMessage) error {
	if p == nil || p.producer == nil {
		return fmt.Errorf("kafka outbox publisher is not initialized")
	}

	key := event.AggregateID
	if key == "" {
		key = event.ID
	}

	payload := json.RawMessage(event.Payload)
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}

	envelope := OutboxEnvelope{
		ID:            event.ID,
		AggregateType: string(event.AggregateType),
		AggregateID:   event.AggregateID,
		EventType:     event.EventType,
		Payload:       payload,
		OccurredAt:    event.CreatedAt,
		PublishedAt:   time.Now().UTC(),
	}

	err := p.producer.PublishEvent(ctx, p.topic, key, envelope, header(HeaderEventType, event.EventType))
	if err != nil && isRejection(err) {
		return fmt.Errorf("%w: %w", domain.ErrEventRejected, err)
	}
	return err
}

// isRejection отделяет ошибки содержимого сообщения от сбоев брокера.
func isRejection(err error) bool {
	var configErr sarama.ConfigurationError
	var syntaxErr *json.SyntaxError
	var unsupported *json.UnsupportedValueError
	switch {
	case errors.As(err, &configErr), errors.As(err, &syntaxErr), errors.As(err, &unsupported):
		return true
	case errors.Is(err, sarama.ErrMessageSizeTooLarge), errors.Is(err, sarama.ErrInvalidMessage):
		return true
	}
	return false
}

var _ domain.OutboxPublisher = (*OutboxTopicPublisher)(nil)
