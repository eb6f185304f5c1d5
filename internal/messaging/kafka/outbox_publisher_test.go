package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

func TestOutboxPublisher_Publish(t *testing.T) {
	t.Parallel()

	producer, mockProducer := newMockedProducer(t)
	createdAt := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	mockProducer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var envelope OutboxEnvelope
		if err := json.Unmarshal(val, &envelope); err != nil {
			return err
		}
		if envelope.EventType != domain.EventOrderCreated || envelope.AggregateType != "order" {
			t.Errorf("unexpected envelope: %+v", envelope)
		}
		if string(envelope.Payload) != `{"orderNumber":"10001"}` {
			t.Errorf("unexpected payload: %s", envelope.Payload)
		}
		if !envelope.OccurredAt.Equal(createdAt) || envelope.PublishedAt.IsZero() {
			t.Errorf("unexpected timestamps: %+v", envelope)
		}
		return nil
	})

	publisher := NewOutboxPublisher(producer, "")
	if publisher.topic != TopicCheckoutEvents {
		t.Fatalf("expected default topic %s, got %s", TopicCheckoutEvents, publisher.topic)
	}

	err := publisher.Publish(context.Background(), domain.OutboxMessage{
		ID:            "outbox-1",
		AggregateType: domain.KindOrder,
		AggregateID:   "order-123",
		EventType:     domain.EventOrderCreated,
		Payload:       []byte(`{"orderNumber":"10001"}`),
		CreatedAt:     createdAt,
	})
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestOutboxPublisher_PublishEmptyPayload(t *testing.T) {
	t.Parallel()

	producer, mockProducer := newMockedProducer(t)
	mockProducer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var envelope OutboxEnvelope
		if err := json.Unmarshal(val, &envelope); err != nil {
			return err
		}
		if string(envelope.Payload) != "{}" {
			t.Errorf("expected empty object payload, got %s", envelope.Payload)
		}
		return nil
	})

	publisher := NewOutboxPublisher(producer, TopicCheckoutEvents)
	if err := publisher.Publish(context.Background(), domain.OutboxMessage{ID: "outbox-2", EventType: domain.EventCartCorrected}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestOutboxPublisher_PublishProducerError(t *testing.T) {
	t.Parallel()

	producer, mockProducer := newMockedProducer(t)
	mockProducer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	publisher := NewOutboxPublisher(producer, TopicCheckoutEvents)
	err := publisher.Publish(context.Background(), domain.OutboxMessage{
		ID:            "outbox-3",
		AggregateType: domain.KindCart,
		AggregateID:   "cart-1",
		EventType:     domain.EventCartCorrected,
		Payload:       []byte(`{"removed":["li-1"]}`),
	})
	if err == nil {
		t.Fatal("expected publish error, got nil")
	}
	if errors.Is(err, domain.ErrEventRejected) {
		t.Fatalf("broker outage must stay retryable, got %v", err)
	}

	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestOutboxPublisher_PublishRejected(t *testing.T) {
	t.Parallel()

	producer, mockProducer := newMockedProducer(t)
	mockProducer.ExpectSendMessageAndFail(sarama.ErrMessageSizeTooLarge)

	publisher := NewOutboxPublisher(producer, TopicCheckoutEvents)
	err := publisher.Publish(context.Background(), domain.OutboxMessage{
		ID:            "outbox-5",
		AggregateType: domain.KindOrder,
		AggregateID:   "order-1",
		EventType:     domain.EventOrderCreated,
		Payload:       []byte(`{"orderNumber":"10001"}`),
	})
	if !errors.Is(err, domain.ErrEventRejected) || !errors.Is(err, sarama.ErrMessageSizeTooLarge) {
		t.Fatalf("expected rejection wrapping broker error, got %v", err)
	}
	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestOutboxPublisher_PublishCorruptPayload(t *testing.T) {
	t.Parallel()

	producer, mockProducer := newMockedProducer(t)

	publisher := NewOutboxPublisher(producer, TopicCheckoutEvents)
	err := publisher.Publish(context.Background(), domain.OutboxMessage{
		ID:          "outbox-6",
		AggregateID: "order-2",
		EventType:   domain.EventOrderCreated,
		Payload:     []byte(`{"orderNumber":`),
	})
	if !errors.Is(err, domain.ErrEventRejected) {
		t.Fatalf("expected rejection for corrupt payload, got %v", err)
	}
	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestOutboxPublisher_PublishNilProducer(t *testing.T) {
	t.Parallel()

	publisher := NewOutboxPublisher(nil, TopicCheckoutEvents)
	if err := publisher.Publish(context.Background(), domain.OutboxMessage{ID: "outbox-4"}); err == nil {
		t.Fatal("expected error for nil producer")
	}
}
