package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

// DefaultClientID помечает соединения витрины в логах брокера.
const DefaultClientID = "storefront"

var producedMessages = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "storefront_kafka_produced_messages_total",
	Help: "Сообщения, отправленные витриной в Kafka, по topic и результату",
}, []string{"topic", "result"})

// ProducerConfig собирает настройки sarama для событий checkout.
// Ключ сообщения (id корзины или заказа) хэшируется в партицию, поэтому события
// одного агрегата читаются в порядке записи.
func ProducerConfig(clientID string) *sarama.Config {
	if clientID == "" {
		clientID = DefaultClientID
	}
	config := sarama.NewConfig()
	config.ClientID = clientID
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Partitioner = sarama.NewHashPartitioner
	config.Producer.Idempotent = true
	config.Net.MaxOpenRequests = 1 // обязательно для идемпотентного producer
	return config
}

// Producer синхронно публикует события витрины.
type Producer struct {
	client   sarama.Client
	producer sarama.SyncProducer
	logger   *log.Entry
	now      func() time.Time
}

// NewProducer подключается к brokers и создаёт producer поверх общего клиента.
func NewProducer(brokers []string) (*Producer, error) {
	client, err := sarama.NewClient(brokers, ProducerConfig(DefaultClientID))
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	return &Producer{
		client:   client,
		producer: producer,
		logger:   log.WithField("component", "kafka-producer"),
		now:      time.Now,
	}, nil
}

// PublishEvent сериализует event в JSON и синхронно отправляет его в topic.
func (p *Producer) PublishEvent(ctx context.Context, topic, key string, event any, headers ...sarama.RecordHeader) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	eventData, err := json.Marshal(event)
	if err != nil {
		producedMessages.WithLabelValues(topic, "marshal_error").Inc()
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	now := time.Now
	if p.now != nil {
		now = p.now
	}
	msg := &sarama.ProducerMessage{
		Topic:     topic,
		Key:       sarama.StringEncoder(key),
		Value:     sarama.ByteEncoder(eventData),
		Headers:   headers,
		Timestamp: now(),
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		producedMessages.WithLabelValues(topic, "error").Inc()
		p.logger.WithError(err).WithFields(log.Fields{
			"topic": topic,
			"key":   key,
		}).Error("failed to send message to kafka")
		return fmt.Errorf("failed to send message: %w", err)
	}
	producedMessages.WithLabelValues(topic, "sent").Inc()

	p.logger.WithFields(log.Fields{
		"topic":     topic,
		"key":       key,
		"partition": partition,
		"offset":    offset,
	}).Debug("message sent to kafka")

	return nil
}

// Ping обновляет метаданные topics и проверяет, что брокеры отвечают.
// Producer без клиента (например, в тестах) считается доступным.
func (p *Producer) Ping(ctx context.Context, topics ...string) error {
	if p.client == nil {
		return nil
	}
	if p.client.Closed() {
		return fmt.Errorf("kafka client is closed")
	}

	done := make(chan error, 1)
	go func() { done <- p.client.RefreshMetadata(topics...) }()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		if err != nil {
			return fmt.Errorf("refresh kafka metadata: %w", err)
		}
	}
	if len(p.client.Brokers()) == 0 {
		return sarama.ErrOutOfBrokers
	}
	return nil
}

// Close закрывает producer и клиента.
func (p *Producer) Close() error {
	if err := p.producer.Close(); err != nil {
		return fmt.Errorf("failed to close kafka producer: %w", err)
	}
	if p.client != nil && !p.client.Closed() {
		if err := p.client.Close(); err != nil {
			return fmt.Errorf("failed to close kafka client: %w", err)
		}
	}
	return nil
}

func header(key, value string) sarama.RecordHeader {
	return sarama.RecordHeader{Key: []byte(key), Value: []byte(value)}
}
