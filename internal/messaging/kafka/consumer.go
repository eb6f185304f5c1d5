package kafka

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
)

const (
	// DefaultConsumerGroup — группа consumer'а фида каталога.
	DefaultConsumerGroup = "storefront-catalog-feed"

	defaultMaxRetries   = 3
	defaultRetryBackoff = 200 * time.Millisecond
)

// MessageHandler обрабатывает сообщение из Kafka
type MessageHandler func(ctx context.Context, message *sarama.ConsumerMessage) error

// Consumer читает topic'и consumer group'ой, повторяет обработку и отправляет
// неразобранные сообщения в DLQ.
type Consumer struct {
	consumer     sarama.ConsumerGroup
	topics       []string
	handler      MessageHandler
	logger       *log.Entry
	wg           sync.WaitGroup
	dlqProducer  *Producer
	maxRetries   int
	retryBackoff time.Duration
}

// ConsumerOption настраивает Consumer.
type ConsumerOption func(*Consumer)

// WithDLQ включает отправку сообщений в DLQ после исчерпания попыток.
func WithDLQ(producer *Producer) ConsumerOption {
	return func(c *Consumer) { c.dlqProducer = producer }
}

// WithRetries задаёт число повторов обработки и паузу между ними.
func WithRetries(maxRetries int, backoff time.Duration) ConsumerOption {
	return func(c *Consumer) {
		if maxRetries >= 0 {
			c.maxRetries = maxRetries
		}
		if backoff >= 0 {
			c.retryBackoff = backoff
		}
	}
}

// NewConsumer создает новый Kafka consumer
func NewConsumer(brokers []string, groupID string, topics []string, handler MessageHandler, opts ...ConsumerOption) (*Consumer, error) {
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(brokers, groupID, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}

	return newConsumer(group, topics, handler, opts...), nil
}

func newConsumer(group sarama.ConsumerGroup, topics []string, handler MessageHandler, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		consumer:     group,
		topics:       topics,
		handler:      handler,
		logger:       log.WithField("component", "kafka-consumer"),
		maxRetries:   defaultMaxRetries,
		retryBackoff: defaultRetryBackoff,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start запускает consumer
func (c *Consumer) Start(ctx context.Context) error {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			// Consume возвращается при каждом rebalance, поэтому вызывается в цикле.
			if err := c.consumer.Consume(ctx, c.topics, c); err != nil {
				c.logger.WithError(err).Error("error from consumer")
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for err := range c.consumer.Errors() {
			c.logger.WithError(err).Error("consumer error")
		}
	}()

	c.logger.WithField("topics", c.topics).Info("kafka consumer started")
	return nil
}

// Stop останавливает consumer
func (c *Consumer) Stop() error {
	if err := c.consumer.Close(); err != nil {
		return fmt.Errorf("failed to close kafka consumer: %w", err)
	}
	c.wg.Wait()
	c.logger.Info("kafka consumer stopped")
	return nil
}

// Setup вызывается при старте consumer session
func (c *Consumer) Setup(sarama.ConsumerGroupSession) error {
	return nil
}

// Cleanup вызывается при завершении consumer session
func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim обрабатывает сообщения из partition
func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok || message == nil {
				return nil
			}

			fields := log.Fields{
				"topic":     message.Topic,
				"partition": message.Partition,
				"offset":    message.Offset,
			}
			c.logger.WithFields(fields).Debug("received message")

			if err := c.handleMessage(session.Context(), message); err != nil {
				// Без отметки offset сообщение будет прочитано заново после rebalance.
				c.logger.WithError(err).WithFields(fields).Error("message processing failed after all retries")
				continue
			}
			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}

// handleMessage вызывает handler до maxRetries+1 раз; после исчерпания попыток
// сообщение уходит в DLQ и считается обработанным.
func (c *Consumer) handleMessage(ctx context.Context, message *sarama.ConsumerMessage) error {
	var err error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			c.logger.WithError(err).WithFields(log.Fields{
				"topic":       message.Topic,
				"attempt":     attempt,
				"max_retries": c.maxRetries,
			}).Warn("message processing failed, retrying")

			if waitErr := sleepContext(ctx, c.retryBackoff*time.Duration(attempt)); waitErr != nil {
				return waitErr
			}
		}

		if err = c.handler(ctx, message); err == nil {
			return nil
		}
	}

	if c.dlqProducer == nil {
		return err
	}
	if dlqErr := c.sendToDLQ(ctx, message, err); dlqErr != nil {
		c.logger.WithError(dlqErr).Error("failed to send message to DLQ")
		return fmt.Errorf("failed to send to DLQ: %w", dlqErr)
	}

	c.logger.WithFields(log.Fields{
		"topic":  message.Topic,
		"offset": message.Offset,
	}).Info("message sent to DLQ after max retries")
	return nil
}

// retryCount читает число переотправок, проставленное при прошлом попадании в DLQ.
func retryCount(message *sarama.ConsumerMessage) int {
	for _, h := range message.Headers {
		if h != nil && string(h.Key) == HeaderRetryCount {
			if count, err := strconv.Atoi(string(h.Value)); err == nil {
				return count
			}
		}
	}
	return 0
}

// sendToDLQ отправляет failed message в Dead Letter Queue
func (c *Consumer) sendToDLQ(ctx context.Context, message *sarama.ConsumerMessage, processingErr error) error {
	failedAt := time.Now().UTC().Format(time.RFC3339)
	retries := retryCount(message) + 1

	dlqMessage := map[string]any{
		"original_topic":     message.Topic,
		"original_partition": message.Partition,
		"original_offset":    message.Offset,
		"original_key":       string(message.Key),
		"original_value":     string(message.Value),
		"error_message":      processingErr.Error(),
		"failed_at":          failedAt,
		"retry_count":        retries,
	}

	return c.dlqProducer.PublishEvent(ctx, TopicDeadLetterQueue, string(message.Key), dlqMessage,
		header(HeaderOriginalTopic, message.Topic),
		header(HeaderErrorMessage, processingErr.Error()),
		header(HeaderFailedAt, failedAt),
		header(HeaderRetryCount, strconv.Itoa(retries)),
	)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
