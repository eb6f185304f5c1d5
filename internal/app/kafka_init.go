package app

import (
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/storefront/internal/service/catalogfeed"
)

// initKafkaProducer создаёт producer, если brokers заданы.
// Пустой список даёт nil, nil: сервис работает без публикации событий.
func initKafkaProducer(brokers []string, logger *log.Entry) (*kafka.Producer, error) {
	if len(brokers) == 0 {
		return nil, nil
	}

	producer, err := kafka.NewProducer(brokers)
	if err != nil {
		logger.WithError(err).Warn("failed to create kafka producer, continuing without kafka")
		return nil, err
	}

	logger.WithField("brokers", brokers).Info("kafka producer initialized")
	return producer, nil
}

// initCatalogConsumer подписывает каталог на фид вариантов.
func initCatalogConsumer(cfg Config, catalog catalogfeed.VariantWriter, dlq *kafka.Producer, logger *log.Entry) (*kafka.Consumer, error) {
	brokers := cfg.Brokers()
	if len(brokers) == 0 || catalog == nil {
		return nil, nil
	}

	handler := catalogfeed.NewHandler(catalog, logger.WithField("layer", "catalog-feed"))
	var opts []kafka.ConsumerOption
	if dlq != nil {
		opts = append(opts, kafka.WithDLQ(dlq))
	}

	consumer, err := kafka.NewConsumer(brokers, cfg.CatalogConsumerGrp, []string{cfg.CatalogTopic}, handler.Handle, opts...)
	if err != nil {
		logger.WithError(err).Warn("failed to create catalog consumer, continuing without catalog feed")
		return nil, err
	}
	return consumer, nil
}

func closeKafkaProducer(producer *kafka.Producer, logger *log.Entry) {
	if producer == nil {
		return
	}

	if err := producer.Close(); err != nil {
		logger.WithError(err).Warn("failed to close kafka producer")
	} else {
		logger.Info("kafka producer closed")
	}
}

func stopConsumer(consumer *kafka.Consumer, logger *log.Entry) {
	if consumer == nil {
		return
	}
	if err := consumer.Stop(); err != nil {
		logger.WithError(err).Warn("failed to stop catalog consumer")
	}
}
