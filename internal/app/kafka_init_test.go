package app

import (
	"testing"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/storage/memory"
)

func TestInitKafkaProducer_EmptyBrokers(t *testing.T) {
	producer, err := initKafkaProducer(nil, log.WithField("test", "kafka"))
	if err != nil {
		t.Errorf("expected no error for empty brokers, got %v", err)
	}
	if producer != nil {
		t.Error("expected nil producer for empty brokers")
	}
}

func TestInitKafkaProducer_InvalidBrokers(t *testing.T) {
	producer, err := initKafkaProducer([]string{"invalid-broker:9999"}, log.WithField("test", "kafka"))
	if err == nil {
		t.Error("expected error for invalid brokers")
	}
	if producer != nil {
		t.Error("expected nil producer on error")
	}
}

func TestInitCatalogConsumer_DisabledWithoutBrokers(t *testing.T) {
	consumer, err := initCatalogConsumer(DefaultConfig(), memory.NewCatalog(), nil, log.WithField("test", "kafka"))
	if err != nil {
		t.Errorf("expected no error without brokers, got %v", err)
	}
	if consumer != nil {
		t.Error("expected nil consumer without brokers")
	}
}

func TestKafkaShutdownHelpers_Nil(_ *testing.T) {
	logger := log.WithField("test", "kafka")
	closeKafkaProducer(nil, logger)
	stopConsumer(nil, logger)
}
