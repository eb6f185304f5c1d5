// Package catalogfeed применяет обновления цен и остатков из Kafka к каталогу backend.
package catalogfeed

import (
	"context"
	"fmt"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/messaging/kafka"
)

// VariantWriter записывает цену и остаток варианта.
type VariantWriter interface {
	UpsertVariant(ctx context.Context, productID string, variantID int, price domain.Money, stock int) error
}

// Handler превращает сообщения storefront.catalog.variants в записи каталога.
type Handler struct {
	catalog VariantWriter
	logger  *log.Entry
}

// NewHandler создаёт обработчик фида каталога.
func NewHandler(catalog VariantWriter, logger *log.Entry) *Handler {
	if logger == nil {
		logger = log.WithField("component", "catalog-feed")
	}
	return &Handler{catalog: catalog, logger: logger}
}

// Handle подходит как kafka.MessageHandler.
func (h *Handler) Handle(ctx context.Context, message *sarama.ConsumerMessage) error {
	event, err := kafka.ParseCatalogVariantEvent(message)
	if err != nil {
		return err
	}

	if err := h.catalog.UpsertVariant(ctx, event.ProductID, event.VariantID, event.Price, event.Stock); err != nil {
		return fmt.Errorf("upsert variant %s/%d: %w", event.ProductID, event.VariantID, err)
	}

	h.logger.WithFields(log.Fields{
		"product_id": event.ProductID,
		"variant_id": event.VariantID,
		"stock":      event.Stock,
	}).Debug("catalog variant updated")
	return nil
}
