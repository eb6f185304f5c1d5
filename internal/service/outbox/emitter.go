package outbox

import (
	"context"
	"encoding/json"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
)

// Emitter складывает доменные события в outbox.
// Ошибка записи события не отменяет уже выполненную операцию: она логируется.
type Emitter struct {
	repo    domain.OutboxRepository
	logger  *log.Entry
	metrics *metrics.StorefrontMetrics
}

// NewEmitter создаёт Emitter. nil repo даёт no-op emitter.
func NewEmitter(repo domain.OutboxRepository, logger *log.Entry, m *metrics.StorefrontMetrics) *Emitter {
	if logger == nil {
		logger = log.WithField("component", "outbox-emitter")
	}
	return &Emitter{repo: repo, logger: logger, metrics: m}
}

// Emit сериализует payload и ставит событие в очередь публикации.
func (e *Emitter) Emit(ctx context.Context, kind domain.AggregateKind, aggregateID, eventType string, payload map[string]any) {
	if e == nil || e.repo == nil {
		return
	}

	if payload == nil {
		payload = make(map[string]any)
	}
	payload["ts"] = time.Now().UTC().Format(time.RFC3339Nano)

	data, err := json.Marshal(payload)
	if err != nil {
		e.logger.WithError(err).WithFields(log.Fields{
			"aggregate_id": aggregateID,
			"event":        eventType,
		}).Error("marshal event failed")
		return
	}

	msg := domain.OutboxMessage{
		AggregateType: kind,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       data,
	}
	if _, err := e.repo.Enqueue(ctx, msg); err != nil {
		e.logger.WithError(err).WithFields(log.Fields{
			"aggregate_id": aggregateID,
			"event":        eventType,
		}).Error("enqueue event failed")
		return
	}
	e.metrics.RecordOutboxEvent()
}
