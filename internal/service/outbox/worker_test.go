package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

func TestWorker_ProcessOnce_MarkSent(t *testing.T) {
	t.Parallel()

	repo := &stubOutboxRepo{
		pending: []domain.OutboxMessage{
			{
				ID:            "msg-1",
				AggregateType: domain.KindOrder,
				AggregateID:   "order-1",
				EventType:     domain.EventOrderCreated,
				Payload:       []byte(`{"orderNumber":"10001"}`),
			},
		},
	}
	publisher := &stubPublisher{}

	worker := NewWorker(
		repo,
		publisher,
		WithRetryBaseDelay(0),
		WithMaxAttempts(3),
	)

	worker.ProcessOnce(context.Background())

	if got := len(repo.sentIDs); got != 1 {
		t.Fatalf("expected 1 sent mark, got %d", got)
	}
	if repo.sentIDs[0] != "msg-1" {
		t.Fatalf("expected sent id msg-1, got %s", repo.sentIDs[0])
	}
	if got := len(repo.failedIDs); got != 0 {
		t.Fatalf("expected 0 failed marks, got %d", got)
	}
	if got := publisher.calls(); got != 1 {
		t.Fatalf("expected 1 publish call, got %d", got)
	}
}

func TestWorker_ProcessOnce_MarkFailedAndDLQAfterRetries(t *testing.T) {
	t.Parallel()

	repo := &stubOutboxRepo{
		pending: []domain.OutboxMessage{
			{
				ID:            "msg-2",
				AggregateType: domain.KindOrder,
				AggregateID:   "order-2",
				EventType:     domain.EventOrderCreated,
				Payload:       []byte(`{"orderNumber":"10002"}`),
			},
		},
	}
	publisher := &stubPublisher{err: errors.New("publish failed")}
	dlqPublisher := &stubPublisher{}

	worker := NewWorker(
		repo,
		publisher,
		WithDLQPublisher(dlqPublisher),
		WithRetryBaseDelay(0),
		WithMaxAttempts(3),
	)

	worker.ProcessOnce(context.Background())

	if got := publisher.calls(); got != 3 {
		t.Fatalf("expected 3 publish attempts, got %d", got)
	}
	if got := len(repo.sentIDs); got != 0 {
		t.Fatalf("expected 0 sent marks, got %d", got)
	}
	if got := len(repo.failedIDs); got != 1 {
		t.Fatalf("expected 1 failed mark, got %d", got)
	}
	if repo.failedIDs[0] != "msg-2" {
		t.Fatalf("expected failed id msg-2, got %s", repo.failedIDs[0])
	}
	if got := dlqPublisher.calls(); got != 1 {
		t.Fatalf("expected 1 DLQ publish, got %d", got)
	}

	var envelope map[string]any
	if err := json.Unmarshal(dlqPublisher.events[0].Payload, &envelope); err != nil {
		t.Fatalf("decode dlq payload: %v", err)
	}
	if envelope["publish_error"] == nil || envelope["outbox_id"] != "msg-2" {
		t.Fatalf("unexpected dlq envelope: %v", envelope)
	}
}

func TestWorker_ProcessOnce_SuccessAfterRetry(t *testing.T) {
	t.Parallel()

	repo := &stubOutboxRepo{
		pending: []domain.OutboxMessage{
			{
				ID:            "msg-3",
				AggregateType: domain.KindOrder,
				AggregateID:   "order-3",
				EventType:     domain.EventOrderCreated,
				Payload:       []byte(`{"orderNumber":"10003"}`),
			},
		},
	}
	publisher := &stubPublisher{
		sequenceErrors: []error{
			errors.New("attempt 1"),
			errors.New("attempt 2"),
			nil,
		},
	}

	worker := NewWorker(
		repo,
		publisher,
		WithRetryBaseDelay(0),
		WithMaxAttempts(3),
	)

	worker.ProcessOnce(context.Background())

	if got := publisher.calls(); got != 3 {
		t.Fatalf("expected 3 publish attempts, got %d", got)
	}
	if got := len(repo.sentIDs); got != 1 {
		t.Fatalf("expected 1 sent mark, got %d", got)
	}
	if got := len(repo.failedIDs); got != 0 {
		t.Fatalf("expected 0 failed marks, got %d", got)
	}
}

func TestWorker_ProcessOnce_RejectedEventSkipsRetries(t *testing.T) {
	t.Parallel()

	repo := &stubOutboxRepo{
		pending: []domain.OutboxMessage{
			{ID: "msg-4", AggregateType: domain.KindOrder, AggregateID: "order-4", EventType: domain.EventOrderCreated, Payload: []byte(`{}`)},
		},
	}
	publisher := &stubPublisher{err: fmt.Errorf("%w: message too large", domain.ErrEventRejected)}
	dlqPublisher := &stubPublisher{}

	worker := NewWorker(repo, publisher, WithDLQPublisher(dlqPublisher), WithRetryBaseDelay(0), WithMaxAttempts(5))
	worker.ProcessOnce(context.Background())

	if got := publisher.calls(); got != 1 {
		t.Fatalf("rejected event must not be retried, got %d attempts", got)
	}
	if len(repo.failedIDs) != 1 || repo.failedIDs[0] != "msg-4" {
		t.Fatalf("expected msg-4 marked failed, got %v", repo.failedIDs)
	}

	var letter DeadLetter
	if err := json.Unmarshal(dlqPublisher.events[0].Payload, &letter); err != nil {
		t.Fatalf("decode dead letter: %v", err)
	}
	if !letter.Rejected || letter.Attempts != 1 || letter.OutboxID != "msg-4" || letter.AggregateType != "order" {
		t.Fatalf("unexpected dead letter: %+v", letter)
	}
}

func TestWorker_ProcessOnce_CorruptPayloadGoesToDLQ(t *testing.T) {
	t.Parallel()

	repo := &stubOutboxRepo{
		pending: []domain.OutboxMessage{
			{ID: "msg-5", AggregateType: domain.KindCart, AggregateID: "cart-5", EventType: domain.EventCartCorrected, Payload: []byte(`{"removed":`)},
		},
	}
	publisher := &stubPublisher{}
	dlqPublisher := &stubPublisher{}

	worker := NewWorker(repo, publisher, WithDLQPublisher(dlqPublisher), WithRetryBaseDelay(0))
	worker.ProcessOnce(context.Background())

	if got := publisher.calls(); got != 0 {
		t.Fatalf("corrupt payload must not reach the broker, got %d calls", got)
	}
	if got := dlqPublisher.calls(); got != 1 {
		t.Fatalf("expected 1 DLQ publish, got %d", got)
	}

	var letter DeadLetter
	if err := json.Unmarshal(dlqPublisher.events[0].Payload, &letter); err != nil {
		t.Fatalf("dead letter must stay valid JSON: %v", err)
	}
	var original string
	if err := json.Unmarshal(letter.Payload, &original); err != nil || original != `{"removed":` {
		t.Fatalf("original payload must be kept as string, got %s", letter.Payload)
	}
}

func TestWorker_ProcessOnce_HoldsLaterEventsOfFailedAggregate(t *testing.T) {
	t.Parallel()

	repo := &stubOutboxRepo{
		pending: []domain.OutboxMessage{
			{ID: "msg-6", AggregateType: domain.KindCart, AggregateID: "cart-6", EventType: domain.EventCartCorrected, Payload: []byte(`{}`)},
			{ID: "msg-7", AggregateType: domain.KindOrder, AggregateID: "order-7", EventType: domain.EventOrderCreated, Payload: []byte(`{}`)},
			{ID: "msg-8", AggregateType: domain.KindCart, AggregateID: "cart-6", EventType: domain.EventCartCorrected, Payload: []byte(`{}`)},
		},
	}
	publisher := &stubPublisher{sequenceErrors: []error{errors.New("broker down"), errors.New("broker down")}}

	worker := NewWorker(repo, publisher, WithRetryBaseDelay(0), WithMaxAttempts(2))
	worker.ProcessOnce(context.Background())

	if len(repo.failedIDs) != 1 || repo.failedIDs[0] != "msg-6" {
		t.Fatalf("expected msg-6 failed, got %v", repo.failedIDs)
	}
	if len(repo.sentIDs) != 1 || repo.sentIDs[0] != "msg-7" {
		t.Fatalf("only the other aggregate is published, got %v", repo.sentIDs)
	}
	for _, event := range publisher.events {
		if event.ID == "msg-8" {
			t.Fatal("later event of a failed cart must wait for the next cycle")
		}
	}
}

func TestWorker_ProcessOnce_CanceledDuringBackoffKeepsPending(t *testing.T) {
	t.Parallel()

	repo := &stubOutboxRepo{
		pending: []domain.OutboxMessage{
			{ID: "msg-9", AggregateType: domain.KindOrder, AggregateID: "order-9", EventType: domain.EventOrderCreated, Payload: []byte(`{}`)},
		},
	}
	publisher := &stubPublisher{err: errors.New("broker down")}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	worker := NewWorker(repo, publisher, WithRetryBaseDelay(time.Hour), WithMaxAttempts(3))
	worker.ProcessOnce(ctx)

	if len(repo.failedIDs) != 0 || len(repo.sentIDs) != 0 {
		t.Fatalf("interrupted event stays pending, got sent=%v failed=%v", repo.sentIDs, repo.failedIDs)
	}
}

func TestWorker_RetryBackoffIsCapped(t *testing.T) {
	t.Parallel()

	worker := NewWorker(&stubOutboxRepo{}, &stubPublisher{}, WithRetryBaseDelay(100*time.Millisecond))
	if got := worker.retryBackoff(1); got != 100*time.Millisecond {
		t.Fatalf("first delay = %v", got)
	}
	if got := worker.retryBackoff(3); got != 400*time.Millisecond {
		t.Fatalf("third delay = %v", got)
	}
	if got := worker.retryBackoff(40); got != time.Minute {
		t.Fatalf("delay must be capped, got %v", got)
	}
}

type stubOutboxRepo struct {
	pending   []domain.OutboxMessage
	sentIDs   []string
	failedIDs []string
}

func (s *stubOutboxRepo) Enqueue(_ context.Context, msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	return msg, nil
}

func (s *stubOutboxRepo) PullPending(_ context.Context, limit int) ([]domain.OutboxMessage, error) {
	if limit <= 0 || limit >= len(s.pending) {
		return append([]domain.OutboxMessage(nil), s.pending...), nil
	}
	return append([]domain.OutboxMessage(nil), s.pending[:limit]...), nil
}

func (s *stubOutboxRepo) Stats(context.Context) (domain.OutboxStats, error) {
	stats := domain.OutboxStats{
		PendingCount: len(s.pending),
	}
	if len(s.pending) > 0 {
		stats.OldestPendingAt = time.Now().UTC().Add(-time.Second)
	}
	return stats, nil
}

func (s *stubOutboxRepo) MarkSent(_ context.Context, id string) error {
	s.sentIDs = append(s.sentIDs, id)
	return nil
}

func (s *stubOutboxRepo) MarkFailed(_ context.Context, id string) error {
	s.failedIDs = append(s.failedIDs, id)
	return nil
}

func (s *stubOutboxRepo) DeleteProcessedBefore(context.Context, time.Time, int) (int, error) {
	return 0, nil
}

type stubPublisher struct {
	mu             sync.Mutex
	err            error
	sequenceErrors []error
	callCount      int
	events         []domain.OutboxMessage
}

func (s *stubPublisher) Publish(_ context.Context, event domain.OutboxMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.callCount++
	s.events = append(s.events, event)
	if len(s.sequenceErrors) > 0 {
		err := s.sequenceErrors[0]
		s.sequenceErrors = s.sequenceErrors[1:]
		return err
	}

	return s.err
}

func (s *stubPublisher) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callCount
}

var _ domain.OutboxRepository = (*stubOutboxRepo)(nil)
var _ domain.OutboxPublisher = (*stubPublisher)(nil)

func TestWorker_Run_StopsOnContextCancel(t *testing.T) {
	t.Parallel()

	repo := &stubOutboxRepo{}
	publisher := &stubPublisher{}

	worker := NewWorker(
		repo,
		publisher,
		WithPollInterval(5*time.Millisecond),
		WithRetryBaseDelay(0),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(ctx)
	}()

	time.Sleep(15 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Fatal("worker did not stop on context cancel")
	}
}
