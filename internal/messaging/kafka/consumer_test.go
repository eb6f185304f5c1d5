package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	log "github.com/sirupsen/logrus"
)

type mockConsumerGroup struct {
	consumeFn func(context.Context, []string, sarama.ConsumerGroupHandler) error
	errorsCh  chan error
	closeFn   func() error
}

func (m *mockConsumerGroup) Consume(ctx context.Context, topics []string, handler sarama.ConsumerGroupHandler) error {
	if m.consumeFn != nil {
		return m.consumeFn(ctx, topics, handler)
	}
	return nil
}

func (m *mockConsumerGroup) Errors() <-chan error {
	return m.errorsCh
}

func (m *mockConsumerGroup) Close() error {
	if m.closeFn != nil {
		return m.closeFn()
	}
	if m.errorsCh != nil {
		close(m.errorsCh)
	}
	return nil
}

func (m *mockConsumerGroup) Pause(map[string][]int32)  {}
func (m *mockConsumerGroup) Resume(map[string][]int32) {}
func (m *mockConsumerGroup) PauseAll()                 {}
func (m *mockConsumerGroup) ResumeAll()                {}

type mockSession struct {
	ctx    context.Context
	marked []*sarama.ConsumerMessage
}

func (m *mockSession) Claims() map[string][]int32               { return nil }
func (m *mockSession) MemberID() string                         { return "member" }
func (m *mockSession) GenerationID() int32                      { return 1 }
func (m *mockSession) MarkOffset(string, int32, int64, string)  {}
func (m *mockSession) Commit()                                  {}
func (m *mockSession) ResetOffset(string, int32, int64, string) {}
func (m *mockSession) Context() context.Context                 { return m.ctx }
func (m *mockSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	m.marked = append(m.marked, msg)
}

type mockClaim struct {
	topic     string
	partition int32
	messages  chan *sarama.ConsumerMessage
}

func (m *mockClaim) Topic() string                            { return m.topic }
func (m *mockClaim) Partition() int32                         { return m.partition }
func (m *mockClaim) InitialOffset() int64                     { return 0 }
func (m *mockClaim) HighWaterMarkOffset() int64               { return 0 }
func (m *mockClaim) Messages() <-chan *sarama.ConsumerMessage { return m.messages }

func variantMessage() *sarama.ConsumerMessage {
	return &sarama.ConsumerMessage{
		Topic:     TopicCatalogVariants,
		Partition: 0,
		Offset:    1,
		Key:       []byte("prod-1"),
		Value:     []byte(`{"product_id":"prod-1","variant_id":1,"stock":3}`),
	}
}

func TestNewConsumerErrors(t *testing.T) {
	handler := func(context.Context, *sarama.ConsumerMessage) error { return nil }
	if _, err := NewConsumer([]string{"invalid-broker:9092"}, DefaultConsumerGroup, []string{TopicCatalogVariants}, handler); err == nil {
		t.Fatal("expected new consumer error")
	}
}

func TestConsumerOptions(t *testing.T) {
	dlq := &Producer{}
	consumer := newConsumer(&mockConsumerGroup{}, nil, nil, WithDLQ(dlq), WithRetries(5, time.Second))
	if consumer.dlqProducer != dlq || consumer.maxRetries != 5 || consumer.retryBackoff != time.Second {
		t.Fatalf("options not applied: %+v", consumer)
	}

	defaults := newConsumer(&mockConsumerGroup{}, nil, nil, WithRetries(-1, -1))
	if defaults.maxRetries != defaultMaxRetries || defaults.retryBackoff != defaultRetryBackoff {
		t.Fatalf("negative options must keep defaults: %+v", defaults)
	}
}

func TestConsumerStartStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var consumeCalls atomic.Int32
	errorsCh := make(chan error, 1)
	group := &mockConsumerGroup{
		errorsCh: errorsCh,
		consumeFn: func(_ context.Context, topics []string, _ sarama.ConsumerGroupHandler) error {
			consumeCalls.Add(1)
			if len(topics) != 1 || topics[0] != TopicCatalogVariants {
				t.Errorf("unexpected topics: %v", topics)
			}
			cancel()
			return errors.New("rebalance")
		},
		closeFn: func() error {
			close(errorsCh)
			return nil
		},
	}

	consumer := newConsumer(group, []string{TopicCatalogVariants}, func(context.Context, *sarama.ConsumerMessage) error { return nil })

	errorsCh <- errors.New("background error")
	if err := consumer.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	deadline := time.After(time.Second)
	for consumeCalls.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("expected consume call")
		case <-time.After(time.Millisecond):
		}
	}
	if err := consumer.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
}

func TestConsumerStopError(t *testing.T) {
	errorsCh := make(chan error)
	group := &mockConsumerGroup{errorsCh: errorsCh, closeFn: func() error {
		close(errorsCh)
		return errors.New("close failed")
	}}
	consumer := newConsumer(group, nil, nil)
	if err := consumer.Stop(); err == nil {
		t.Fatal("expected stop error")
	}
}

func TestConsumeClaim(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	consumer := newConsumer(&mockConsumerGroup{}, nil, func(context.Context, *sarama.ConsumerMessage) error { return nil })

	session := &mockSession{ctx: ctx}
	claim := &mockClaim{topic: TopicCatalogVariants, messages: make(chan *sarama.ConsumerMessage, 1)}
	claim.messages <- variantMessage()
	close(claim.messages)

	if err := consumer.ConsumeClaim(session, claim); err != nil {
		t.Fatalf("ConsumeClaim failed: %v", err)
	}
	if len(session.marked) != 1 {
		t.Fatalf("expected one marked message, got %d", len(session.marked))
	}
}

func TestConsumeClaimFailedHandlerWithoutDLQ(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var attempts int
	consumer := newConsumer(&mockConsumerGroup{}, nil, func(context.Context, *sarama.ConsumerMessage) error {
		attempts++
		return errors.New("failed")
	}, WithRetries(2, 0))

	session := &mockSession{ctx: ctx}
	claim := &mockClaim{topic: TopicCatalogVariants, messages: make(chan *sarama.ConsumerMessage, 1)}
	claim.messages <- variantMessage()
	close(claim.messages)

	if err := consumer.ConsumeClaim(session, claim); err != nil {
		t.Fatalf("ConsumeClaim failed: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
	if len(session.marked) != 0 {
		t.Fatalf("failed message should not be marked, got %d", len(session.marked))
	}
}

func TestHandleMessage_RecoversOnRetry(t *testing.T) {
	var attempts int
	consumer := newConsumer(&mockConsumerGroup{}, nil, func(context.Context, *sarama.ConsumerMessage) error {
		attempts++
		if attempts == 1 {
			return errors.New("temporary")
		}
		return nil
	}, WithRetries(3, 0))

	if err := consumer.handleMessage(context.Background(), variantMessage()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}

func TestHandleMessage_SendsToDLQ(t *testing.T) {
	mockProducer := mocks.NewSyncProducer(t, nil)
	mockProducer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var decoded map[string]any
		if err := json.Unmarshal(val, &decoded); err != nil {
			return err
		}
		if decoded["original_topic"] != TopicCatalogVariants || decoded["error_message"] != "permanent" {
			t.Errorf("unexpected dlq payload: %s", val)
		}
		if decoded["retry_count"] != float64(3) {
			t.Errorf("expected retry_count 3, got %v", decoded["retry_count"])
		}
		return nil
	})

	consumer := newConsumer(&mockConsumerGroup{}, nil,
		func(context.Context, *sarama.ConsumerMessage) error { return errors.New("permanent") },
		WithRetries(1, 0),
		WithDLQ(&Producer{producer: mockProducer, logger: log.WithField("test", "dlq")}),
	)

	msg := variantMessage()
	msg.Headers = []*sarama.RecordHeader{{Key: []byte(HeaderRetryCount), Value: []byte("2")}}
	if err := consumer.handleMessage(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error after dlq publish: %v", err)
	}
	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestHandleMessage_DLQFailure(t *testing.T) {
	mockProducer := mocks.NewSyncProducer(t, nil)
	mockProducer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	consumer := newConsumer(&mockConsumerGroup{}, nil,
		func(context.Context, *sarama.ConsumerMessage) error { return errors.New("permanent") },
		WithRetries(0, 0),
		WithDLQ(&Producer{producer: mockProducer, logger: log.WithField("test", "dlq")}),
	)

	if err := consumer.handleMessage(context.Background(), variantMessage()); err == nil {
		t.Fatal("expected dlq failure")
	}
	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestHandleMessage_StopsOnCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	consumer := newConsumer(&mockConsumerGroup{}, nil, func(context.Context, *sarama.ConsumerMessage) error {
		cancel()
		return errors.New("failed")
	}, WithRetries(3, time.Hour))

	err := consumer.handleMessage(ctx, variantMessage())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
}

func TestRetryCount(t *testing.T) {
	msg := &sarama.ConsumerMessage{Headers: []*sarama.RecordHeader{{Key: []byte(HeaderRetryCount), Value: []byte("5")}}}
	if got := retryCount(msg); got != 5 {
		t.Fatalf("unexpected retry count: %d", got)
	}

	invalid := &sarama.ConsumerMessage{Headers: []*sarama.RecordHeader{{Key: []byte(HeaderRetryCount), Value: []byte("bad")}}}
	if got := retryCount(invalid); got != 0 {
		t.Fatalf("invalid retry count should fallback to 0, got %d", got)
	}
}

func TestConsumeClaimStopsOnContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	consumer := newConsumer(&mockConsumerGroup{}, nil, func(context.Context, *sarama.ConsumerMessage) error { return nil })
	session := &mockSession{ctx: ctx}
	claim := &mockClaim{topic: TopicCatalogVariants, messages: make(chan *sarama.ConsumerMessage)}

	done := make(chan struct{})
	go func() {
		_ = consumer.ConsumeClaim(session, claim)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ConsumeClaim did not stop after context cancellation")
	}
}
