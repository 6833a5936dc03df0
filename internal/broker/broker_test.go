package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"checkout-engine/internal/models"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

type fakeReader struct {
	mu        sync.Mutex
	queue     []kafka.Message
	committed []int64
	drained   chan struct{}
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.queue) > 0 {
		msg := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()

	select {
	case r.drained <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func TestPublishIntentEvent(t *testing.T) {
	writer := &fakeWriter{}
	publisher := NewEventPublisher(NewProducerWithWriter(writer))

	event := &models.IntentEvent{
		BaseEvent:   models.BaseEvent{EventID: "evt-1", EventType: models.EventTypeIntentCreated, Timestamp: time.Now()},
		IntentID:    "abc",
		Status:      models.IntentStatusCreated,
		TotalAmount: decimal.NewFromInt(1230),
		Currency:    "INR",
	}
	require.NoError(t, publisher.PublishIntentEvent(context.Background(), event))

	require.Len(t, writer.msgs, 1)
	assert.Equal(t, "intent-abc", string(writer.msgs[0].Key))

	var decoded models.IntentEvent
	require.NoError(t, json.Unmarshal(writer.msgs[0].Value, &decoded))
	assert.Equal(t, models.EventTypeIntentCreated, decoded.EventType)
	assert.True(t, decoded.TotalAmount.Equal(decimal.NewFromInt(1230)))
}

func TestPublishEventWriteFailure(t *testing.T) {
	writer := &fakeWriter{err: errors.New("broker down")}
	producer := NewProducerWithWriter(writer)

	err := producer.PublishEvent(context.Background(), "k", map[string]string{"a": "b"})
	assert.ErrorContains(t, err, "broker down")
}

func paymentMessage(t *testing.T, offset int64, event models.PaymentEvent) kafka.Message {
	raw, err := json.Marshal(event)
	require.NoError(t, err)
	return kafka.Message{Offset: offset, Value: raw}
}

func TestConsumerRoutesAndAlwaysCommits(t *testing.T) {
	reader := &fakeReader{drained: make(chan struct{}, 1)}
	reader.queue = []kafka.Message{
		paymentMessage(t, 1, models.PaymentEvent{
			BaseEvent:      models.BaseEvent{EventID: "e1", EventType: models.EventTypePaymentCaptured},
			GatewayOrderID: "order_1",
			PaymentID:      "pay_1",
		}),
		{Offset: 2, Value: []byte("not json")},
		paymentMessage(t, 3, models.PaymentEvent{
			BaseEvent:      models.BaseEvent{EventID: "e3", EventType: models.EventTypePaymentFailed},
			GatewayOrderID: "order_2",
		}),
		paymentMessage(t, 4, models.PaymentEvent{
			BaseEvent: models.BaseEvent{EventID: "e4", EventType: "refund.created"},
		}),
	}

	var seen []string
	handler := NewEventHandler()
	handler.OnPaymentEvent(func(ctx context.Context, event *models.PaymentEvent) error {
		seen = append(seen, event.EventID)
		if event.EventType == models.EventTypePaymentFailed {
			return errors.New("database unavailable")
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- NewConsumerWithReader(reader, "payments").StartConsuming(ctx, handler.HandleMessage)
	}()

	select {
	case <-reader.drained:
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not drain the queue")
	}
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	assert.Equal(t, []string{"e1", "e3"}, seen)
	reader.mu.Lock()
	defer reader.mu.Unlock()
	assert.Equal(t, []int64{1, 2, 3, 4}, reader.committed)
}
