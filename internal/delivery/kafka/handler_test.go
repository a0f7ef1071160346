package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/bissquit/relay/internal/domain"
	"github.com/bissquit/relay/internal/queue"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockWriter struct {
	mu     sync.Mutex
	msgs   []kafkago.Message
	err    error
	closed bool
}

func (w *mockWriter) WriteMessages(_ context.Context, msgs ...kafkago.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *mockWriter) Close() error {
	w.closed = true
	return nil
}

func newItem(payload string) *domain.WorkItem {
	return &domain.WorkItem{
		ID:           "9c4b8c3e-52f1-4e7e-a3c4-0f8e6b1a2d3c",
		Kind:         domain.KindKafka,
		Payload:      json.RawMessage(payload),
		AttemptCount: 2,
		MaxAttempts:  5,
	}
}

func header(msg kafkago.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func TestNewHandler(t *testing.T) {
	_, err := NewHandler(Config{})
	assert.Error(t, err)

	h, err := NewHandler(Config{Brokers: []string{"localhost:9092"}, Topic: "tasks"})
	require.NoError(t, err)
	assert.Equal(t, domain.KindKafka, h.Kind())
	assert.Equal(t, int(kafkago.RequireAll), h.config.RequiredAcks)
	require.NoError(t, h.Close())
}

func TestHandler_Handle_DefaultTopic(t *testing.T) {
	writer := &mockWriter{}
	h := newHandler(Config{Topic: "tasks"}, writer)

	err := h.Handle(context.Background(), newItem(`{"value":{"job":"reindex"},"headers":{"tenant":"acme"}}`))
	require.NoError(t, err)

	require.Len(t, writer.msgs, 1)
	msg := writer.msgs[0]
	assert.Equal(t, "tasks", msg.Topic)
	assert.Equal(t, "9c4b8c3e-52f1-4e7e-a3c4-0f8e6b1a2d3c", string(msg.Key))
	assert.JSONEq(t, `{"job":"reindex"}`, string(msg.Value))
	assert.Equal(t, domain.KindKafka, header(msg, HeaderKind))
	assert.Equal(t, "2", header(msg, HeaderAttempt))
	assert.Equal(t, "acme", header(msg, "tenant"))
}

func TestHandler_Handle_PayloadTopicAndKey(t *testing.T) {
	writer := &mockWriter{}
	h := newHandler(Config{Topic: "tasks"}, writer)

	err := h.Handle(context.Background(), newItem(`{"topic":"billing","key":"acct-42","value":"charge"}`))
	require.NoError(t, err)

	require.Len(t, writer.msgs, 1)
	assert.Equal(t, "billing", writer.msgs[0].Topic)
	assert.Equal(t, "acct-42", string(writer.msgs[0].Key))
}

func TestHandler_Handle_InvalidPayload(t *testing.T) {
	tests := []struct {
		name    string
		topic   string
		payload string
	}{
		{"not an object", "tasks", `[1,2]`},
		{"missing value", "tasks", `{"topic":"x"}`},
		{"no topic anywhere", "", `{"value":1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHandler(Config{Topic: tt.topic}, &mockWriter{})
			err := h.Handle(context.Background(), newItem(tt.payload))
			assert.Equal(t, domain.OutcomePermanentFailure, queue.Classify(err))
		})
	}
}

func TestHandler_Handle_WriteErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want domain.Outcome
	}{
		{"leader not available", kafkago.LeaderNotAvailable, domain.OutcomeTransientFailure},
		{"message too large", kafkago.MessageSizeTooLarge, domain.OutcomePermanentFailure},
		{"not authorized", kafkago.TopicAuthorizationFailed, domain.OutcomePermanentFailure},
		{"batch with permanent", kafkago.WriteErrors{kafkago.InvalidTopic}, domain.OutcomePermanentFailure},
		{"batch with temporary", kafkago.WriteErrors{kafkago.NotEnoughReplicas}, domain.OutcomeTransientFailure},
		{"deadline", fmt.Errorf("write: %w", context.DeadlineExceeded), domain.OutcomeTransientFailure},
		{"network", errors.New("dial tcp: connection refused"), domain.OutcomeTransientFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHandler(Config{Topic: "tasks"}, &mockWriter{err: tt.err})
			err := h.Handle(context.Background(), newItem(`{"value":1}`))
			require.Error(t, err)
			assert.Equal(t, tt.want, queue.Classify(err))
		})
	}
}

func TestHandler_Close(t *testing.T) {
	writer := &mockWriter{}
	require.NoError(t, newHandler(Config{}, writer).Close())
	assert.True(t, writer.closed)
}
