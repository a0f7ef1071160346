// Package kafka delivers work items by publishing them to Kafka topics.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/bissquit/relay/internal/domain"
	"github.com/bissquit/relay/internal/queue"
	kafkago "github.com/segmentio/kafka-go"
)

// Message header keys.
const (
	HeaderKind    = "relay-kind"
	HeaderItemID  = "relay-item-id"
	HeaderAttempt = "relay-attempt"
)

// Config holds producer configuration.
type Config struct {
	Brokers      []string
	Topic        string // used when the payload names no topic
	RequiredAcks int    // -1 all, 1 leader
	WriteTimeout time.Duration
	BatchTimeout time.Duration
}

// Payload is the work item payload for the kafka kind.
type Payload struct {
	Topic   string            `json:"topic,omitempty"`
	Key     string            `json:"key,omitempty"`
	Value   json.RawMessage   `json:"value"`
	Headers map[string]string `json:"headers,omitempty"`
}

// messageWriter is the subset of *kafkago.Writer the handler uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Handler publishes kafka work items.
type Handler struct {
	config Config
	writer messageWriter
}

// NewHandler creates a new Kafka handler with a synchronous writer.
func NewHandler(config Config) (*Handler, error) {
	if len(config.Brokers) == 0 {
		return nil, errors.New("kafka handler: at least one broker is required")
	}
	if config.RequiredAcks == 0 {
		config.RequiredAcks = int(kafkago.RequireAll)
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = 10 * time.Second
	}
	if config.BatchTimeout == 0 {
		config.BatchTimeout = 10 * time.Millisecond
	}

	writer := &kafkago.Writer{
		Addr:                   kafkago.TCP(config.Brokers...),
		Balancer:               &kafkago.Hash{},
		RequiredAcks:           kafkago.RequiredAcks(config.RequiredAcks),
		MaxAttempts:            1, // the queue owns retries
		WriteTimeout:           config.WriteTimeout,
		BatchTimeout:           config.BatchTimeout,
		AllowAutoTopicCreation: false,
		Async:                  false,
	}

	slog.Info("kafka handler configured",
		"brokers", config.Brokers,
		"default_topic", config.Topic,
		"required_acks", config.RequiredAcks,
	)

	return newHandler(config, writer), nil
}

func newHandler(config Config, writer messageWriter) *Handler {
	return &Handler{config: config, writer: writer}
}

// Kind returns the work item kind.
func (h *Handler) Kind() string {
	return domain.KindKafka
}

// Handle publishes the item's value and waits for the broker acknowledgement.
func (h *Handler) Handle(ctx context.Context, item *domain.WorkItem) error {
	var payload Payload
	if err := json.Unmarshal(item.Payload, &payload); err != nil {
		return queue.NewNonRetryableError(fmt.Errorf("decode payload: %w", err))
	}
	if len(payload.Value) == 0 {
		return queue.NewNonRetryableError(errors.New("payload value is required"))
	}

	topic := payload.Topic
	if topic == "" {
		topic = h.config.Topic
	}
	if topic == "" {
		return queue.NewNonRetryableError(errors.New("no topic in payload and no default topic configured"))
	}

	key := payload.Key
	if key == "" {
		key = item.ID
	}

	msg := kafkago.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: payload.Value,
		Headers: []kafkago.Header{
			{Key: HeaderKind, Value: []byte(item.Kind)},
			{Key: HeaderItemID, Value: []byte(item.ID)},
			{Key: HeaderAttempt, Value: []byte(strconv.Itoa(item.AttemptCount))},
		},
	}
	for k, v := range payload.Headers {
		msg.Headers = append(msg.Headers, kafkago.Header{Key: k, Value: []byte(v)})
	}

	if err := h.writer.WriteMessages(ctx, msg); err != nil {
		return classify(fmt.Errorf("publish to %s: %w", topic, err))
	}

	slog.Debug("kafka message published", "item_id", item.ID, "topic", topic)
	return nil
}

// Close flushes and closes the writer.
func (h *Handler) Close() error {
	return h.writer.Close()
}

// classify marks broker errors that will fail again on retry as permanent.
func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return queue.NewRetryableError(err)
	}

	var writeErrs kafkago.WriteErrors
	if errors.As(err, &writeErrs) {
		for _, e := range writeErrs {
			if e != nil && isPermanent(e) {
				return queue.NewNonRetryableError(err)
			}
		}
		return queue.NewRetryableError(err)
	}

	if isPermanent(err) {
		return queue.NewNonRetryableError(err)
	}
	return queue.NewRetryableError(err)
}

func isPermanent(err error) bool {
	var kerr kafkago.Error
	if !errors.As(err, &kerr) {
		return false
	}
	switch kerr {
	case kafkago.MessageSizeTooLarge,
		kafkago.InvalidTopic,
		kafkago.TopicAuthorizationFailed,
		kafkago.InvalidMessage,
		kafkago.RecordListTooLarge:
		return true
	}
	return !kerr.Temporary()
}
