package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
)

// Message is one record read from the activity topic. Value holds the
// JSON-encoded activity log entry; Key is the project it concerns.
type Message struct {
	Topic   string
	Key     []byte
	Value   []byte
	Offset  int64
	Time    time.Time
	Headers []kafka.Header
}

// HandlerFunc consumes one record. A nil return commits its offset. On error
// the offset stays uncommitted and the next member to join the group starts
// from it.
type HandlerFunc func(ctx context.Context, msg Message) error

// Consumer follows a topic as a member of one consumer group.
type Consumer interface {
	Subscribe(ctx context.Context, handler HandlerFunc) error
	Close() error
}

// ConsumerOption configures NewConsumer.
type ConsumerOption func(*kafka.ReaderConfig)

// FromLatest makes a group with no committed offset start at the end of the
// topic instead of the beginning.
func FromLatest() ConsumerOption {
	return func(c *kafka.ReaderConfig) { c.StartOffset = kafka.LastOffset }
}

type consumer struct {
	reader *kafka.Reader
	group  string
	logger *slog.Logger
}

// NewConsumer joins groupID on topic. Offsets are committed explicitly after
// each handled record, and a new group replays from the oldest retained
// record unless FromLatest is given.
func NewConsumer(brokers []string, topic, groupID string, logger *slog.Logger, opts ...ConsumerOption) Consumer {
	cfg := kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        500 * time.Millisecond,
		CommitInterval: 0,
		StartOffset:    kafka.FirstOffset,
	}
	for _, o := range opts {
		o(&cfg)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &consumer{
		reader: kafka.NewReader(cfg),
		group:  groupID,
		logger: logger.With(slog.String("topic", topic), slog.String("group", groupID)),
	}
}

// Subscribe hands records to handler until ctx ends, which is a clean return.
// The handler's ctx carries any trace context the recorder attached.
func (c *consumer) Subscribe(ctx context.Context, handler HandlerFunc) error {
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch from group %s: %w", c.group, err)
		}

		carrier := HeaderCarrier(m.Headers)
		if err := handler(otel.GetTextMapPropagator().Extract(ctx, &carrier), toMessage(m)); err != nil {
			c.logger.Error("activity handler failed, offset left uncommitted",
				slog.Int64("offset", m.Offset),
				slog.String("error", err.Error()),
			)
			continue
		}
		if err := c.reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			c.logger.Error("commit offset",
				slog.Int64("offset", m.Offset),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (c *consumer) Close() error {
	return c.reader.Close()
}

func toMessage(m kafka.Message) Message {
	return Message{
		Topic:   m.Topic,
		Key:     m.Key,
		Value:   m.Value,
		Offset:  m.Offset,
		Time:    m.Time,
		Headers: m.Headers,
	}
}
