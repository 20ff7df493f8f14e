package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/rider-assignment/internal/observability"
	"github.com/example/rider-assignment/internal/retry"
)

// ErrInvalidMessage marks a message that can never be processed.
var ErrInvalidMessage = errors.New("ingest: invalid message")

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Handler func(ctx context.Context, msg kafka.Message) error

// Consumer reads one topic in a consumer group and hands every message to a
// handler. Read errors back off exponentially. Handler errors other than
// ErrInvalidMessage are retried under the handle policy; the offset is only
// committed once the message is handled or given up on.
type Consumer struct {
	reader     messageReader
	topic      string
	handle     Handler
	logger     *slog.Logger
	minBackoff time.Duration
	maxBackoff time.Duration
	policy     retry.Policy
}

// DefaultHandlePolicy bounds how long a single message can hold up its partition.
func DefaultHandlePolicy() retry.Policy {
	return retry.Policy{Attempts: 5, Initial: 500 * time.Millisecond, Max: 10 * time.Second, CallTimeout: 15 * time.Second}
}

func NewConsumer(brokers []string, topic, group string, handle Handler, logger *slog.Logger) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: topic, GroupID: group, MinBytes: 10e3, MaxBytes: 10e6})
	return newConsumer(r, topic, handle, logger)
}

func newConsumer(r messageReader, topic string, handle Handler, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{reader: r, topic: topic, handle: handle, logger: logger, minBackoff: time.Second, maxBackoff: 30 * time.Second, policy: DefaultHandlePolicy()}
}

// Run blocks until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("consumer listening", "topic", c.topic)
	backoff := c.minBackoff
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("shutting down consumer", "topic", c.topic)
				return nil
			}
			c.logger.Warn("kafka read error", "topic", c.topic, "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > c.maxBackoff {
				backoff = c.maxBackoff
			}
			continue
		}
		backoff = c.minBackoff

		result := c.process(ctx, m)
		if ctx.Err() != nil {
			// uncommitted; the group redelivers it after restart
			c.logger.Info("shutting down consumer", "topic", c.topic)
			return nil
		}
		observability.EventsConsumed.WithLabelValues(c.topic, result).Inc()
		if err := c.reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			c.logger.Warn("kafka commit failed", "topic", c.topic, "offset", m.Offset, "error", err)
		}
	}
}

func (c *Consumer) process(ctx context.Context, m kafka.Message) string {
	err := retry.Do(ctx, c.policy, func(ctx context.Context) error {
		err := c.handle(ctx, m)
		if errors.Is(err, ErrInvalidMessage) {
			return retry.Permanent(err)
		}
		if err != nil {
			c.logger.Warn("message handling failed", "topic", c.topic, "key", string(m.Key), "offset", m.Offset, "error", err)
		}
		return err
	})
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidMessage):
		c.logger.Warn("invalid message skipped", "topic", c.topic, "key", string(m.Key), "offset", m.Offset, "error", err)
		return "invalid"
	default:
		c.logger.Error("message dropped after retries", "topic", c.topic, "key", string(m.Key), "offset", m.Offset, "error", err)
		return "error"
	}
}

func (c *Consumer) Close() error { return c.reader.Close() }
