package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/alexnthnz/tutoring-automation/internal/automation"
	"github.com/alexnthnz/tutoring-automation/internal/config"
)

// TriggerHandler processes one trigger taken off the topic
type TriggerHandler func(ctx context.Context, trigger automation.Trigger) error

// Producer publishes trigger events to Kafka
type Producer struct {
	writer *kafka.Writer
	logger *zap.Logger
}

// Consumer reads trigger events from Kafka
type Consumer struct {
	reader        messageReader
	retryDelay    time.Duration
	maxRetryDelay time.Duration
	logger        *zap.Logger
}

// messageReader is the part of kafka.Reader the consumer uses
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

const (
	defaultRetryDelay    = 500 * time.Millisecond
	defaultMaxRetryDelay = 30 * time.Second
)

// NewProducer creates a new Kafka producer
func NewProducer(cfg config.KafkaConfig, logger *zap.Logger) *Producer {
	if logger == nil {
		logger = zap.NewNop()
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.TriggerTopic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		BatchSize:    100,
		Async:        false,
	}

	return &Producer{writer: writer, logger: logger}
}

// NewConsumer creates a new Kafka consumer in the configured group
func NewConsumer(cfg config.KafkaConfig, logger *zap.Logger) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       cfg.TriggerTopic,
		GroupID:     cfg.GroupID,
		MinBytes:    1,
		MaxBytes:    10e6, // 10MB
		MaxWait:     1 * time.Second,
		StartOffset: kafka.LastOffset,
	})

	return newConsumer(reader, logger)
}

func newConsumer(reader messageReader, logger *zap.Logger) *Consumer {
	return &Consumer{
		reader:        reader,
		retryDelay:    defaultRetryDelay,
		maxRetryDelay: defaultMaxRetryDelay,
		logger:        logger,
	}
}

// EncodeTrigger builds the Kafka message for a trigger, keyed by trigger id.
// A trigger without an id gets one.
func EncodeTrigger(trigger automation.Trigger) (kafka.Message, error) {
	if trigger.ID == "" {
		trigger.ID = uuid.New().String()
	}
	if trigger.OccurredAt.IsZero() {
		trigger.OccurredAt = time.Now().UTC()
	}
	data, err := json.Marshal(trigger)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to marshal trigger: %w", err)
	}

	return kafka.Message{
		Key:   []byte(trigger.ID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "trigger_type", Value: []byte(trigger.TriggerType)},
			{Key: "audience", Value: []byte(trigger.Audience)},
		},
		Time: time.Now(),
	}, nil
}

// DecodeTrigger parses a trigger message
func DecodeTrigger(msg kafka.Message) (automation.Trigger, error) {
	var trigger automation.Trigger
	if err := json.Unmarshal(msg.Value, &trigger); err != nil {
		return trigger, fmt.Errorf("failed to unmarshal trigger: %w", err)
	}
	if trigger.TriggerType == "" {
		return trigger, errors.New("trigger has no trigger_type")
	}
	if trigger.OccurredAt.IsZero() {
		return trigger, errors.New("trigger has no occurred_at")
	}
	if trigger.ID == "" {
		trigger.ID = string(msg.Key)
	}
	return trigger, nil
}

// Publish writes a trigger to the topic and returns its id
func (p *Producer) Publish(ctx context.Context, trigger automation.Trigger) (string, error) {
	msg, err := EncodeTrigger(trigger)
	if err != nil {
		return "", err
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return "", fmt.Errorf("failed to write message to Kafka: %w", err)
	}

	p.logger.Info("Published trigger", zap.String("trigger_id", string(msg.Key)), zap.String("trigger_type", string(trigger.TriggerType)))
	return string(msg.Key), nil
}

// Consume hands every trigger on the topic to handler until ctx is done.
//
// A handler error is retried with exponential backoff and the offset is only
// committed once the handler succeeds, so a trigger is never skipped while
// the store or catalog is unavailable. If ctx ends first the offset stays
// uncommitted and the trigger is redelivered; the occurrence guard absorbs
// the repeat. Malformed messages are logged and committed.
func (c *Consumer) Consume(ctx context.Context, handler TriggerHandler) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			c.logger.Error("Error reading message from Kafka", zap.Error(err))
			continue
		}

		trigger, err := DecodeTrigger(msg)
		if err != nil {
			c.logger.Error("Dropping malformed trigger",
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err),
			)
		} else if err := c.handle(ctx, handler, trigger); err != nil {
			c.logger.Warn("Stopped before trigger was processed; offset left uncommitted",
				zap.String("trigger_id", trigger.ID),
				zap.Int64("offset", msg.Offset),
			)
			return nil
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.logger.Error("Failed to commit offset", zap.Int64("offset", msg.Offset), zap.Error(err))
		}
	}
}

// handle runs handler until it succeeds or ctx is done
func (c *Consumer) handle(ctx context.Context, handler TriggerHandler, trigger automation.Trigger) error {
	delay := c.retryDelay
	for attempt := 1; ; attempt++ {
		err := handler(ctx, trigger)
		if err == nil {
			c.logger.Debug("Processed trigger", zap.String("trigger_id", trigger.ID))
			return nil
		}
		c.logger.Error("Error processing trigger, retrying",
			zap.String("trigger_id", trigger.ID),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay = min(delay*2, c.maxRetryDelay)
	}
}

// Close closes the producer
func (p *Producer) Close() error {
	return p.writer.Close()
}

// Close closes the consumer
func (c *Consumer) Close() error {
	return c.reader.Close()
}
