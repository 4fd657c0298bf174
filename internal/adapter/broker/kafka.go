package broker

import (
	"context"
	"fmt"

	"wallet-ledger/config"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// NewKafkaWriter builds the shared writer for ledger events. The topic is set
// per message so a single writer serves every topic the outbox stages.
func NewKafkaWriter(cfg config.KafkaConfig, log zerolog.Logger) *kafka.Writer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},    // hash on key: per-user ordering
		RequiredAcks: kafka.RequireOne, // wait for leader acknowledgement
		Async:        false,            // synchronous writes; the outbox owns retries
		MaxAttempts:  cfg.MaxAttempts,
	}

	log.Info().
		Strs("brokers", cfg.Brokers).
		Msg("Kafka writer configured")

	return writer
}

// KafkaPublisher implements ports.EventPublisher over a kafka-go writer.
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher creates a publisher over the given writer.
func NewKafkaPublisher(writer *kafka.Writer) *KafkaPublisher {
	return &KafkaPublisher{writer: writer}
}

// Publish sends one event to the bus. The key is the aggregate (user) id, so
// all events for a user land on one partition in order.
func (p *KafkaPublisher) Publish(ctx context.Context, topic string, key string, payload []byte) error {
	err := p.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: payload,
	})
	if err != nil {
		return fmt.Errorf("write message to kafka: %w", err)
	}
	return nil
}
