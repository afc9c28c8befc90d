// Package kafka provides Kafka-based implementations of the queue
// interfaces. Events are keyed by their fingerprint-derived partition key,
// so all events of one monitored object land on the same partition and
// reach the correlation pass in publish order.
package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"alertflow/internal/config"
	"alertflow/internal/queue"
)

// Producer publishes normalized events to the event topic.
type Producer struct {
	writer *kafka.Writer
}

// NewProducer creates a Kafka producer for the configured event topic.
func NewProducer(cfg *config.KafkaConfig) *Producer {
	writer := &kafka.Writer{
		Addr:  kafka.TCP(cfg.Brokers...),
		Topic: cfg.Topic,
		// Hash balancing keeps one fingerprint on one partition, which
		// the per-partition ordering of the correlation pass relies on.
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Compression:  kafka.Snappy,
	}

	return &Producer{
		writer: writer,
	}
}

// Publish sends one event message. The message key is the partition key
// computed at ingestion; headers carry the event id and source for
// inspection without decoding the payload.
func (p *Producer) Publish(ctx context.Context, msg *queue.Message) error {
	kafkaMsg := kafka.Message{
		Key:   msg.Key,
		Value: msg.Value,
	}

	if len(msg.Headers) > 0 {
		kafkaMsg.Headers = make([]kafka.Header, 0, len(msg.Headers))
		for k, v := range msg.Headers {
			kafkaMsg.Headers = append(kafkaMsg.Headers, kafka.Header{
				Key:   k,
				Value: []byte(v),
			})
		}
	}

	if err := p.writer.WriteMessages(ctx, kafkaMsg); err != nil {
		return fmt.Errorf("failed to write event to kafka: %w", err)
	}

	return nil
}

// Close flushes pending batches and closes the writer.
func (p *Producer) Close() error {
	if p.writer != nil {
		return p.writer.Close()
	}
	return nil
}
