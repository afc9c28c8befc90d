// Package queue defines the transport interfaces between event ingestion
// and the correlation processor. This abstraction allows swapping
// implementations (Kafka for production, in-memory for tests) without
// changing business logic.
package queue

import (
	"context"
)

// Message is one canonical event in transit.
type Message struct {
	// Key is the partition key. Events sharing a fingerprint share a key,
	// so each fingerprint's events arrive in order at a single consumer.
	Key []byte

	// Value is the JSON-encoded event.
	Value []byte

	// Headers carries optional metadata such as event_id and alert_source.
	Headers map[string]string
}

// Producer defines the interface for publishing events to a queue.
// Implementations must be safe for concurrent use.
type Producer interface {
	// Publish sends a message to the queue.
	// Messages with the same key are delivered in publish order.
	Publish(ctx context.Context, msg *Message) error

	// Close releases any resources held by the producer.
	Close() error
}

// MessageHandler is a callback function for processing consumed messages.
// Returning an error signals the implementation to hold the message
// uncommitted for redelivery.
type MessageHandler func(ctx context.Context, msg *Message) error

// Consumer defines the interface for consuming messages from a queue.
type Consumer interface {
	// Start begins consuming messages and calls the handler for each one.
	// This is a blocking call that runs until the context is canceled
	// or an unrecoverable error occurs.
	Start(ctx context.Context, handler MessageHandler) error

	// Close stops consuming and releases any resources.
	Close() error
}
