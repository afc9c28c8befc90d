// Package ingest provides the event ingestion service.
// It normalizes raw source payloads into canonical events, computes
// partition keys, and publishes to the message queue for asynchronous
// correlation.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"alertflow/internal/adapter"
	"alertflow/internal/correlation"
	"alertflow/internal/domain"
	"alertflow/internal/metrics"
	"alertflow/internal/queue"
)

// Errors returned by the ingest service.
var (
	ErrUnknownSource = errors.New("unknown alert source")
	ErrPublishFailed = errors.New("failed to publish event to queue")
)

// Service handles event ingestion logic: adapter lookup, normalization,
// partition key computation and queue publishing.
type Service struct {
	producer queue.Producer
	logger   *slog.Logger

	mu       sync.RWMutex
	adapters map[string]*adapter.Adapter
}

// NewService creates a new ingest service.
func NewService(producer queue.Producer, logger *slog.Logger) *Service {
	return &Service{
		producer: producer,
		logger:   logger,
		adapters: make(map[string]*adapter.Adapter),
	}
}

// RegisterSource installs an adapter for a named source. A second
// registration for the same source replaces the first.
func (s *Service) RegisterSource(source string, mapping adapter.Mapping) {
	if mapping.Source == "" {
		mapping.Source = source
	}
	s.mu.Lock()
	s.adapters[source] = adapter.New(mapping)
	s.mu.Unlock()
}

// Sources lists the registered source names.
func (s *Service) Sources() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.adapters))
	for name := range s.adapters {
		out = append(out, name)
	}
	return out
}

// IngestRaw normalizes a raw payload from the named source and publishes
// the canonical event. It returns the event for the API response.
func (s *Service) IngestRaw(ctx context.Context, source string, payload []byte) (*domain.Event, error) {
	s.mu.RLock()
	a, ok := s.adapters[source]
	s.mu.RUnlock()
	if !ok {
		metrics.EventsReceivedTotal.WithLabelValues(source, "unknown_source").Inc()
		return nil, fmt.Errorf("%w: %q", ErrUnknownSource, source)
	}

	event, err := a.Normalize(payload)
	if err != nil {
		metrics.EventsReceivedTotal.WithLabelValues(source, "invalid").Inc()
		s.logger.Warn("payload rejected", "source", source, "error", err)
		return nil, err
	}

	if err := s.IngestEvent(ctx, event); err != nil {
		return nil, err
	}
	return event, nil
}

// IngestEvent publishes an already canonical event to the message queue.
// Events sharing a fingerprint share a partition key, so they are consumed
// in order by a single worker.
func (s *Service) IngestEvent(ctx context.Context, event *domain.Event) error {
	ingestStart := time.Now()
	metrics.EventsReceivedTotal.WithLabelValues(event.AlertSource, "accepted").Inc()

	if err := event.Validate(); err != nil {
		metrics.EventsReceivedTotal.WithLabelValues(event.AlertSource, "invalid").Inc()
		return err
	}

	partitionKey := computePartitionKey(correlation.Fingerprint(event))

	payload, err := json.Marshal(event)
	if err != nil {
		s.logger.Error("failed to serialize event", "error", err)
		return fmt.Errorf("failed to serialize event: %w", err)
	}

	msg := &queue.Message{
		Key:   []byte(partitionKey),
		Value: payload,
		Headers: map[string]string{
			"event_id":     event.EventID,
			"alert_source": event.AlertSource,
		},
	}

	if err := s.producer.Publish(ctx, msg); err != nil {
		s.logger.Error("failed to publish event", "error", err, "event_id", event.EventID)
		return ErrPublishFailed
	}

	metrics.EventsPublishedTotal.WithLabelValues(event.AlertSource).Inc()
	metrics.EventIngestLatency.Observe(time.Since(ingestStart).Seconds())

	s.logger.Debug("event published to queue",
		"event_id", event.EventID,
		"partition_key", partitionKey,
	)
	return nil
}

// computePartitionKey hashes the fingerprint down to a compact key.
// Events with the same fingerprint always land on the same partition.
func computePartitionKey(fingerprint string) string {
	hash := sha256.Sum256([]byte(fingerprint))
	return hex.EncodeToString(hash[:8])
}
