// Package processor runs the batch correlation loop. It consumes canonical
// events from the message queue, buffers them into bounded batches, and
// hands each batch to the correlation engine as one evaluation pass.
package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"alertflow/internal/config"
	"alertflow/internal/correlation"
	"alertflow/internal/domain"
	"alertflow/internal/notification"
	"alertflow/internal/queue"
	"alertflow/internal/store"
)

// Service consumes events from the queue and orchestrates correlation
// passes. A pass is triggered when the buffer reaches the batch size or
// when the pass interval elapses with a partial batch waiting.
//
// Queue offsets commit only after a size-triggered pass succeeds, so a
// failed pass is redelivered. Interval-triggered passes cover stragglers;
// by then the events are already durable in the event repository and the
// correlation pass itself is an idempotent replay.
type Service struct {
	consumer   queue.Consumer
	events     store.EventRepository
	correlator *correlation.Processor
	notifier   notification.Notifier
	logger     *slog.Logger
	cfg        config.ProcessorConfig

	mu     sync.Mutex
	buffer []*domain.Event
}

// NewService creates a new processor service.
func NewService(
	consumer queue.Consumer,
	events store.EventRepository,
	correlator *correlation.Processor,
	notifier notification.Notifier,
	logger *slog.Logger,
	cfg config.ProcessorConfig,
) *Service {
	return &Service{
		consumer:   consumer,
		events:     events,
		correlator: correlator,
		notifier:   notifier,
		logger:     logger,
		cfg:        cfg,
	}
}

// Start begins consuming events and running correlation passes. This is a
// blocking call that runs until the context is canceled; a final flush
// drains the buffer on shutdown.
func (s *Service) Start(ctx context.Context) error {
	s.logger.Info("processor service starting",
		"batch_size", s.cfg.BatchSize,
		"pass_interval", s.cfg.PassInterval,
		"pass_timeout", s.cfg.PassTimeout,
	)

	ticker := time.NewTicker(s.cfg.PassInterval)
	defer ticker.Stop()

	done := make(chan error, 1)
	go func() {
		done <- s.consumer.Start(ctx, s.handleMessage)
	}()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), s.cfg.PassTimeout)
			defer cancel()
			if err := s.Flush(flushCtx); err != nil {
				s.logger.Error("final flush failed", "error", err)
			}
			return ctx.Err()
		case err := <-done:
			return err
		case <-ticker.C:
			if err := s.Flush(ctx); err != nil {
				s.logger.Error("interval pass failed, batch will replay", "error", err)
			}
		}
	}
}

// handleMessage buffers one consumed event and flushes synchronously once
// the batch is full. Returning an error keeps the message uncommitted.
func (s *Service) handleMessage(ctx context.Context, msg *queue.Message) error {
	var event domain.Event
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		// A malformed message would fail identically on redelivery;
		// log and drop rather than wedge the partition.
		s.logger.Error("dropping undecodable message", "error", err)
		return nil
	}
	if err := event.Validate(); err != nil {
		s.logger.Warn("dropping invalid event", "event_id", event.EventID, "error", err)
		return nil
	}

	s.mu.Lock()
	s.buffer = append(s.buffer, &event)
	full := len(s.buffer) >= s.cfg.BatchSize
	s.mu.Unlock()

	if full {
		return s.Flush(ctx)
	}
	return nil
}

// Flush runs one correlation pass over the buffered events. The buffer is
// restored on failure so the next trigger retries the same batch.
func (s *Service) Flush(ctx context.Context) error {
	s.mu.Lock()
	batch := s.buffer
	s.buffer = nil
	s.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	passCtx, cancel := context.WithTimeout(ctx, s.cfg.PassTimeout)
	defer cancel()

	if err := s.runPass(passCtx, batch); err != nil {
		s.mu.Lock()
		s.buffer = append(batch, s.buffer...)
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *Service) runPass(ctx context.Context, batch []*domain.Event) error {
	// Events become durable before any correlation decision. The insert
	// is idempotent on event_id, so redelivered events are absorbed.
	if _, err := s.events.Insert(ctx, batch); err != nil {
		return fmt.Errorf("failed to persist events: %w", err)
	}

	result, err := s.correlator.Run(ctx, batch)
	if err != nil {
		return err
	}

	for _, alert := range result.Created {
		s.notifier.NotifyCreated(ctx, alert)
	}
	for _, alert := range result.Updated {
		s.notifier.NotifyUpdated(ctx, alert)
	}
	for _, alert := range result.Closed {
		s.notifier.NotifyClosed(ctx, alert)
	}
	return nil
}

// Buffered reports the number of events waiting for the next pass.
func (s *Service) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}
