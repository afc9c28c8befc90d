package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gofiber/fiber/v2"

	"alertflow/internal/domain"
	"alertflow/internal/ingest"
)

// IngestHandler handles HTTP requests for event ingestion.
type IngestHandler struct {
	service *ingest.Service
	logger  *slog.Logger
}

// NewIngestHandler creates a new ingest handler.
func NewIngestHandler(service *ingest.Service, logger *slog.Logger) *IngestHandler {
	return &IngestHandler{
		service: service,
		logger:  logger,
	}
}

// IngestEvent handles POST /v1/events
// Receives a canonical event, or a JSON array of them, validates and
// publishes to the message queue. Returns 202 Accepted immediately -
// processing happens asynchronously.
func (h *IngestHandler) IngestEvent(c *fiber.Ctx) error {
	body := c.Body()
	if isJSONArray(body) {
		return h.ingestBatch(c, body)
	}

	var event domain.Event
	if err := json.Unmarshal(body, &event); err != nil {
		h.logger.Debug("failed to parse event body", "error", err)
		return BadRequest(c, "invalid request body")
	}

	// Validate the event
	if err := event.Validate(); err != nil {
		h.logger.Debug("event validation failed", "error", err)
		return ValidationError(c, err.Error())
	}

	// Submit event for processing
	if err := h.service.IngestEvent(c.Context(), &event); err != nil {
		h.logger.Error("failed to ingest event", "error", err, "event_id", event.EventID)
		return InternalError(c, "failed to ingest event")
	}

	h.logger.Debug("event accepted", "event_id", event.EventID, "alert_source", event.AlertSource)

	// Return 202 Accepted - event will be processed asynchronously
	return Accepted(c, map[string]string{
		"status":   "accepted",
		"event_id": event.EventID,
	})
}

// ingestBatch publishes a batch of canonical events. The whole batch is
// validated before anything publishes, so a bad entry rejects the request
// instead of half-applying it.
func (h *IngestHandler) ingestBatch(c *fiber.Ctx, body []byte) error {
	var events []*domain.Event
	if err := json.Unmarshal(body, &events); err != nil {
		h.logger.Debug("failed to parse event batch", "error", err)
		return BadRequest(c, "invalid request body")
	}
	if len(events) == 0 {
		return BadRequest(c, "empty event batch")
	}

	for i, event := range events {
		if event == nil {
			return ValidationError(c, fmt.Sprintf("event %d: null entry", i))
		}
		if err := event.Validate(); err != nil {
			return ValidationError(c, fmt.Sprintf("event %d: %v", i, err))
		}
	}

	for _, event := range events {
		if err := h.service.IngestEvent(c.Context(), event); err != nil {
			h.logger.Error("failed to ingest event from batch", "error", err, "event_id", event.EventID)
			return InternalError(c, "failed to ingest event batch")
		}
	}

	return Accepted(c, map[string]interface{}{
		"status":   "accepted",
		"accepted": len(events),
	})
}

func isJSONArray(body []byte) bool {
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == '['
}

// IngestRaw handles POST /v1/events/:source
// Receives a raw monitoring payload in the source's native shape, normalizes
// it through the registered adapter, and publishes the canonical event.
func (h *IngestHandler) IngestRaw(c *fiber.Ctx) error {
	source := c.Params("source")
	if source == "" {
		return BadRequest(c, "source is required")
	}

	event, err := h.service.IngestRaw(c.Context(), source, c.Body())
	if err != nil {
		switch {
		case errors.Is(err, ingest.ErrUnknownSource):
			return NotFound(c, "no adapter registered for source "+source)
		case errors.Is(err, ingest.ErrPublishFailed):
			h.logger.Error("failed to publish raw event", "error", err, "source", source)
			return InternalError(c, "failed to ingest event")
		default:
			h.logger.Debug("raw payload rejected", "error", err, "source", source)
			return ValidationError(c, err.Error())
		}
	}

	return Accepted(c, map[string]string{
		"status":   "accepted",
		"event_id": event.EventID,
	})
}
