package api

import (
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"alertflow/internal/domain"
	"alertflow/internal/notification"
	"alertflow/internal/store"
)

// AlertHandler handles HTTP requests for alert operations. Alerts are
// created only by the correlation engine; the API exposes reads plus the
// two operator transitions, acknowledge and close.
type AlertHandler struct {
	alerts   store.AlertRepository
	events   store.EventRepository
	notifier notification.Notifier
	logger   *slog.Logger
}

// NewAlertHandler creates a new alert handler.
func NewAlertHandler(alerts store.AlertRepository, events store.EventRepository, notifier notification.Notifier, logger *slog.Logger) *AlertHandler {
	return &AlertHandler{
		alerts:   alerts,
		events:   events,
		notifier: notifier,
		logger:   logger,
	}
}

// List handles GET /v1/alerts
// Returns alerts matching query parameters.
func (h *AlertHandler) List(c *fiber.Ctx) error {
	filter := domain.AlertFilter{
		RuleID:      c.Query("rule_id"),
		Fingerprint: c.Query("fingerprint"),
		ResourceID:  c.Query("resource_id"),
	}

	// Parse status filter, a comma separated list of statuses
	if statuses := c.Query("status"); statuses != "" {
		for _, s := range strings.Split(statuses, ",") {
			filter.Statuses = append(filter.Statuses, domain.AlertStatus(strings.TrimSpace(s)))
		}
	}

	// Parse time range
	if since := c.Query("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return BadRequest(c, "since must be RFC3339")
		}
		filter.Since = t
	}
	if until := c.Query("until"); until != "" {
		t, err := time.Parse(time.RFC3339, until)
		if err != nil {
			return BadRequest(c, "until must be RFC3339")
		}
		filter.Until = t
	}

	// Parse pagination
	if limit := c.Query("limit"); limit != "" {
		if l, err := strconv.Atoi(limit); err == nil && l > 0 {
			filter.Limit = l
		}
	}
	if offset := c.Query("offset"); offset != "" {
		if o, err := strconv.Atoi(offset); err == nil && o >= 0 {
			filter.Offset = o
		}
	}

	// Default limit if not specified
	if filter.Limit == 0 {
		filter.Limit = 100
	}

	alerts, err := h.alerts.List(c.Context(), filter)
	if err != nil {
		h.logger.Error("failed to list alerts", "error", err)
		return InternalError(c, "failed to list alerts")
	}

	return Success(c, ListData{Items: alerts, Count: len(alerts)})
}

// GetByID handles GET /v1/alerts/:id
func (h *AlertHandler) GetByID(c *fiber.Ctx) error {
	alert, err := h.loadAlert(c)
	if err != nil || alert == nil {
		return err
	}
	return Success(c, alert)
}

// GetEvents handles GET /v1/alerts/:id/events
// Returns the events attached to an alert, oldest first.
func (h *AlertHandler) GetEvents(c *fiber.Ctx) error {
	alert, err := h.loadAlert(c)
	if err != nil || alert == nil {
		return err
	}

	events, err := h.events.ListByIDs(c.Context(), alert.EventIDs)
	if err != nil {
		h.logger.Error("failed to list alert events", "alert_id", alert.ID, "error", err)
		return InternalError(c, "failed to list alert events")
	}

	return Success(c, ListData{Items: events, Count: len(events)})
}

// Acknowledge handles POST /v1/alerts/:id/ack
// Moves a firing alert to acknowledged. Acknowledged alerts keep absorbing
// events; only the operator-facing state changes.
func (h *AlertHandler) Acknowledge(c *fiber.Ctx) error {
	return h.transition(c, domain.AlertStatusAcknowledged)
}

// Close handles POST /v1/alerts/:id/close
// Closes an open alert. A later event with the same fingerprint opens a
// fresh alert rather than reviving this one.
func (h *AlertHandler) Close(c *fiber.Ctx) error {
	return h.transition(c, domain.AlertStatusClosed)
}

func (h *AlertHandler) transition(c *fiber.Ctx, target domain.AlertStatus) error {
	alert, err := h.loadAlert(c)
	if err != nil || alert == nil {
		return err
	}

	if !alert.Status.IsOpen() {
		return Conflict(c, "alert is already closed")
	}
	if target == domain.AlertStatusAcknowledged && alert.Status == domain.AlertStatusAcknowledged {
		return Conflict(c, "alert is already acknowledged")
	}

	alert.Status = target
	alert.UpdatedAt = time.Now().UTC()

	if err := h.alerts.Update(c.Context(), alert); err != nil {
		h.logger.Error("failed to update alert status", "alert_id", alert.ID, "error", err)
		return InternalError(c, "failed to update alert")
	}

	if target == domain.AlertStatusClosed {
		h.notifier.NotifyClosed(c.Context(), alert)
	}

	h.logger.Info("alert status changed", "alert_id", alert.ID, "status", target)
	return Success(c, alert)
}

// loadAlert fetches the alert named by the :id route parameter. It writes
// the error response itself and returns a nil alert when the request cannot
// proceed.
func (h *AlertHandler) loadAlert(c *fiber.Ctx) (*domain.Alert, error) {
	id := c.Params("id")
	if id == "" {
		return nil, BadRequest(c, "alert id is required")
	}

	alert, err := h.alerts.GetByID(c.Context(), id)
	if err != nil {
		h.logger.Error("failed to get alert", "alert_id", id, "error", err)
		return nil, InternalError(c, "failed to get alert")
	}
	if alert == nil {
		return nil, NotFound(c, "alert not found")
	}
	return alert, nil
}
