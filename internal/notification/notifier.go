// Package notification provides alert notification functionality.
// For now this is a stubbed implementation that logs notifications.
// Future implementations will support webhook delivery with retry logic.
package notification

import (
	"context"
	"log/slog"
	"time"

	"alertflow/internal/domain"
	"alertflow/internal/metrics"
)

// Payload represents the data sent in webhook notifications.
type Payload struct {
	AlertID        string    `json:"alert_id"`
	Fingerprint    string    `json:"fingerprint"`
	RuleID         string    `json:"rule_id"`
	Title          string    `json:"title"`
	Level          string    `json:"level"`
	Status         string    `json:"status"`
	ResourceID     string    `json:"resource_id"`
	InfoEventCount int       `json:"info_event_count"`
	Timestamp      time.Time `json:"timestamp"`
}

// Notifier defines the interface for sending alert notifications.
type Notifier interface {
	// NotifyCreated sends a notification when a new alert is created.
	NotifyCreated(ctx context.Context, alert *domain.Alert)

	// NotifyUpdated sends a notification when an open alert absorbs
	// further events.
	NotifyUpdated(ctx context.Context, alert *domain.Alert)

	// NotifyClosed sends a notification when an alert is closed.
	NotifyClosed(ctx context.Context, alert *domain.Alert)
}

// StubNotifier is a no-op implementation that logs notifications.
type StubNotifier struct {
	logger *slog.Logger
}

// NewStubNotifier creates a new stub notifier.
func NewStubNotifier(logger *slog.Logger) *StubNotifier {
	return &StubNotifier{
		logger: logger,
	}
}

// NotifyCreated logs a notification for a new alert.
func (n *StubNotifier) NotifyCreated(ctx context.Context, alert *domain.Alert) {
	payload := buildPayload(alert)

	n.logger.Info("STUB: would send alert created notification",
		"alertID", payload.AlertID,
		"fingerprint", payload.Fingerprint,
		"ruleID", payload.RuleID,
		"title", payload.Title,
		"level", payload.Level,
	)

	metrics.NotificationsSentTotal.WithLabelValues("success").Inc()
}

// NotifyUpdated logs a notification for an updated alert.
func (n *StubNotifier) NotifyUpdated(ctx context.Context, alert *domain.Alert) {
	payload := buildPayload(alert)

	n.logger.Info("STUB: would send alert updated notification",
		"alertID", payload.AlertID,
		"fingerprint", payload.Fingerprint,
		"events", len(alert.EventIDs),
		"infoEventCount", payload.InfoEventCount,
	)

	metrics.NotificationsSentTotal.WithLabelValues("success").Inc()
}

// NotifyClosed logs a notification for a closed alert.
func (n *StubNotifier) NotifyClosed(ctx context.Context, alert *domain.Alert) {
	payload := buildPayload(alert)

	n.logger.Info("STUB: would send alert closed notification",
		"alertID", payload.AlertID,
		"fingerprint", payload.Fingerprint,
		"ruleID", payload.RuleID,
	)

	metrics.NotificationsSentTotal.WithLabelValues("success").Inc()
}

// buildPayload creates a notification payload from an alert.
func buildPayload(alert *domain.Alert) *Payload {
	return &Payload{
		AlertID:        alert.ID,
		Fingerprint:    alert.Fingerprint,
		RuleID:         alert.RuleID,
		Title:          alert.Title,
		Level:          alert.Level.String(),
		Status:         string(alert.Status),
		ResourceID:     alert.ResourceID,
		InfoEventCount: alert.InfoEventCount,
		Timestamp:      time.Now().UTC(),
	}
}
