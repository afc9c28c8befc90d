package store

import (
	"context"

	"alertflow/internal/domain"
)

// AlertRepository defines the interface for persistent alert storage.
// This is typically backed by PostgreSQL for production use.
type AlertRepository interface {
	// Create stores a new alert.
	Create(ctx context.Context, alert *domain.Alert) error

	// Update modifies an existing alert.
	Update(ctx context.Context, alert *domain.Alert) error

	// GetByID retrieves an alert by its ID.
	GetByID(ctx context.Context, id string) (*domain.Alert, error)

	// GetOpenByFingerprint retrieves the open (firing or acknowledged)
	// alert for a fingerprint. Returns nil, nil if none is open. At most
	// one open alert exists per fingerprint.
	GetOpenByFingerprint(ctx context.Context, fingerprint string) (*domain.Alert, error)

	// List retrieves alerts matching the filter criteria.
	List(ctx context.Context, filter domain.AlertFilter) ([]*domain.Alert, error)
}

// EventRepository defines the interface for event persistence. Events are
// immutable once stored; the event_id uniqueness constraint makes ingestion
// idempotent.
type EventRepository interface {
	// Insert stores events, silently skipping any whose event_id is
	// already present. It returns the number actually inserted.
	Insert(ctx context.Context, events []*domain.Event) (int, error)

	// GetByID retrieves an event by its event_id.
	GetByID(ctx context.Context, eventID string) (*domain.Event, error)

	// ListByIDs retrieves the events with the given ids, in the order
	// requested. Missing ids are skipped.
	ListByIDs(ctx context.Context, eventIDs []string) ([]*domain.Event, error)
}
