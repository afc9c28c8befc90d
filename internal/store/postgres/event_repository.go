package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"alertflow/internal/domain"
)

// EventRepository implements store.EventRepository using PostgreSQL.
// Inserts go through ON CONFLICT DO NOTHING on event_id, which makes
// ingestion idempotent under redelivery.
type EventRepository struct {
	db *DB
}

// NewEventRepository creates a new PostgreSQL-backed event repository.
func NewEventRepository(db *DB) *EventRepository {
	return &EventRepository{db: db}
}

const eventColumns = `event_id, item, resource_id, resource_type, alert_source,
	level, value, status, title, start_time, end_time, labels, raw_data`

// Insert stores events, skipping duplicates by event_id.
func (r *EventRepository) Insert(ctx context.Context, events []*domain.Event) (int, error) {
	query := `
		INSERT INTO events (` + eventColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (event_id) DO NOTHING
	`

	inserted := 0
	for _, e := range events {
		var endTime interface{}
		if !e.EndTime.IsZero() {
			endTime = e.EndTime
		}
		result, err := r.db.pool.Exec(ctx, query,
			e.EventID,
			e.Item,
			e.ResourceID,
			e.ResourceType,
			e.AlertSource,
			int(e.Level),
			e.Value,
			e.Status,
			e.Title,
			e.StartTime,
			endTime,
			e.Labels,
			e.RawData,
		)
		if err != nil {
			return inserted, fmt.Errorf("failed to insert event %s: %w", e.EventID, err)
		}
		inserted += int(result.RowsAffected())
	}
	return inserted, nil
}

// GetByID retrieves an event by its event_id.
func (r *EventRepository) GetByID(ctx context.Context, eventID string) (*domain.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE event_id = $1`

	event, err := scanEvent(r.db.pool.QueryRow(ctx, query, eventID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrEventNotFound
		}
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	return event, nil
}

// ListByIDs retrieves the events with the given ids, ordered by start time.
func (r *EventRepository) ListByIDs(ctx context.Context, eventIDs []string) ([]*domain.Event, error) {
	if len(eventIDs) == 0 {
		return nil, nil
	}

	query := `
		SELECT ` + eventColumns + `
		FROM events
		WHERE event_id = ANY($1)
		ORDER BY start_time
	`

	rows, err := r.db.pool.Query(ctx, query, eventIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []*domain.Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}
	return events, nil
}

// scanEvent scans a single row into an Event.
func scanEvent(row pgx.Row) (*domain.Event, error) {
	var event domain.Event
	var level int
	var endTime *time.Time

	err := row.Scan(
		&event.EventID,
		&event.Item,
		&event.ResourceID,
		&event.ResourceType,
		&event.AlertSource,
		&level,
		&event.Value,
		&event.Status,
		&event.Title,
		&event.StartTime,
		&endTime,
		&event.Labels,
		&event.RawData,
	)
	if err != nil {
		return nil, err
	}

	event.Level = domain.Level(level)
	if endTime != nil {
		event.EndTime = *endTime
	}
	return &event, nil
}
