package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"alertflow/internal/domain"
)

// AlertRepository implements store.AlertRepository using PostgreSQL.
// A partial unique index on open fingerprints backs the at-most-one-open-
// alert-per-fingerprint invariant at the storage layer.
type AlertRepository struct {
	db *DB
}

// NewAlertRepository creates a new PostgreSQL-backed alert repository.
func NewAlertRepository(db *DB) *AlertRepository {
	return &AlertRepository{db: db}
}

const alertColumns = `id, fingerprint, rule_id, status, level, value, title, content,
	item, resource_id, resource_type, alert_source,
	first_event_time, last_event_time, event_ids, info_event_count,
	created_at, updated_at`

// Create stores a new alert.
func (r *AlertRepository) Create(ctx context.Context, alert *domain.Alert) error {
	query := `
		INSERT INTO alerts (` + alertColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`

	_, err := r.db.pool.Exec(ctx, query,
		alert.ID,
		alert.Fingerprint,
		alert.RuleID,
		alert.Status,
		int(alert.Level),
		alert.Value,
		alert.Title,
		alert.Content,
		alert.Item,
		alert.ResourceID,
		alert.ResourceType,
		alert.AlertSource,
		alert.FirstEventTime,
		alert.LastEventTime,
		alert.EventIDs,
		alert.InfoEventCount,
		alert.CreatedAt,
		alert.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create alert: %w", err)
	}

	return nil
}

// Update modifies an existing alert.
func (r *AlertRepository) Update(ctx context.Context, alert *domain.Alert) error {
	query := `
		UPDATE alerts SET
			status = $2,
			level = $3,
			value = $4,
			title = $5,
			content = $6,
			last_event_time = $7,
			event_ids = $8,
			info_event_count = $9,
			updated_at = $10
		WHERE id = $1
	`

	result, err := r.db.pool.Exec(ctx, query,
		alert.ID,
		alert.Status,
		int(alert.Level),
		alert.Value,
		alert.Title,
		alert.Content,
		alert.LastEventTime,
		alert.EventIDs,
		alert.InfoEventCount,
		alert.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to update alert: %w", err)
	}

	if result.RowsAffected() == 0 {
		return domain.ErrAlertNotFound
	}

	return nil
}

// GetByID retrieves an alert by its ID.
func (r *AlertRepository) GetByID(ctx context.Context, id string) (*domain.Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts WHERE id = $1`

	alert, err := scanAlert(r.db.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrAlertNotFound
		}
		return nil, fmt.Errorf("failed to get alert: %w", err)
	}
	return alert, nil
}

// GetOpenByFingerprint retrieves the open alert for a fingerprint.
// Returns nil, nil when no alert is open.
func (r *AlertRepository) GetOpenByFingerprint(ctx context.Context, fingerprint string) (*domain.Alert, error) {
	query := `
		SELECT ` + alertColumns + `
		FROM alerts
		WHERE fingerprint = $1 AND status IN ('firing', 'acknowledged')
	`

	alert, err := scanAlert(r.db.pool.QueryRow(ctx, query, fingerprint))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get open alert: %w", err)
	}
	return alert, nil
}

// List retrieves alerts matching the filter criteria.
func (r *AlertRepository) List(ctx context.Context, filter domain.AlertFilter) ([]*domain.Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts WHERE 1=1`
	args := []interface{}{}
	argNum := 1

	if len(filter.Statuses) > 0 {
		query += fmt.Sprintf(" AND status = ANY($%d)", argNum)
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = string(s)
		}
		args = append(args, statuses)
		argNum++
	}

	if filter.RuleID != "" {
		query += fmt.Sprintf(" AND rule_id = $%d", argNum)
		args = append(args, filter.RuleID)
		argNum++
	}

	if filter.Fingerprint != "" {
		query += fmt.Sprintf(" AND fingerprint = $%d", argNum)
		args = append(args, filter.Fingerprint)
		argNum++
	}

	if filter.ResourceID != "" {
		query += fmt.Sprintf(" AND resource_id = $%d", argNum)
		args = append(args, filter.ResourceID)
		argNum++
	}

	if !filter.Since.IsZero() {
		query += fmt.Sprintf(" AND last_event_time >= $%d", argNum)
		args = append(args, filter.Since)
		argNum++
	}

	if !filter.Until.IsZero() {
		query += fmt.Sprintf(" AND first_event_time <= $%d", argNum)
		args = append(args, filter.Until)
		argNum++
	}

	query += " ORDER BY created_at DESC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argNum)
		args = append(args, filter.Limit)
		argNum++
	}

	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argNum)
		args = append(args, filter.Offset)
	}

	rows, err := r.db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	return scanAlerts(rows)
}

// scanAlert scans a single row into an Alert.
func scanAlert(row pgx.Row) (*domain.Alert, error) {
	var alert domain.Alert
	var level int

	err := row.Scan(
		&alert.ID,
		&alert.Fingerprint,
		&alert.RuleID,
		&alert.Status,
		&level,
		&alert.Value,
		&alert.Title,
		&alert.Content,
		&alert.Item,
		&alert.ResourceID,
		&alert.ResourceType,
		&alert.AlertSource,
		&alert.FirstEventTime,
		&alert.LastEventTime,
		&alert.EventIDs,
		&alert.InfoEventCount,
		&alert.CreatedAt,
		&alert.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	alert.Level = domain.Level(level)
	return &alert, nil
}

// scanAlerts scans all rows into a slice of Alerts.
func scanAlerts(rows pgx.Rows) ([]*domain.Alert, error) {
	var alerts []*domain.Alert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		alerts = append(alerts, alert)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate alerts: %w", err)
	}
	return alerts, nil
}
