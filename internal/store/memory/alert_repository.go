package memory

import (
	"context"
	"sort"
	"sync"

	"alertflow/internal/domain"
)

// AlertRepository is an in-memory implementation of store.AlertRepository.
// Alerts are deep-copied on the way in and out so callers cannot mutate
// stored state.
type AlertRepository struct {
	mu     sync.RWMutex
	alerts map[string]*domain.Alert
}

// NewAlertRepository creates an empty in-memory alert repository.
func NewAlertRepository() *AlertRepository {
	return &AlertRepository{alerts: make(map[string]*domain.Alert)}
}

// Create stores a new alert.
func (r *AlertRepository) Create(_ context.Context, alert *domain.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts[alert.ID] = copyAlert(alert)
	return nil
}

// Update replaces an existing alert.
func (r *AlertRepository) Update(_ context.Context, alert *domain.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.alerts[alert.ID]; !ok {
		return domain.ErrAlertNotFound
	}
	r.alerts[alert.ID] = copyAlert(alert)
	return nil
}

// GetByID retrieves an alert by its ID.
func (r *AlertRepository) GetByID(_ context.Context, id string) (*domain.Alert, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	alert, ok := r.alerts[id]
	if !ok {
		return nil, domain.ErrAlertNotFound
	}
	return copyAlert(alert), nil
}

// GetOpenByFingerprint returns the open alert for a fingerprint, or nil,
// nil when no alert is open.
func (r *AlertRepository) GetOpenByFingerprint(_ context.Context, fingerprint string) (*domain.Alert, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, alert := range r.alerts {
		if alert.Fingerprint == fingerprint && alert.Status.IsOpen() {
			return copyAlert(alert), nil
		}
	}
	return nil, nil
}

// List retrieves alerts matching the filter, newest first.
func (r *AlertRepository) List(_ context.Context, filter domain.AlertFilter) ([]*domain.Alert, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.Alert
	for _, alert := range r.alerts {
		if matchesFilter(alert, filter) {
			out = append(out, copyAlert(alert))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func matchesFilter(a *domain.Alert, f domain.AlertFilter) bool {
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if a.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.RuleID != "" && a.RuleID != f.RuleID {
		return false
	}
	if f.Fingerprint != "" && a.Fingerprint != f.Fingerprint {
		return false
	}
	if f.ResourceID != "" && a.ResourceID != f.ResourceID {
		return false
	}
	if !f.Since.IsZero() && a.LastEventTime.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && a.FirstEventTime.After(f.Until) {
		return false
	}
	return true
}

func copyAlert(a *domain.Alert) *domain.Alert {
	c := *a
	c.EventIDs = append([]string(nil), a.EventIDs...)
	return &c
}
