package memory

import (
	"context"
	"sync"

	"alertflow/internal/domain"
)

// EventRepository is an in-memory implementation of store.EventRepository.
type EventRepository struct {
	mu     sync.RWMutex
	events map[string]*domain.Event
}

// NewEventRepository creates an empty in-memory event repository.
func NewEventRepository() *EventRepository {
	return &EventRepository{events: make(map[string]*domain.Event)}
}

// Insert stores events, skipping ids already present.
func (r *EventRepository) Insert(_ context.Context, events []*domain.Event) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inserted := 0
	for _, e := range events {
		if _, ok := r.events[e.EventID]; ok {
			continue
		}
		c := *e
		r.events[e.EventID] = &c
		inserted++
	}
	return inserted, nil
}

// GetByID retrieves an event by its event_id.
func (r *EventRepository) GetByID(_ context.Context, eventID string) (*domain.Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.events[eventID]
	if !ok {
		return nil, domain.ErrEventNotFound
	}
	c := *e
	return &c, nil
}

// ListByIDs retrieves the events with the given ids, skipping missing ones.
func (r *EventRepository) ListByIDs(_ context.Context, eventIDs []string) ([]*domain.Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*domain.Event, 0, len(eventIDs))
	for _, id := range eventIDs {
		if e, ok := r.events[id]; ok {
			c := *e
			out = append(out, &c)
		}
	}
	return out, nil
}
