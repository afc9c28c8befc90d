// Package store defines interfaces for data persistence and session state
// management. These abstractions allow swapping implementations (Redis,
// PostgreSQL, in-memory) without changing correlation logic.
package store

import (
	"context"
	"time"
)

// Sample is one historical observation kept for trend baseline lookups.
type Sample struct {
	Time  time.Time `json:"time"`
	Value float64   `json:"value"`
}

// Session is the mutable temporal state for one (group key, rule id) pair.
// Exactly one session is active per pair at a time; all mutation happens on
// the single worker that owns the pair's partition during a pass.
type Session struct {
	// GroupKey and RuleID identify the session.
	GroupKey string `json:"group_key"`
	RuleID   string `json:"rule_id"`

	// WindowStart and WindowEnd bound the active evaluation window.
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`

	// ConsecutiveCount tracks the streak for sustained conditions.
	ConsecutiveCount int `json:"consecutive_count"`

	// LastFields snapshots the previous event's field values, consulted
	// by previous-field conditions.
	LastFields map[string]string `json:"last_fields,omitempty"`

	// History holds timestamped samples for trend baseline lookups,
	// pruned to the rule's baseline horizon.
	History []Sample `json:"history,omitempty"`

	// LastEventTime is the high-water mark of processed event times.
	// LastEventIDs lists the event ids seen exactly at that mark, which
	// makes replaying a batch idempotent when events share a timestamp.
	LastEventTime time.Time `json:"last_event_time"`
	LastEventIDs  []string  `json:"last_event_ids,omitempty"`

	// AlertID references the open alert this session feeds, if any.
	AlertID string `json:"alert_id,omitempty"`

	// ExpiresAt is last activity plus the session timeout.
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the session has been idle past its timeout.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// Seen reports whether an event has already been folded into this session.
// Events strictly older than the high-water mark are always seen; events at
// the mark are seen if their id was recorded there. The mark is a
// watermark, not an exact set: a genuinely new event stamped earlier than
// the newest processed one is also reported seen and dropped. That is the
// deliberate trade for cross-pass replay idempotence without keeping every
// processed id.
func (s *Session) Seen(eventID string, eventTime time.Time) bool {
	if eventTime.Before(s.LastEventTime) {
		return true
	}
	if eventTime.Equal(s.LastEventTime) {
		for _, id := range s.LastEventIDs {
			if id == eventID {
				return true
			}
		}
	}
	return false
}

// Advance moves the high-water mark past the given event. Calling it with
// an already seen event is a no-op.
func (s *Session) Advance(eventID string, eventTime time.Time) {
	switch {
	case eventTime.After(s.LastEventTime):
		s.LastEventTime = eventTime
		s.LastEventIDs = []string{eventID}
	case eventTime.Equal(s.LastEventTime):
		if !s.Seen(eventID, eventTime) {
			s.LastEventIDs = append(s.LastEventIDs, eventID)
		}
	}
}

// PruneHistory drops samples older than the horizon before the given time.
func (s *Session) PruneHistory(now time.Time, horizon time.Duration) {
	cutoff := now.Add(-horizon)
	i := 0
	for i < len(s.History) && s.History[i].Time.Before(cutoff) {
		i++
	}
	if i > 0 {
		s.History = append([]Sample(nil), s.History[i:]...)
	}
}

// SessionStore defines the interface for session state persistence.
// This is typically backed by Redis for production use.
// All methods must be safe for concurrent use.
type SessionStore interface {
	// Get retrieves the session for a (group key, rule id) pair.
	// Returns nil, nil if no session exists.
	Get(ctx context.Context, groupKey, ruleID string) (*Session, error)

	// Put stores a session with the specified TTL. The TTL should match
	// the rule set's session timeout so idle sessions age out on their
	// own.
	Put(ctx context.Context, session *Session, ttl time.Duration) error

	// Delete removes a session entry.
	Delete(ctx context.Context, groupKey, ruleID string) error

	// Close releases any resources held by the store.
	Close() error
}
