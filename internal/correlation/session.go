package correlation

import (
	"context"
	"fmt"
	"time"

	"alertflow/internal/domain"
	"alertflow/internal/rules"
	"alertflow/internal/store"
)

// SessionManager owns the lifecycle of correlation sessions: opening a
// window on the first event of a group, refreshing it on every subsequent
// event, and resetting state once a session has gone idle past the timeout.
// Callers serialize all access to one (group key, rule id) pair; the
// manager itself holds no mutable state.
type SessionManager struct {
	sessions store.SessionStore
}

// NewSessionManager creates a session manager on top of a session store.
func NewSessionManager(sessions store.SessionStore) *SessionManager {
	return &SessionManager{sessions: sessions}
}

// Acquire loads the session for a (group key, rule id) pair, creating a
// fresh one when none exists, the stored one has expired, or a fixed window
// has closed. A fresh session starts with zeroed counters: a long silence
// means the previous incident is over.
func (m *SessionManager) Acquire(ctx context.Context, groupKey, ruleID string, eventTime time.Time, rs *rules.RuleSet) (*store.Session, error) {
	session, err := m.sessions.Get(ctx, groupKey, ruleID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	switch {
	case session == nil:
		return openSession(groupKey, ruleID, eventTime, rs), nil
	case session.Expired(eventTime),
		rs.WindowType == rules.WindowFixed && eventTime.After(session.WindowEnd):
		// Neither an expired session nor a closed fixed window carries
		// counters forward, but the replay high-water mark survives so
		// already-processed events stay absorbed.
		fresh := openSession(groupKey, ruleID, eventTime, rs)
		fresh.LastEventTime = session.LastEventTime
		fresh.LastEventIDs = session.LastEventIDs
		return fresh, nil
	}
	return session, nil
}

// openSession opens a new window anchored at the event time, snapped to
// wall-clock boundaries when the rule set asks for clock alignment.
func openSession(groupKey, ruleID string, eventTime time.Time, rs *rules.RuleSet) *store.Session {
	start := eventTime
	if rs.WindowType == rules.WindowFixed && rs.Alignment == rules.AlignmentClock {
		start = eventTime.Truncate(rs.WindowSize)
	}
	return &store.Session{
		GroupKey:    groupKey,
		RuleID:      ruleID,
		WindowStart: start,
		WindowEnd:   start.Add(rs.WindowSize),
		ExpiresAt:   eventTime.Add(rs.SessionTimeout),
	}
}

// Refresh folds a processed event into the session: the sliding window
// re-anchors up to the max span, the expiry extends, the previous-event
// snapshot updates and the replay high-water mark advances. Called after
// condition evaluation so evaluators still see the prior snapshot.
func (m *SessionManager) Refresh(session *store.Session, e *domain.Event, rs *rules.RuleSet) {
	if rs.WindowType == rules.WindowSliding {
		end := e.StartTime.Add(rs.WindowSize)
		if limit := session.WindowStart.Add(rs.MaxWindowSize); end.After(limit) {
			end = limit
		}
		if end.After(session.WindowEnd) {
			session.WindowEnd = end
		}
	}
	session.ExpiresAt = e.StartTime.Add(rs.SessionTimeout)
	session.LastFields = e.TemplateData()
	session.Advance(e.EventID, e.StartTime)
}

// Persist writes the session back with a TTL matching the session timeout,
// so abandoned sessions age out of the store on their own.
func (m *SessionManager) Persist(ctx context.Context, session *store.Session, rs *rules.RuleSet) error {
	if err := m.sessions.Put(ctx, session, rs.SessionTimeout); err != nil {
		return fmt.Errorf("failed to persist session: %w", err)
	}
	return nil
}

// Discard removes the session, used when an operator closes the incident.
func (m *SessionManager) Discard(ctx context.Context, groupKey, ruleID string) error {
	return m.sessions.Delete(ctx, groupKey, ruleID)
}
