// Package memory provides in-memory implementations of the store
// interfaces. These are used for tests and single-node deployments where an
// external Redis or PostgreSQL is not warranted.
package memory

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"alertflow/internal/store"
)

type sessionEntry struct {
	data      []byte
	expiresAt time.Time
}

// SessionStore is an in-memory implementation of store.SessionStore.
// Entries are expired lazily on read. Sessions are serialized on write and
// deserialized on read so callers never share mutable state with the store,
// matching the behavior of the Redis implementation.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]sessionEntry
}

// NewSessionStore creates an empty in-memory session store.
func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]sessionEntry)}
}

func sessionKey(groupKey, ruleID string) string {
	return groupKey + "|" + ruleID
}

// Get retrieves a session, returning nil, nil when absent or expired.
func (s *SessionStore) Get(_ context.Context, groupKey, ruleID string) (*store.Session, error) {
	key := sessionKey(groupKey, ruleID)

	s.mu.RLock()
	entry, ok := s.sessions[key]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		s.mu.Lock()
		delete(s.sessions, key)
		s.mu.Unlock()
		return nil, nil
	}

	var session store.Session
	if err := json.Unmarshal(entry.data, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// Put stores a session copy with the given TTL. A zero TTL stores the
// session without expiry.
func (s *SessionStore) Put(_ context.Context, session *store.Session, ttl time.Duration) error {
	data, err := json.Marshal(session)
	if err != nil {
		return err
	}
	entry := sessionEntry{data: data}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}

	s.mu.Lock()
	s.sessions[sessionKey(session.GroupKey, session.RuleID)] = entry
	s.mu.Unlock()
	return nil
}

// Delete removes a session entry.
func (s *SessionStore) Delete(_ context.Context, groupKey, ruleID string) error {
	s.mu.Lock()
	delete(s.sessions, sessionKey(groupKey, ruleID))
	s.mu.Unlock()
	return nil
}

// Close is a no-op for the in-memory store.
func (s *SessionStore) Close() error {
	return nil
}
