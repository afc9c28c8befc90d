// Package redis provides a Redis-based implementation of the session store.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"alertflow/internal/config"
	"alertflow/internal/store"
)

// prefixSession namespaces session keys in Redis.
const prefixSession = "session:"

// SessionStore implements store.SessionStore using Redis. The per-key TTL
// doubles as the session timeout: an idle session simply ages out, so
// expiry needs no sweeper.
type SessionStore struct {
	client *redis.Client
}

// NewSessionStore creates a new Redis-backed session store and verifies the
// connection.
func NewSessionStore(cfg *config.RedisConfig) (*SessionStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &SessionStore{client: client}, nil
}

func sessionKey(groupKey, ruleID string) string {
	return fmt.Sprintf("%s%s:%s", prefixSession, groupKey, ruleID)
}

// Get retrieves a session, returning nil, nil when absent.
func (s *SessionStore) Get(ctx context.Context, groupKey, ruleID string) (*store.Session, error) {
	data, err := s.client.Get(ctx, sessionKey(groupKey, ruleID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var session store.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &session, nil
}

// Put stores a session with the specified TTL.
func (s *SessionStore) Put(ctx context.Context, session *store.Session, ttl time.Duration) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	key := sessionKey(session.GroupKey, session.RuleID)
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set session: %w", err)
	}
	return nil
}

// Delete removes a session entry.
func (s *SessionStore) Delete(ctx context.Context, groupKey, ruleID string) error {
	if err := s.client.Del(ctx, sessionKey(groupKey, ruleID)).Err(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// Close releases the Redis connection.
func (s *SessionStore) Close() error {
	return s.client.Close()
}
