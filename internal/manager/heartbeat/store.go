// Package heartbeat tracks executor liveness through short-lived Redis keys.
// A key that is gone means no report arrived within the TTL window.
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Kind selects the key namespace a heartbeat is recorded under.
type Kind string

const (
	KindSandbox Kind = "sandbox"
	KindTask    Kind = "task"
)

func key(kind Kind, id string) string {
	switch kind {
	case KindTask:
		return "task:heartbeat:" + id
	default:
		return "sandbox:heartbeat:" + id
	}
}

// Store writes and reads heartbeat keys. Every Beat refreshes the TTL,
// so liveness is simply key existence.
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

// NewStore creates a Store with the given key TTL.
func NewStore(client *redis.Client, ttl time.Duration) *Store {
	return &Store{client: client, ttl: ttl}
}

// Beat records a heartbeat now for (kind, id).
func (s *Store) Beat(ctx context.Context, kind Kind, id string) error {
	now := strconv.FormatInt(time.Now().Unix(), 10)
	if err := s.client.Set(ctx, key(kind, id), now, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to record %s heartbeat for %s: %w", kind, id, err)
	}
	return nil
}

// LastSeen returns the last heartbeat time and whether the key is live.
func (s *Store) LastSeen(ctx context.Context, kind Kind, id string) (time.Time, bool, error) {
	raw, err := s.client.Get(ctx, key(kind, id)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("failed to read %s heartbeat for %s: %w", kind, id, err)
	}

	unix, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		// Key exists but is unreadable; treat as live to avoid false kills.
		return time.Time{}, true, nil
	}
	return time.Unix(unix, 0), true, nil
}

// Alive reports whether a live heartbeat key exists for (kind, id).
func (s *Store) Alive(ctx context.Context, kind Kind, id string) (bool, error) {
	n, err := s.client.Exists(ctx, key(kind, id)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check %s heartbeat for %s: %w", kind, id, err)
	}
	return n > 0, nil
}

// Delete removes the heartbeat key for (kind, id).
func (s *Store) Delete(ctx context.Context, kind Kind, id string) error {
	if err := s.client.Del(ctx, key(kind, id)).Err(); err != nil {
		return fmt.Errorf("failed to delete %s heartbeat for %s: %w", kind, id, err)
	}
	return nil
}
