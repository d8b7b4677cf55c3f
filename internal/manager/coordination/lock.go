// Package coordination provides Redis-backed distributed locks so that
// only one manager replica runs each background sweep at a time.
package coordination

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/wegent/wegent/internal/common/logger"
)

const lockKeyPrefix = "wegent-sandbox:lock:"

// renewScript extends a lock only while we still own it.
// Returns -1 when the lock is gone, -2 when another owner holds it.
const renewScript = `
local val = redis.call("get", KEYS[1])
if not val then
	return -1
end
if val == ARGV[1] then
	return redis.call("pexpire", KEYS[1], tonumber(ARGV[2]))
else
	return -2
end
`

// releaseScript deletes a lock only while we still own it.
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

// ErrNotOwner is returned when a renew or release finds the lock held by
// someone else or already expired.
var ErrNotOwner = fmt.Errorf("lock not held by this owner")

// LockManager acquires named locks with an owner id unique to this
// process, so replicas never release each other's locks.
type LockManager struct {
	client  *redis.Client
	ownerID string
	log     *logger.Logger
}

// NewLockManager creates a LockManager with a fresh owner id.
func NewLockManager(client *redis.Client, log *logger.Logger) *LockManager {
	return &LockManager{
		client:  client,
		ownerID: uuid.NewString(),
		log:     log.WithFields(zap.String("component", "lock-manager")),
	}
}

// OwnerID returns the owner id this manager stamps on its locks.
func (m *LockManager) OwnerID() string {
	return m.ownerID
}

// Acquire tries to take the named lock for ttl. Returns false without
// error when another owner already holds it.
func (m *LockManager) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	ok, err := m.client.SetNX(ctx, lockKeyPrefix+name, m.ownerID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", name, err)
	}
	if ok {
		m.log.Debug("Acquired lock", zap.String("lock", name), zap.Duration("ttl", ttl))
	}
	return ok, nil
}

// Renew extends the named lock if we still own it.
func (m *LockManager) Renew(ctx context.Context, name string, ttl time.Duration) error {
	res, err := m.client.Eval(ctx, renewScript,
		[]string{lockKeyPrefix + name},
		m.ownerID, int64(ttl/time.Millisecond)).Result()
	if err != nil {
		return fmt.Errorf("failed to renew lock %s: %w", name, err)
	}
	if code, ok := res.(int64); ok && code < 0 {
		return fmt.Errorf("renew lock %s: %w", name, ErrNotOwner)
	}
	return nil
}

// Release drops the named lock if we still own it. Losing the lock to
// expiry before release is not an error.
func (m *LockManager) Release(ctx context.Context, name string) error {
	_, err := m.client.Eval(ctx, releaseScript,
		[]string{lockKeyPrefix + name},
		m.ownerID).Result()
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", name, err)
	}
	return nil
}

// WithLock runs fn while holding the named lock, releasing it after.
// Returns false without running fn when the lock is contended.
func (m *LockManager) WithLock(ctx context.Context, name string, ttl time.Duration, fn func(context.Context) error) (bool, error) {
	ok, err := m.Acquire(ctx, name, ttl)
	if err != nil || !ok {
		return false, err
	}
	defer func() {
		if err := m.Release(ctx, name); err != nil {
			m.log.Warn("Failed to release lock", zap.String("lock", name), zap.Error(err))
		}
	}()
	return true, fn(ctx)
}
