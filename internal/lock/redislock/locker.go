// Package redislock implements the per-audit single-flight lock on Redis.
package redislock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/answerability-auditor/internal/audit"
)

const defaultPrefix = "auditor:lock:"

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// Locker stores one key per audit with a TTL. Redis expiry replaces the
// delete-expired step the SQL lock performs.
type Locker struct {
	client redis.UniversalClient
	prefix string
}

var _ audit.Locker = (*Locker)(nil)

// New builds a Locker. An empty prefix uses "auditor:lock:".
func New(client redis.UniversalClient, prefix string) *Locker {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Locker{client: client, prefix: prefix}
}

// Acquire sets the audit key if absent. now is ignored; Redis owns the clock.
func (l *Locker) Acquire(ctx context.Context, auditID, token string, _ time.Time, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key(auditID), token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire audit lock: %w", err)
	}
	return ok, nil
}

// Release deletes the key only if token still holds it. Releasing a lock that
// expired and was taken by another tick is a no-op.
func (l *Locker) Release(ctx context.Context, auditID, token string) error {
	if _, err := releaseScript.Run(ctx, l.client, []string{l.key(auditID)}, token).Int(); err != nil {
		return fmt.Errorf("release audit lock: %w", err)
	}
	return nil
}

func (l *Locker) key(auditID string) string {
	return l.prefix + auditID
}
