package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var releaseLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisBatchLock is a best-effort distributed lease that keeps two replicas
// from running the same batch job concurrently. Losing the lock is safe —
// the deterministic cycle references already make replays idempotent — so a
// lease is all that is needed, not a consensus lock.
type RedisBatchLock struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisBatchLock creates a batch lock. A nil client disables locking:
// every acquisition succeeds, matching single-replica deployments.
func NewRedisBatchLock(client redis.UniversalClient, prefix string) *RedisBatchLock {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "wallet:batch_lock"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")

	return &RedisBatchLock{client: client, prefix: trimmedPrefix}
}

// Acquire tries to take the named lease for ttl. It returns whether the
// lease was taken and a release function that is safe to call either way.
func (l *RedisBatchLock) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, func(), error) {
	noop := func() {}
	if l == nil || l.client == nil {
		return true, noop, nil
	}

	key := fmt.Sprintf("%s:%s", l.prefix, name)
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return false, noop, err
	}
	if !ok {
		return false, noop, nil
	}

	release := func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		// Compare-and-delete so an expired lease taken over by another
		// replica is never released out from under it.
		_ = releaseLockScript.Run(releaseCtx, l.client, []string{key}, token).Err()
	}
	return true, release, nil
}
