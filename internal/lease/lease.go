// Package lease provides a cross-instance mutual exclusion lease on Redis, so
// only one process runs a periodic job at a time.
package lease

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lease is acquired before a job run and released after it.
type Lease interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// releaseScript deletes the key only if this holder still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a lease stored as a single key with a TTL. The TTL bounds how long
// a crashed holder keeps others out.
type Redis struct {
	rdb   *redis.Client
	key   string
	ttl   time.Duration
	owner string
}

func NewRedis(rdb *redis.Client, key string, ttl time.Duration) *Redis {
	key = strings.TrimSpace(key)
	if key == "" {
		key = "slotkeeper:lease"
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Redis{rdb: rdb, key: key, ttl: ttl, owner: uuid.NewString()}
}

// Acquire takes the lease if nobody holds it.
func (l *Redis) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, l.key, l.owner, l.ttl).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

// Release gives the lease back. Releasing a lease held by someone else is a no-op.
func (l *Redis) Release(ctx context.Context) error {
	err := releaseScript.Run(ctx, l.rdb, []string{l.key}, l.owner).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}

// Local is a lease for single-instance deployments without Redis.
type Local struct{}

func (Local) Acquire(context.Context) (bool, error) { return true, nil }
func (Local) Release(context.Context) error         { return nil }
