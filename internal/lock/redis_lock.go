// Package lock provides a TTL-bounded distributed mutex keyed by tenant and pairing.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"docsync/internal/syncerr"
)

const (
	// DefaultLease bounds how long a dead holder can block a key.
	DefaultLease = 15 * time.Minute
	// DefaultTimeout is how long Acquire waits for a prior holder by default.
	DefaultTimeout = 900 * time.Second

	defaultRetryInterval = 100 * time.Millisecond
)

// ErrNotHeld is returned by Extend when the lease expired or was taken over.
var ErrNotHeld = errors.New("lock is no longer held")

// Lease identifies one successful acquisition. The token guards release and extension
// so an expired holder can never delete a successor's lock.
type Lease struct {
	Key        string
	Token      string
	AcquiredAt time.Time
}

// Locker is the distributed mutual exclusion contract.
type Locker interface {
	Acquire(ctx context.Context, key string, timeout time.Duration) (Lease, error)
	Extend(ctx context.Context, lease Lease, ttl time.Duration) error
	Release(ctx context.Context, lease Lease) error
}

// RedisLocker implements Locker with SET NX PX and token-checked scripts.
type RedisLocker struct {
	client        *redis.Client
	prefix        string
	lease         time.Duration
	retryInterval time.Duration
}

// NewRedisLocker builds a locker. A zero lease uses DefaultLease.
func NewRedisLocker(client *redis.Client, lease time.Duration) *RedisLocker {
	if lease <= 0 {
		lease = DefaultLease
	}
	return &RedisLocker{
		client:        client,
		prefix:        "lock:",
		lease:         lease,
		retryInterval: defaultRetryInterval,
	}
}

// PairingKey builds the lock key for one tenant's pairing.
func PairingKey(tenantID, pairingKey string) string {
	return tenantID + ":" + pairingKey
}

// Acquire blocks up to timeout trying to take key. A zero timeout makes exactly one attempt.
// It returns a lock_timeout error when the key stays held and an infrastructure error
// when Redis cannot be reached.
func (l *RedisLocker) Acquire(ctx context.Context, key string, timeout time.Duration) (Lease, error) {
	token := uuid.New().String()
	deadline := time.Now().Add(timeout)
	fullKey := l.prefix + key

	for {
		ok, err := l.client.SetNX(ctx, fullKey, token, l.lease).Result()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Lease{}, ctxErr
			}
			return Lease{}, syncerr.Wrap(err, syncerr.KindInfrastructure, fmt.Sprintf("acquire lock %s", key))
		}
		if ok {
			return Lease{Key: key, Token: token, AcquiredAt: time.Now()}, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Lease{}, syncerr.Newf(syncerr.KindLockTimeout, "lock %s not acquired within %s", key, timeout)
		}
		wait := l.retryInterval
		if wait > remaining {
			wait = remaining
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return Lease{}, ctx.Err()
		case <-t.C:
		}
	}
}

// Extend pushes the lease expiry forward while the caller still holds it.
func (l *RedisLocker) Extend(ctx context.Context, lease Lease, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = l.lease
	}
	res, err := extendScript.Run(ctx, l.client, []string{l.prefix + lease.Key}, lease.Token, ttl.Milliseconds()).Int()
	if err != nil {
		return syncerr.Wrap(err, syncerr.KindInfrastructure, fmt.Sprintf("extend lock %s", lease.Key))
	}
	if res == 0 {
		return fmt.Errorf("lock %s: %w", lease.Key, ErrNotHeld)
	}
	return nil
}

// Release drops the lock if this lease still owns it. Releasing an expired or
// already released lease is a no-op.
func (l *RedisLocker) Release(ctx context.Context, lease Lease) error {
	if lease.Token == "" {
		return nil
	}
	if err := releaseScript.Run(ctx, l.client, []string{l.prefix + lease.Key}, lease.Token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return syncerr.Wrap(err, syncerr.KindInfrastructure, fmt.Sprintf("release lock %s", lease.Key))
	}
	return nil
}

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

var extendScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)
