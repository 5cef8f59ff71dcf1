package cache

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// ErrLocked is returned by TryLock when the lock is already held.
var ErrLocked = errors.New("lock is already held")

// RefreshLockKey guards snapshot refresh across processes sharing a database.
const RefreshLockKey = "lock:refresh"

const unlockScript = `
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	end
	return 0
`

// TryLock attempts to acquire a distributed lock identified by key.
// It uses the Redis SET NX EX pattern. On success it returns an unlock
// function that MUST be called (typically via defer) to release the lock.
// If the lock is already held, ErrLocked is returned.
func TryLock(ctx context.Context, r *Redis, key string, ttl time.Duration) (unlock func(), err error) {
	// Random token ensures only the holder can release the lock.
	token := randomToken()
	full := r.key(key)

	ok, err := r.client.SetNX(ctx, full, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("cache lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLocked
	}
	return func() {
		// Background context so unlock still runs after the caller's context is cancelled.
		_ = r.client.Eval(context.Background(), unlockScript, []string{full}, token).Err()
	}, nil
}

// IsLocked returns true if the lock key exists.
func IsLocked(ctx context.Context, r *Redis, key string) bool {
	n, _ := r.client.Exists(ctx, r.key(key)).Result()
	return n > 0
}

// Locker adapts TryLock to a fixed key and TTL.
type Locker struct {
	r   *Redis
	key string
	ttl time.Duration
}

// NewLocker returns a Locker for key. ttl should exceed the longest
// expected hold so a crashed holder cannot keep the lock forever.
func NewLocker(r *Redis, key string, ttl time.Duration) *Locker {
	return &Locker{r: r, key: key, ttl: ttl}
}

// TryLock acquires the lock or returns ErrLocked.
func (l *Locker) TryLock(ctx context.Context) (func(), error) {
	return TryLock(ctx, l.r, l.key, l.ttl)
}

func randomToken() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
