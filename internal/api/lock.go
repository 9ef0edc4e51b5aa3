package api

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockNotAcquired is returned when a user already has an active
// provisioning lock, grounded on the original's docker_locked decorator
// (redis_client.lock(..., blocking_timeout=0, timeout=20)) — a second
// concurrent request for the same user fails immediately rather than
// queueing behind the first.
var ErrLockNotAcquired = errors.New("a workspace operation is already in progress for this user")

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// UserLock is a per-user advisory lock built directly on Redis SET NX PX,
// since no mutex/lock library appears anywhere in the example pack.
type UserLock struct {
	client *redis.Client
	lease  time.Duration
}

// NewUserLock constructs a UserLock with the given lease duration.
func NewUserLock(client *redis.Client, lease time.Duration) *UserLock {
	if lease <= 0 {
		lease = 20 * time.Second
	}
	return &UserLock{client: client, lease: lease}
}

func lockKey(userID int64) string {
	return fmt.Sprintf("dojo:user_lock:%d", userID)
}

// Acquire takes the lock for userID without blocking, matching the
// original's blocking_timeout=0: a held lock fails fast rather than
// waiting. Returns a release token to pass to Release.
func (l *UserLock) Acquire(ctx context.Context, userID int64) (string, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, lockKey(userID), token, l.lease).Result()
	if err != nil {
		return "", fmt.Errorf("lock acquisition failed: %w", err)
	}
	if !ok {
		return "", ErrLockNotAcquired
	}
	return token, nil
}

// Release drops the lock for userID if and only if token still owns it,
// so a stale caller (one whose lease already expired and was reacquired
// by someone else) never releases another holder's lock.
func (l *UserLock) Release(ctx context.Context, userID int64, token string) error {
	return releaseScript.Run(ctx, l.client, []string{lockKey(userID)}, token).Err()
}
