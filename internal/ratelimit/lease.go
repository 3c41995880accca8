package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

var (
	ErrLockerDisabled = errors.New("lock client not configured")
	ErrInvalidLease   = errors.New("invalid lease request")
)

// Both scripts act only while the caller still owns the key.
var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)
	extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)
)

// Locker hands out Redis leases keyed by name. A nil Locker means Redis is
// disabled.
type Locker struct {
	client *redis.Client
}

func NewLocker(client *redis.Client) *Locker {
	if client == nil {
		return nil
	}
	return &Locker{client: client}
}

// Lease is one owned key. Methods on a nil Lease are no-ops.
type Lease struct {
	client *redis.Client
	key    string
	token  string
}

// Acquire claims key for ttl. It returns a nil lease and no error when another
// owner holds the key.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	if l == nil || l.client == nil {
		return nil, ErrLockerDisabled
	}
	if key == "" || ttl <= 0 {
		return nil, ErrInvalidLease
	}

	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &Lease{client: l.client, key: key, token: token}, nil
}

func (l *Lease) Key() string {
	if l == nil {
		return ""
	}
	return l.key
}

// Extend pushes the expiry to ttl from now. It reports false once the lease
// has expired or moved to another owner.
func (l *Lease) Extend(ctx context.Context, ttl time.Duration) (bool, error) {
	if l == nil {
		return false, nil
	}
	if ttl <= 0 {
		return false, ErrInvalidLease
	}
	n, err := extendScript.Run(ctx, l.client, []string{l.key}, l.token, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (l *Lease) Release(ctx context.Context) error {
	if l == nil {
		return nil
	}
	return releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err()
}
