// Package runlock keeps two crawl runs of the same source from overlapping,
// across processes, with a Redis lease.
package runlock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrLocked is returned when another run holds the lease.
var ErrLocked = errors.New("source run already in progress")

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Locker hands out per-source leases.
type Locker struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

// New builds a Locker. Leases expire after ttl unless extended.
func New(client redis.Cmdable, prefix string, ttl time.Duration) *Locker {
	if prefix == "" {
		prefix = "eventcrawler:lock"
	}
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &Locker{client: client, prefix: prefix, ttl: ttl}
}

// Lease is a held lock.
type Lease struct {
	locker *Locker
	key    string
	token  string
}

// Acquire takes the lease for source, identifying the holder by token.
func (l *Locker) Acquire(ctx context.Context, source, token string) (*Lease, error) {
	key := l.prefix + ":" + source
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire run lock %s: %w", source, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLocked, source)
	}
	return &Lease{locker: l, key: key, token: token}, nil
}

// Holder returns the token currently holding source's lease, or "".
func (l *Locker) Holder(ctx context.Context, source string) (string, error) {
	v, err := l.client.Get(ctx, l.prefix+":"+source).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read run lock %s: %w", source, err)
	}
	return v, nil
}

// Extend pushes the lease expiry out by the locker's ttl.
func (le *Lease) Extend(ctx context.Context) error {
	n, err := extendScript.Run(ctx, le.locker.client, []string{le.key}, le.token, le.locker.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("extend run lock: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("extend run lock: lease %s lost", le.key)
	}
	return nil
}

// Release drops the lease if it is still ours.
func (le *Lease) Release(ctx context.Context) error {
	if _, err := releaseScript.Run(ctx, le.locker.client, []string{le.key}, le.token).Int(); err != nil {
		return fmt.Errorf("release run lock: %w", err)
	}
	return nil
}
