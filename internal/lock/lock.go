// Package lock serialises work on the same products across instances.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/bsm/redislock"
	redis "github.com/redis/go-redis/v9"
)

var ErrNotObtained = errors.New("lock not obtained")

type Locker interface {
	// Acquire locks every key or none. The returned release func is never nil.
	Acquire(ctx context.Context, keys []string) (release func(), err error)
}

type Noop struct{}

func (Noop) Acquire(context.Context, []string) (func(), error) {
	return func() {}, nil
}

type Redis struct {
	client *redislock.Client
	ttl    time.Duration
	prefix string
	opts   *redislock.Options
}

func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &Redis{
		client: redislock.New(client),
		ttl:    ttl,
		prefix: "lock:product:",
		opts: &redislock.Options{
			RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(50*time.Millisecond), 5),
		},
	}
}

func (r *Redis) Acquire(ctx context.Context, keys []string) (func(), error) {
	held := make([]*redislock.Lock, 0, len(keys))
	release := func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		for i := len(held) - 1; i >= 0; i-- {
			_ = held[i].Release(releaseCtx)
		}
	}

	for _, key := range SortedKeys(keys) {
		l, err := r.client.Obtain(ctx, r.prefix+key, r.ttl, r.opts)
		if err != nil {
			release()
			if errors.Is(err, redislock.ErrNotObtained) {
				return func() {}, fmt.Errorf("%w: %s", ErrNotObtained, key)
			}
			return func() {}, err
		}
		held = append(held, l)
	}
	return release, nil
}

// SortedKeys dedupes keys and orders them so that every caller takes locks
// in the same order.
func SortedKeys(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}
