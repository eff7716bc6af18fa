// Package billno hands out bill numbers. Every allocator is seeded from the
// highest sequence already in the ledger, so numbers keep increasing across
// restarts.
package billno

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	redis "github.com/redis/go-redis/v9"
)

const DefaultPrefix = "INV-"

type Number struct {
	Sequence int64
	Value    string
}

type Allocator interface {
	Next(ctx context.Context) (Number, error)
}

// SequenceSource reports the highest sequence the ledger has committed.
type SequenceSource interface {
	MaxBillSequence(ctx context.Context) (int64, error)
}

func Format(prefix string, seq int64) string {
	return fmt.Sprintf("%s%06d", prefix, seq)
}

func normalizePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return DefaultPrefix
	}
	return prefix
}

// Local is a process-wide counter. It is only unique when a single process
// writes to the ledger; the ledger's unique bill_no constraint catches the rest.
type Local struct {
	prefix string
	seq    atomic.Int64
}

func NewLocal(ctx context.Context, prefix string, source SequenceSource) (*Local, error) {
	l := &Local{prefix: normalizePrefix(prefix)}
	if source != nil {
		seed, err := source.MaxBillSequence(ctx)
		if err != nil {
			return nil, fmt.Errorf("seed bill sequence: %w", err)
		}
		l.seq.Store(seed)
	}
	return l, nil
}

func (l *Local) Next(ctx context.Context) (Number, error) {
	if err := ctx.Err(); err != nil {
		return Number{}, err
	}
	seq := l.seq.Add(1)
	return Number{Sequence: seq, Value: Format(l.prefix, seq)}, nil
}

type counter interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	IncrBy(ctx context.Context, key string, value int64) *redis.IntCmd
}

// Redis shares one INCR counter between every instance pointing at the same
// Redis database.
type Redis struct {
	client counter
	key    string
	prefix string
	source SequenceSource
}

func NewRedis(client *redis.Client, key string, prefix string, source SequenceSource) *Redis {
	return newRedis(client, key, prefix, source)
}

func newRedis(client counter, key string, prefix string, source SequenceSource) *Redis {
	if strings.TrimSpace(key) == "" {
		key = "sbm:bill_seq"
	}
	return &Redis{client: client, key: key, prefix: normalizePrefix(prefix), source: source}
}

func (r *Redis) Next(ctx context.Context) (Number, error) {
	seq, err := r.client.Incr(ctx, r.key).Result()
	if err != nil {
		return Number{}, fmt.Errorf("incr bill sequence: %w", err)
	}

	// A fresh key starts at 1. Jump it past the ledger so numbers already
	// issued are never handed out again. IncrBy keeps every caller's value
	// distinct even when several instances seed at once.
	if seq == 1 && r.source != nil {
		seed, err := r.source.MaxBillSequence(ctx)
		if err != nil {
			return Number{}, fmt.Errorf("seed bill sequence: %w", err)
		}
		if seed > 0 {
			seq, err = r.client.IncrBy(ctx, r.key, seed).Result()
			if err != nil {
				return Number{}, fmt.Errorf("seed bill sequence: %w", err)
			}
		}
	}

	return Number{Sequence: seq, Value: Format(r.prefix, seq)}, nil
}
