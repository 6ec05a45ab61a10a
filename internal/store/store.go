// Package store provides the shared state store used by the scheduler and
// the image analysis pipeline: string keys with optional expiry, FIFO
// lists with a blocking pop, and score-ordered sets.
//
// Two backends implement KV. SQLite is the default for a single host;
// PostgreSQL serves deployments where the scheduler and workers run on
// different machines.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fentz26/rover/internal/clock"
)

// ErrNil is returned by Get when the key is missing or expired.
var ErrNil = errors.New("store: nil")

// ZMember is one scored entry of a sorted set.
type ZMember struct {
	Member string
	Score  float64
}

// KV is the set of atomic primitives the rover components coordinate through.
type KV interface {
	// Get returns the value for key or ErrNil.
	Get(ctx context.Context, key string) (string, error)
	// Set stores value under key. A zero ttl keeps the key until deleted.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Del removes keys of any type.
	Del(ctx context.Context, keys ...string) error
	// Incr atomically increments an integer key, creating it at 1 with ttl.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// RPush appends values to the tail of a list.
	RPush(ctx context.Context, key string, values ...string) error
	// LRange returns the whole list, head first.
	LRange(ctx context.Context, key string) ([]string, error)
	// LTrim keeps only the last keepLast entries of a list.
	LTrim(ctx context.Context, key string, keepLast int) error
	// Drain atomically returns and clears the whole list.
	Drain(ctx context.Context, key string) ([]string, error)
	// BLPop removes and returns the head of a list, blocking until an entry
	// is available or ctx is done.
	BLPop(ctx context.Context, key string) (string, error)

	// ZAdd inserts member or updates its score.
	ZAdd(ctx context.Context, key string, score float64, member string) error
	// ZRangeByScore returns members with min <= score <= max, lowest first.
	ZRangeByScore(ctx context.Context, key string, min, max float64) ([]ZMember, error)
	// ZRemRangeByScore removes members with min <= score <= max.
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error)

	// Keys lists live keys of any type starting with prefix, sorted.
	Keys(ctx context.Context, prefix string) ([]string, error)

	Ping(ctx context.Context) error
	Close() error
}

type options struct {
	clock        clock.Clock
	pollInterval time.Duration
}

// Option configures a backend.
type Option func(*options)

// WithClock sets the clock used for key expiry.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithPollInterval sets how often a blocked BLPop re-checks for entries
// pushed by other processes.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) { o.pollInterval = d }
}

func buildOptions(opts []Option) options {
	o := options{clock: clock.Real(), pollInterval: 250 * time.Millisecond}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// Open picks a backend from dsn: postgres:// and postgresql:// URLs use
// PostgreSQL, anything else is treated as a SQLite file path.
func Open(ctx context.Context, dsn string, opts ...Option) (KV, error) {
	if dsn == "" {
		return nil, fmt.Errorf("open store: empty dsn")
	}
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return NewPostgres(ctx, dsn, opts...)
	}
	return NewSQLite(dsn, opts...)
}

// expiry converts a ttl to the stored deadline. Zero means no deadline.
func expiry(now time.Time, ttl time.Duration) *int64 {
	if ttl <= 0 {
		return nil
	}
	at := now.Add(ttl).UnixNano()
	return &at
}
