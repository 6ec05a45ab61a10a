package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// notifyChannel carries list push notifications between processes.
const notifyChannel = "rover_list_push"

// Postgres is a KV backed by PostgreSQL. Pushes are announced with
// NOTIFY so a blocked BLPop wakes without polling.
type Postgres struct {
	pool *pgxpool.Pool
	opts options
}

// NewPostgres connects to dsn and ensures the tables exist.
func NewPostgres(ctx context.Context, dsn string, opts ...Option) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &Postgres{pool: pool, opts: buildOptions(opts)}
	if err := s.EnsureTables(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// EnsureTables creates the store tables if they don't exist.
func (s *Postgres) EnsureTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS kv (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			expires_at BIGINT
		)`,
		`CREATE TABLE IF NOT EXISTS list_items (
			id    BIGSERIAL PRIMARY KEY,
			key   TEXT NOT NULL,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS zset_members (
			key    TEXT NOT NULL,
			member TEXT NOT NULL,
			score  DOUBLE PRECISION NOT NULL,
			PRIMARY KEY (key, member)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_list_items_key ON list_items(key, id)`,
		`CREATE INDEX IF NOT EXISTS idx_zset_members_score ON zset_members(key, score)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the pool.
func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}

// Ping checks the server is reachable.
func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Postgres) now() int64 {
	return s.opts.clock.Now().UnixNano()
}

// Get returns the live value for key.
func (s *Postgres) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM kv WHERE key = $1 AND (expires_at IS NULL OR expires_at > $2)`,
		key, s.now(),
	).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNil
	}
	if err != nil {
		return "", fmt.Errorf("get %s: %w", key, err)
	}
	return value, nil
}

// Set upserts key with an optional ttl.
func (s *Postgres) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO kv (key, value, expires_at) VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`,
		key, value, expiry(s.opts.clock.Now(), ttl),
	)
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Del removes keys from every keyspace.
func (s *Postgres) Del(ctx context.Context, keys ...string) error {
	batch := &pgx.Batch{}
	batch.Queue(`DELETE FROM kv WHERE key = ANY($1)`, keys)
	batch.Queue(`DELETE FROM list_items WHERE key = ANY($1)`, keys)
	batch.Queue(`DELETE FROM zset_members WHERE key = ANY($1)`, keys)
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("del: %w", err)
	}
	return nil
}

// Incr increments key in a single upsert, restarting it when expired.
func (s *Postgres) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	var raw string
	err := s.pool.QueryRow(ctx,
		`INSERT INTO kv (key, value, expires_at) VALUES ($1, '1', $2)
		 ON CONFLICT (key) DO UPDATE SET
			value = CASE WHEN kv.expires_at IS NOT NULL AND kv.expires_at <= $3
				THEN '1' ELSE (kv.value::bigint + 1)::text END,
			expires_at = CASE WHEN kv.expires_at IS NOT NULL AND kv.expires_at <= $3
				THEN EXCLUDED.expires_at ELSE kv.expires_at END
		 RETURNING value`,
		key, expiry(s.opts.clock.Now(), ttl), s.now(),
	).Scan(&raw)
	if err != nil {
		return 0, fmt.Errorf("incr %s: %w", key, err)
	}
	return strconv.ParseInt(raw, 10, 64)
}

// RPush appends values and notifies listeners.
func (s *Postgres) RPush(ctx context.Context, key string, values ...string) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, v := range values {
			if _, err := tx.Exec(ctx, `INSERT INTO list_items (key, value) VALUES ($1, $2)`, key, v); err != nil {
				return err
			}
		}
		_, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, key)
		return err
	})
	if err != nil {
		return fmt.Errorf("rpush %s: %w", key, err)
	}
	return nil
}

// LRange returns every entry of the list, head first.
func (s *Postgres) LRange(ctx context.Context, key string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT value FROM list_items WHERE key = $1 ORDER BY id`, key)
	if err != nil {
		return nil, fmt.Errorf("lrange %s: %w", key, err)
	}
	values, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("lrange %s: %w", key, err)
	}
	return values, nil
}

// LTrim keeps the newest keepLast entries.
func (s *Postgres) LTrim(ctx context.Context, key string, keepLast int) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM list_items WHERE key = $1 AND id NOT IN (
			SELECT id FROM list_items WHERE key = $1 ORDER BY id DESC LIMIT $2
		)`,
		key, keepLast,
	)
	if err != nil {
		return fmt.Errorf("ltrim %s: %w", key, err)
	}
	return nil
}

// Drain deletes the list and returns its entries in order. A push racing
// the drain is either returned here or left for the next drain.
func (s *Postgres) Drain(ctx context.Context, key string) ([]string, error) {
	type item struct {
		ID    int64
		Value string
	}
	rows, err := s.pool.Query(ctx, `DELETE FROM list_items WHERE key = $1 RETURNING id, value`, key)
	if err != nil {
		return nil, fmt.Errorf("drain %s: %w", key, err)
	}
	items, err := pgx.CollectRows(rows, pgx.RowToStructByPos[item])
	if err != nil {
		return nil, fmt.Errorf("drain %s: %w", key, err)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	values := make([]string, len(items))
	for i, it := range items {
		values[i] = it.Value
	}
	return values, nil
}

func (s *Postgres) lpop(ctx context.Context, key string) (string, error) {
	var value string
	err := s.pool.QueryRow(ctx,
		`DELETE FROM list_items WHERE id = (
			SELECT id FROM list_items WHERE key = $1 ORDER BY id LIMIT 1 FOR UPDATE SKIP LOCKED
		) RETURNING value`,
		key,
	).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNil
	}
	if err != nil {
		return "", fmt.Errorf("lpop %s: %w", key, err)
	}
	return value, nil
}

// BLPop listens for push notifications on a dedicated connection and pops
// once one arrives. The poll interval bounds the wait in case a
// notification is missed between the pop attempt and the wait.
func (s *Postgres) BLPop(ctx context.Context, key string) (string, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return "", fmt.Errorf("acquire listener: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		return "", fmt.Errorf("listen: %w", err)
	}
	defer conn.Exec(context.Background(), "UNLISTEN "+notifyChannel)

	for {
		v, err := s.lpop(ctx, key)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, ErrNil) {
			return "", err
		}

		waitCtx, cancel := context.WithTimeout(ctx, 20*s.opts.pollInterval)
		_, err = conn.Conn().WaitForNotification(waitCtx)
		cancel()
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return "", fmt.Errorf("wait for notification: %w", err)
		}
	}
}

// ZAdd upserts member with score.
func (s *Postgres) ZAdd(ctx context.Context, key string, score float64, member string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO zset_members (key, member, score) VALUES ($1, $2, $3)
		 ON CONFLICT (key, member) DO UPDATE SET score = EXCLUDED.score`,
		key, member, score,
	)
	if err != nil {
		return fmt.Errorf("zadd %s: %w", key, err)
	}
	return nil
}

// ZRangeByScore returns members in ascending score order.
func (s *Postgres) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]ZMember, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT member, score FROM zset_members WHERE key = $1 AND score >= $2 AND score <= $3 ORDER BY score, member`,
		key, min, max,
	)
	if err != nil {
		return nil, fmt.Errorf("zrangebyscore %s: %w", key, err)
	}
	members, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ZMember, error) {
		var m ZMember
		err := row.Scan(&m.Member, &m.Score)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("zrangebyscore %s: %w", key, err)
	}
	return members, nil
}

// ZRemRangeByScore deletes members within the score range.
func (s *Postgres) ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM zset_members WHERE key = $1 AND score >= $2 AND score <= $3`,
		key, min, max,
	)
	if err != nil {
		return 0, fmt.Errorf("zremrangebyscore %s: %w", key, err)
	}
	return tag.RowsAffected(), nil
}

// Keys lists live keys across every keyspace that start with prefix.
func (s *Postgres) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT key FROM kv WHERE left(key, length($1)) = $1 AND (expires_at IS NULL OR expires_at > $2)
		 UNION SELECT key FROM list_items WHERE left(key, length($1)) = $1
		 UNION SELECT key FROM zset_members WHERE left(key, length($1)) = $1
		 ORDER BY key`,
		prefix, s.now(),
	)
	if err != nil {
		return nil, fmt.Errorf("keys %s: %w", prefix, err)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("keys %s: %w", prefix, err)
	}
	return keys, nil
}
