package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite is a KV backed by a local SQLite database.
type SQLite struct {
	db   *sql.DB
	opts options

	// wake is closed and replaced on every push so in-process BLPop
	// callers return without waiting for the next poll.
	mu   sync.Mutex
	wake chan struct{}
}

// NewSQLite opens (creating if needed) the database at dbPath and runs
// migrations.
func NewSQLite(dbPath string, opts ...Option) (*SQLite, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// WAL lets the worker process read while the scheduler writes.
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite only supports one writer at a time
	db.SetMaxIdleConns(1)

	s := &SQLite{db: db, opts: buildOptions(opts), wake: make(chan struct{})}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLite) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		expires_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS list_items (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		key TEXT NOT NULL,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS zset_members (
		key TEXT NOT NULL,
		member TEXT NOT NULL,
		score REAL NOT NULL,
		PRIMARY KEY (key, member)
	);

	CREATE INDEX IF NOT EXISTS idx_list_items_key ON list_items(key, id);
	CREATE INDEX IF NOT EXISTS idx_zset_members_score ON zset_members(key, score);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLite) now() int64 {
	return s.opts.clock.Now().UnixNano()
}

// --- String keys ---

// Get returns the live value for key.
func (s *SQLite) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE key = ? AND (expires_at IS NULL OR expires_at > ?)`,
		key, s.now(),
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNil
	}
	if err != nil {
		return "", fmt.Errorf("get %s: %w", key, err)
	}
	return value, nil
}

// Set upserts key with an optional ttl.
func (s *SQLite) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, expiry(s.opts.clock.Now(), ttl),
	)
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Del removes keys from every keyspace.
func (s *SQLite) Del(ctx context.Context, keys ...string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, key := range keys {
		for _, q := range []string{
			`DELETE FROM kv WHERE key = ?`,
			`DELETE FROM list_items WHERE key = ?`,
			`DELETE FROM zset_members WHERE key = ?`,
		} {
			if _, err := tx.ExecContext(ctx, q, key); err != nil {
				return fmt.Errorf("del %s: %w", key, err)
			}
		}
	}
	return tx.Commit()
}

// Incr increments key in a single upsert, restarting it when expired.
func (s *SQLite) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	now := s.now()
	var raw string
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO kv (key, value, expires_at) VALUES (?, '1', ?)
		 ON CONFLICT(key) DO UPDATE SET
			value = CASE WHEN kv.expires_at IS NOT NULL AND kv.expires_at <= ?
				THEN '1' ELSE CAST(CAST(kv.value AS INTEGER) + 1 AS TEXT) END,
			expires_at = CASE WHEN kv.expires_at IS NOT NULL AND kv.expires_at <= ?
				THEN excluded.expires_at ELSE kv.expires_at END
		 RETURNING value`,
		key, expiry(s.opts.clock.Now(), ttl), now, now,
	).Scan(&raw)
	if err != nil {
		return 0, fmt.Errorf("incr %s: %w", key, err)
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("incr %s: parse %q: %w", key, raw, err)
	}
	return n, nil
}

// --- Lists ---

// RPush appends values and wakes local BLPop callers.
func (s *SQLite) RPush(ctx context.Context, key string, values ...string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, v := range values {
		if _, err := tx.ExecContext(ctx, `INSERT INTO list_items (key, value) VALUES (?, ?)`, key, v); err != nil {
			return fmt.Errorf("rpush %s: %w", key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	s.mu.Lock()
	close(s.wake)
	s.wake = make(chan struct{})
	s.mu.Unlock()
	return nil
}

// LRange returns every entry of the list, head first.
func (s *SQLite) LRange(ctx context.Context, key string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT value FROM list_items WHERE key = ? ORDER BY id`, key)
	if err != nil {
		return nil, fmt.Errorf("lrange %s: %w", key, err)
	}
	defer rows.Close()

	var values []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan list item: %w", err)
		}
		values = append(values, v)
	}
	return values, rows.Err()
}

// LTrim keeps the newest keepLast entries.
func (s *SQLite) LTrim(ctx context.Context, key string, keepLast int) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM list_items WHERE key = ? AND id NOT IN (
			SELECT id FROM list_items WHERE key = ? ORDER BY id DESC LIMIT ?
		)`,
		key, key, keepLast,
	)
	if err != nil {
		return fmt.Errorf("ltrim %s: %w", key, err)
	}
	return nil
}

// Drain reads and deletes the list inside one transaction.
func (s *SQLite) Drain(ctx context.Context, key string) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT id, value FROM list_items WHERE key = ? ORDER BY id`, key)
	if err != nil {
		return nil, fmt.Errorf("drain %s: %w", key, err)
	}
	var (
		values []string
		lastID int64
	)
	for rows.Next() {
		var v string
		if err := rows.Scan(&lastID, &v); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan list item: %w", err)
		}
		values = append(values, v)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, nil
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM list_items WHERE key = ? AND id <= ?`, key, lastID); err != nil {
		return nil, fmt.Errorf("drain %s: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return values, nil
}

func (s *SQLite) lpop(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`DELETE FROM list_items WHERE id = (
			SELECT id FROM list_items WHERE key = ? ORDER BY id LIMIT 1
		) RETURNING value`,
		key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNil
	}
	if err != nil {
		return "", fmt.Errorf("lpop %s: %w", key, err)
	}
	return value, nil
}

// BLPop pops the head of the list, waiting for a local push or the next
// poll when the list is empty.
func (s *SQLite) BLPop(ctx context.Context, key string) (string, error) {
	for {
		s.mu.Lock()
		wake := s.wake
		s.mu.Unlock()

		v, err := s.lpop(ctx, key)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, ErrNil) {
			return "", err
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-wake:
		case <-time.After(s.opts.pollInterval):
		}
	}
}

// --- Sorted sets ---

// ZAdd upserts member with score.
func (s *SQLite) ZAdd(ctx context.Context, key string, score float64, member string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO zset_members (key, member, score) VALUES (?, ?, ?)
		 ON CONFLICT(key, member) DO UPDATE SET score = excluded.score`,
		key, member, score,
	)
	if err != nil {
		return fmt.Errorf("zadd %s: %w", key, err)
	}
	return nil
}

// ZRangeByScore returns members in ascending score order.
func (s *SQLite) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]ZMember, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT member, score FROM zset_members WHERE key = ? AND score >= ? AND score <= ? ORDER BY score, member`,
		key, min, max,
	)
	if err != nil {
		return nil, fmt.Errorf("zrangebyscore %s: %w", key, err)
	}
	defer rows.Close()

	var members []ZMember
	for rows.Next() {
		var m ZMember
		if err := rows.Scan(&m.Member, &m.Score); err != nil {
			return nil, fmt.Errorf("scan zset member: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// ZRemRangeByScore deletes members within the score range.
func (s *SQLite) ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM zset_members WHERE key = ? AND score >= ? AND score <= ?`,
		key, min, max,
	)
	if err != nil {
		return 0, fmt.Errorf("zremrangebyscore %s: %w", key, err)
	}
	return res.RowsAffected()
}

// Keys lists live keys across every keyspace that start with prefix.
func (s *SQLite) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM kv WHERE substr(key, 1, length(?1)) = ?1 AND (expires_at IS NULL OR expires_at > ?2)
		 UNION SELECT key FROM list_items WHERE substr(key, 1, length(?1)) = ?1
		 UNION SELECT key FROM zset_members WHERE substr(key, 1, length(?1)) = ?1
		 ORDER BY key`,
		prefix, s.now(),
	)
	if err != nil {
		return nil, fmt.Errorf("keys %s: %w", prefix, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
