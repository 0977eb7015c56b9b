package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS cache_buckets (
    name TEXT PRIMARY KEY,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS cache_entries (
    bucket TEXT NOT NULL REFERENCES cache_buckets(name) ON DELETE CASCADE,
    key TEXT NOT NULL,
    status INTEGER NOT NULL,
    header JSONB NOT NULL,
    body BYTEA,
    fetched_at TIMESTAMPTZ NOT NULL,
    seq BIGINT NOT NULL,
    PRIMARY KEY (bucket, key)
);
CREATE INDEX IF NOT EXISTS cache_entries_order ON cache_entries (bucket, seq);
`

// PostgresStorage shares buckets between edge instances through Postgres
type PostgresStorage struct {
	pool *pgxpool.Pool
	now  Clock
}

// OpenPostgres connects to databaseURL and applies the schema
func OpenPostgres(ctx context.Context, databaseURL string, now Clock) (*PostgresStorage, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply postgres schema: %w", err)
	}
	if now == nil {
		now = time.Now
	}
	return &PostgresStorage{pool: pool, now: now}, nil
}

// Open implements Storage
func (s *PostgresStorage) Open(ctx context.Context, name string) (Bucket, error) {
	if !ValidName(name) {
		return nil, ErrInvalidName
	}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO cache_buckets (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`, name); err != nil {
		return nil, fmt.Errorf("create bucket %s: %w", name, err)
	}
	return &postgresBucket{name: name, pool: s.pool, now: s.now}, nil
}

// Has implements Storage
func (s *PostgresStorage) Has(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM cache_buckets WHERE name = $1)`, name).Scan(&exists)
	return exists, err
}

// Delete implements Storage
func (s *PostgresStorage) Delete(ctx context.Context, name string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM cache_buckets WHERE name = $1`, name)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// Keys implements Storage
func (s *PostgresStorage) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT name FROM cache_buckets ORDER BY name`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// Close implements Storage
func (s *PostgresStorage) Close() error {
	s.pool.Close()
	return nil
}

type postgresBucket struct {
	name string
	pool *pgxpool.Pool
	now  Clock
}

func (b *postgresBucket) Name() string { return b.name }

func (b *postgresBucket) Match(ctx context.Context, key string) (*Entry, error) {
	var (
		header []byte
		entry  = Entry{Key: key}
	)
	err := b.pool.QueryRow(ctx,
		`SELECT status, header, body, fetched_at FROM cache_entries WHERE bucket = $1 AND key = $2`,
		b.name, key).Scan(&entry.Status, &header, &entry.Body, &entry.FetchedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrCacheNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(header, &entry.Header); err != nil {
		return nil, fmt.Errorf("decode header: %w", err)
	}
	return &entry, nil
}

func (b *postgresBucket) Put(ctx context.Context, entry *Entry) error {
	header, err := json.Marshal(entry.Header)
	if err != nil {
		return err
	}
	_, err = b.pool.Exec(ctx, `
INSERT INTO cache_entries (bucket, key, status, header, body, fetched_at, seq)
VALUES ($1, $2, $3, $4, $5, $6, (SELECT COALESCE(MAX(seq), 0) + 1 FROM cache_entries WHERE bucket = $1))
ON CONFLICT (bucket, key) DO UPDATE SET
    status = EXCLUDED.status,
    header = EXCLUDED.header,
    body = EXCLUDED.body,
    fetched_at = EXCLUDED.fetched_at,
    seq = EXCLUDED.seq`,
		b.name, entry.Key, entry.Status, header, entry.Body, b.now().UTC())
	if err != nil {
		return fmt.Errorf("put %s: %w", entry.Key, err)
	}
	return nil
}

func (b *postgresBucket) Delete(ctx context.Context, key string) (bool, error) {
	tag, err := b.pool.Exec(ctx, `DELETE FROM cache_entries WHERE bucket = $1 AND key = $2`, b.name, key)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (b *postgresBucket) Keys(ctx context.Context) ([]string, error) {
	rows, err := b.pool.Query(ctx, `SELECT key FROM cache_entries WHERE bucket = $1 ORDER BY seq`, b.name)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}
