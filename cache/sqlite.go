package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS cache_buckets (
    name TEXT PRIMARY KEY,
    created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS cache_entries (
    bucket TEXT NOT NULL REFERENCES cache_buckets(name) ON DELETE CASCADE,
    key TEXT NOT NULL,
    status INTEGER NOT NULL,
    header TEXT NOT NULL,
    body BLOB,
    fetched_at INTEGER NOT NULL,
    seq INTEGER NOT NULL,
    PRIMARY KEY (bucket, key)
);
CREATE INDEX IF NOT EXISTS cache_entries_order ON cache_entries (bucket, seq);
`

// SQLiteStorage persists buckets in a local SQLite database
type SQLiteStorage struct {
	db  *sql.DB
	now Clock
}

// OpenSQLite opens (or creates) the database at path and applies the schema
func OpenSQLite(path string, now Clock) (*SQLiteStorage, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if now == nil {
		now = time.Now
	}
	dsn := filepath.Clean(path) + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &SQLiteStorage{db: db, now: now}, nil
}

// Open implements Storage
func (s *SQLiteStorage) Open(ctx context.Context, name string) (Bucket, error) {
	if !ValidName(name) {
		return nil, ErrInvalidName
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cache_buckets (name, created_at) VALUES (?, ?) ON CONFLICT(name) DO NOTHING`,
		name, s.now().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("create bucket %s: %w", name, err)
	}
	return &sqliteBucket{name: name, db: s.db, now: s.now}, nil
}

// Has implements Storage
func (s *SQLiteStorage) Has(ctx context.Context, name string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM cache_buckets WHERE name = ?`, name).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Delete implements Storage
func (s *SQLiteStorage) Delete(ctx context.Context, name string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM cache_entries WHERE bucket = ?`, name); err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM cache_buckets WHERE name = ?`, name)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, tx.Commit()
}

// Keys implements Storage
func (s *SQLiteStorage) Keys(ctx context.Context) ([]string, error) {
	return queryStrings(ctx, s.db, `SELECT name FROM cache_buckets ORDER BY name`)
}

// Close implements Storage
func (s *SQLiteStorage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type sqliteBucket struct {
	name string
	db   *sql.DB
	now  Clock
}

func (b *sqliteBucket) Name() string { return b.name }

func (b *sqliteBucket) Match(ctx context.Context, key string) (*Entry, error) {
	var (
		header    string
		fetchedAt int64
		entry     = Entry{Key: key}
	)
	err := b.db.QueryRowContext(ctx,
		`SELECT status, header, body, fetched_at FROM cache_entries WHERE bucket = ? AND key = ?`,
		b.name, key).Scan(&entry.Status, &header, &entry.Body, &fetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCacheNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(header), &entry.Header); err != nil {
		return nil, fmt.Errorf("decode header: %w", err)
	}
	entry.FetchedAt = time.UnixMilli(fetchedAt)
	return &entry, nil
}

func (b *sqliteBucket) Put(ctx context.Context, entry *Entry) error {
	header, err := json.Marshal(entry.Header)
	if err != nil {
		return err
	}
	_, err = b.db.ExecContext(ctx, `
INSERT INTO cache_entries (bucket, key, status, header, body, fetched_at, seq)
VALUES (?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM cache_entries WHERE bucket = ?))
ON CONFLICT(bucket, key) DO UPDATE SET
    status = excluded.status,
    header = excluded.header,
    body = excluded.body,
    fetched_at = excluded.fetched_at,
    seq = excluded.seq`,
		b.name, entry.Key, entry.Status, string(header), entry.Body, b.now().UnixMilli(), b.name)
	if err != nil {
		return fmt.Errorf("put %s: %w", entry.Key, err)
	}
	return nil
}

func (b *sqliteBucket) Delete(ctx context.Context, key string) (bool, error) {
	res, err := b.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE bucket = ? AND key = ?`, b.name, key)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (b *sqliteBucket) Keys(ctx context.Context) ([]string, error) {
	return queryStrings(ctx, b.db, `SELECT key FROM cache_entries WHERE bucket = ? ORDER BY seq`, b.name)
}

func queryStrings(ctx context.Context, db *sql.DB, query string, args ...any) ([]string, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
