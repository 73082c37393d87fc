// Package sqlitestore keeps cache records in a SQLite database file, one table
// per database, with an index on last access for eviction scans.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // driver

	"github.com/mohammed-shakir/geolens-cache/internal/cache"
)

var (
	ErrConnectionFailed = errors.New("sqlite: connection failed")
	ErrMigrationFailed  = errors.New("sqlite: migration failed")
)

const schema = `
CREATE TABLE IF NOT EXISTS cache_entries (
	key TEXT PRIMARY KEY,
	subject TEXT NOT NULL,
	path TEXT NOT NULL DEFAULT '',
	inline BLOB,
	size_bytes INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	last_accessed_at INTEGER NOT NULL,
	access_count INTEGER NOT NULL DEFAULT 0,
	expires_at INTEGER,
	validator TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_cache_entries_last_access ON cache_entries(last_accessed_at);
`

const entryCols = `key, subject, path, size_bytes, created_at, last_accessed_at, access_count, expires_at, validator`

type Store struct {
	db *sql.DB
}

var _ cache.Store = (*Store)(nil)

// Open creates or opens the database at path. The engine serializes access,
// so a single connection is enough and avoids SQLITE_BUSY between writers.
func Open(ctx context.Context, path string, busyTimeout time.Duration) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("%w: empty path", ErrConnectionFailed)
	}
	if busyTimeout <= 0 {
		busyTimeout = 5 * time.Second
	}
	q := url.Values{}
	q.Set("_busy_timeout", fmt.Sprint(busyTimeout.Milliseconds()))
	q.Set("_journal_mode", "WAL")
	q.Set("_synchronous", "NORMAL")
	dsn := "file:" + path + "?" + q.Encode()

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Join(ErrConnectionFailed, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Join(ErrConnectionFailed, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, errors.Join(ErrMigrationFailed, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Load(ctx context.Context, key string) (cache.Record, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entryCols+`, inline FROM cache_entries WHERE key = ?`, key)

	var (
		r       cache.Record
		created int64
		access  int64
		expires sql.NullInt64
	)
	err := row.Scan(&r.Key, &r.Subject, &r.Path, &r.Size, &created, &access,
		&r.AccessCount, &expires, &r.Validator, &r.Inline)
	if errors.Is(err, sql.ErrNoRows) {
		return cache.Record{}, false, nil
	}
	if err != nil {
		return cache.Record{}, false, fmt.Errorf("sqlite load %q: %w", key, err)
	}
	r.CreatedAt = time.Unix(0, created)
	r.LastAccessedAt = time.Unix(0, access)
	if expires.Valid {
		r.ExpiresAt = time.Unix(0, expires.Int64)
	}
	return r, true, nil
}

func (s *Store) Upsert(ctx context.Context, r cache.Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cache_entries (key, subject, path, inline, size_bytes, created_at,
			last_accessed_at, access_count, expires_at, validator)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
			subject = excluded.subject,
			path = excluded.path,
			inline = excluded.inline,
			size_bytes = excluded.size_bytes,
			created_at = excluded.created_at,
			last_accessed_at = excluded.last_accessed_at,
			access_count = excluded.access_count,
			expires_at = excluded.expires_at,
			validator = excluded.validator`,
		r.Key, r.Subject, r.Path, r.Inline, r.Size, r.CreatedAt.UnixNano(),
		r.LastAccessedAt.UnixNano(), r.AccessCount, nullTime(r.ExpiresAt), r.Validator,
	)
	if err != nil {
		return fmt.Errorf("sqlite upsert %q: %w", r.Key, err)
	}
	return nil
}

func (s *Store) Touch(ctx context.Context, key string, at time.Time, hits int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE cache_entries
		 SET last_accessed_at = MAX(last_accessed_at, ?), access_count = access_count + ?
		 WHERE key = ?`,
		at.UnixNano(), hits, key)
	if err != nil {
		return fmt.Errorf("sqlite touch %q: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite delete: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `DELETE FROM cache_entries WHERE key = ?`)
	if err != nil {
		return fmt.Errorf("sqlite delete: prepare: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, k := range keys {
		if _, err := stmt.ExecContext(ctx, k); err != nil {
			return fmt.Errorf("sqlite delete %q: %w", k, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite delete: commit: %w", err)
	}
	return nil
}

func (s *Store) Usage(ctx context.Context) (int64, int, error) {
	var total int64
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(size_bytes), 0), COUNT(*) FROM cache_entries`).Scan(&total, &n)
	if err != nil {
		return 0, 0, fmt.Errorf("sqlite usage: %w", err)
	}
	return total, n, nil
}

func (s *Store) ByLastAccess(ctx context.Context) ([]cache.Entry, error) {
	return s.query(ctx, `SELECT `+entryCols+` FROM cache_entries ORDER BY last_accessed_at ASC, key ASC`)
}

func (s *Store) Expired(ctx context.Context, now, createdBefore time.Time) ([]cache.Entry, error) {
	if createdBefore.IsZero() {
		return s.query(ctx, `SELECT `+entryCols+` FROM cache_entries
			WHERE expires_at IS NOT NULL AND expires_at <= ?`, now.UnixNano())
	}
	return s.query(ctx, `SELECT `+entryCols+` FROM cache_entries
		WHERE (expires_at IS NOT NULL AND expires_at <= ?) OR created_at <= ?`,
		now.UnixNano(), createdBefore.UnixNano())
}

func (s *Store) All(ctx context.Context) ([]cache.Entry, error) {
	return s.query(ctx, `SELECT `+entryCols+` FROM cache_entries`)
}

func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries`); err != nil {
		return fmt.Errorf("sqlite clear: %w", err)
	}
	return nil
}

// Compact rebuilds the database file so cleared space goes back to the OS.
func (s *Store) Compact(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `VACUUM`); err != nil {
		return fmt.Errorf("sqlite vacuum: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("sqlite close: %w", err)
	}
	return nil
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]cache.Entry, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []cache.Entry
	for rows.Next() {
		var (
			e       cache.Entry
			created int64
			access  int64
			expires sql.NullInt64
		)
		if err := rows.Scan(&e.Key, &e.Subject, &e.Path, &e.Size, &created, &access,
			&e.AccessCount, &expires, &e.Validator); err != nil {
			return nil, fmt.Errorf("sqlite scan: %w", err)
		}
		e.CreatedAt = time.Unix(0, created)
		e.LastAccessedAt = time.Unix(0, access)
		if expires.Valid {
			e.ExpiresAt = time.Unix(0, expires.Int64)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite rows: %w", err)
	}
	return out, nil
}

func nullTime(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}
