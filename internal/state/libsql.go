package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/tursodatabase/go-libsql"
)

// LibSQL is a Manager backed by an embedded libSQL database.
type LibSQL struct {
	db  *sql.DB
	now func() time.Time
}

// NewLibSQL opens a libSQL database. dsn is a file URI such as
// "file:/var/lib/toolforge/state.db". Call Migrate before first use.
func NewLibSQL(dsn string) (*LibSQL, error) {
	db, err := sql.Open("libsql", dsn)
	if err != nil {
		return nil, stateError("open libsql", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows, so QueryRow is used for all of them.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}
	return &LibSQL{db: db, now: time.Now}, nil
}

// Migrate applies pending schema migrations.
func (s *LibSQL) Migrate(ctx context.Context) error {
	return migrate(ctx, s.db)
}

func (s *LibSQL) Close() error { return s.db.Close() }

// Ping checks that the database is reachable.
func (s *LibSQL) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return stateError("ping", err)
	}
	return nil
}

func (s *LibSQL) Get(ctx context.Context, key string) (any, bool, error) {
	if err := validKey(key); err != nil {
		return nil, false, err
	}
	var (
		raw       string
		expiresAt sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT value, expires_at FROM state_entries WHERE key = ?`, key,
	).Scan(&raw, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, stateError("get", err)
	}
	if expiresAt.Valid && expiresAt.Int64 <= s.now().UnixMilli() {
		_, _ = s.db.ExecContext(ctx,
			`DELETE FROM state_entries WHERE key = ? AND expires_at <= ?`, key, s.now().UnixMilli())
		return nil, false, nil
	}
	v, err := decode([]byte(raw))
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (s *LibSQL) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if err := validKey(key); err != nil {
		return err
	}
	data, err := encode(value)
	if err != nil {
		return err
	}
	var expiresAt sql.NullInt64
	if ttl > 0 {
		expiresAt = sql.NullInt64{Int64: s.now().Add(ttl).UnixMilli(), Valid: true}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO state_entries (key, value, expires_at, updated_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, expires_at=excluded.expires_at, updated_at=excluded.updated_at`,
		key, string(data), expiresAt,
	)
	if err != nil {
		return stateError("set", err)
	}
	return nil
}

func (s *LibSQL) Delete(ctx context.Context, key string) error {
	if err := validKey(key); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM state_entries WHERE key = ?`, key); err != nil {
		return stateError("delete", err)
	}
	return nil
}

func (s *LibSQL) Exists(ctx context.Context, key string) (bool, error) {
	_, found, err := s.Get(ctx, key)
	return found, err
}

// PurgeExpired deletes every expired key and returns how many were removed.
func (s *LibSQL) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM state_entries WHERE expires_at IS NOT NULL AND expires_at <= ?`, s.now().UnixMilli())
	if err != nil {
		return 0, stateError("purge", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

var _ Manager = (*LibSQL)(nil)
