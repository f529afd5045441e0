package lock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLiteLocker keeps locks as rows in a shared database.
type SQLiteLocker struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteLocker creates the locks table on db if needed.
func NewSQLiteLocker(db *sql.DB) (*SQLiteLocker, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlite locker: nil db")
	}
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS locks (
	key TEXT PRIMARY KEY,
	token TEXT NOT NULL,
	expires_at_ms INTEGER NOT NULL
);`); err != nil {
		return nil, fmt.Errorf("init locks table: %w", err)
	}
	return &SQLiteLocker{db: db, now: time.Now}, nil
}

func (l *SQLiteLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := l.now().UnixMilli()
	token := newToken()
	res, err := l.db.ExecContext(ctx, `
INSERT INTO locks(key, token, expires_at_ms)
VALUES(?, ?, ?)
ON CONFLICT(key) DO UPDATE SET
	token = excluded.token,
	expires_at_ms = excluded.expires_at_ms
WHERE locks.expires_at_ms <= ?`, key, token, now+ttl.Milliseconds(), now)
	if err != nil {
		return "", false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	affected, _ := res.RowsAffected()
	if affected != 1 {
		return "", false, nil
	}
	return token, true, nil
}

func (l *SQLiteLocker) Release(ctx context.Context, key, token string) error {
	if token == "" {
		return nil
	}
	if _, err := l.db.ExecContext(ctx, `DELETE FROM locks WHERE key = ? AND token = ?`, key, token); err != nil {
		return fmt.Errorf("release lock %s: %w", key, err)
	}
	return nil
}

func (l *SQLiteLocker) IsHeld(ctx context.Context, key string) (bool, error) {
	var expires int64
	err := l.db.QueryRowContext(ctx, `SELECT expires_at_ms FROM locks WHERE key = ?`, key).Scan(&expires)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("check lock %s: %w", key, err)
	}
	return expires > l.now().UnixMilli(), nil
}

// ReapExpired deletes rows whose TTL has passed.
func (l *SQLiteLocker) ReapExpired(ctx context.Context) (int, error) {
	res, err := l.db.ExecContext(ctx, `DELETE FROM locks WHERE expires_at_ms <= ?`, l.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("reap locks: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
