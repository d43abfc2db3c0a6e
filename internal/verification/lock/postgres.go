package lock

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"database/sql/driver"
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

// PostgresLocker uses session-level advisory locks. Each lease pins one
// pooled connection until Release; the TTL is not enforced by Postgres.
type PostgresLocker struct {
	db     *sql.DB
	conns  *xsync.MapOf[string, *sql.Conn]
	logger *slog.Logger
}

type PostgresOption func(l *PostgresLocker)

func WithPostgresLogger(logger *slog.Logger) PostgresOption {
	return func(l *PostgresLocker) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func NewPostgresLocker(db *sql.DB, opts ...PostgresOption) *PostgresLocker {
	l := &PostgresLocker{
		db:     db,
		conns:  xsync.NewMapOf[string, *sql.Conn](),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func advisoryKey(key string) int64 {
	sum := sha256.Sum256([]byte(key))
	return int64(binary.BigEndian.Uint64(sum[:8]))
}

func (l *PostgresLocker) Acquire(ctx context.Context, key string, _ time.Duration) (string, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return "", fmt.Errorf("advisory lock connection: %w", err)
	}
	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", advisoryKey(key)).Scan(&acquired); err != nil {
		_ = conn.Close()
		return "", fmt.Errorf("advisory lock: %w", err)
	}
	if !acquired {
		_ = conn.Close()
		return "", ErrLocked
	}
	token := uuid.NewString()
	l.conns.Store(token, conn)
	return token, nil
}

func (l *PostgresLocker) Release(ctx context.Context, key, token string) error {
	conn, ok := l.conns.LoadAndDelete(token)
	if !ok {
		return nil
	}
	var released bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_advisory_unlock($1)", advisoryKey(key)).Scan(&released); err != nil {
		// The session may still hold the lock, so it must not go back to the pool.
		_ = conn.Raw(func(any) error { return driver.ErrBadConn })
		_ = conn.Close()
		return fmt.Errorf("advisory unlock: %w", err)
	}
	if err := conn.Close(); err != nil {
		l.logger.WarnContext(ctx, "advisory lock connection close failed", "key", key, "error", err)
	}
	if !released {
		l.logger.WarnContext(ctx, "advisory lock was not held at release", "key", key)
	}
	return nil
}

var _ Locker = (*PostgresLocker)(nil)
