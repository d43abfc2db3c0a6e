// Package postgres opens the two connection pools the service uses: a
// database/sql pool for the saga store, advisory locks and the audit outbox,
// and a pgx pool for the profile and document adapters.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
)

const pingTimeout = 5 * time.Second

// Pools bundles both pools over one DSN.
type Pools struct {
	DB   *sql.DB
	Pool *pgxpool.Pool
}

// Open connects both pools and pings them. Callers own Close.
func Open(ctx context.Context, dsn string) (*Pools, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open pgx pool: %w", err)
	}
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		_ = db.Close()
		return nil, fmt.Errorf("ping pgx pool: %w", err)
	}
	return &Pools{DB: db, Pool: pool}, nil
}

// Health pings the database/sql pool.
func (p *Pools) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	return p.DB.PingContext(ctx)
}

func (p *Pools) Close() error {
	p.Pool.Close()
	return p.DB.Close()
}
