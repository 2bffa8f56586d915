package dbpool

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/CedrosPay/x402-demo/internal/config"
)

// SharedPool owns the PostgreSQL connection pool used by the nonce store
// and the health endpoint.
type SharedPool struct {
	db *sql.DB
}

// NewSharedPool opens and pings a PostgreSQL pool.
func NewSharedPool(ctx context.Context, connectionString string, poolConfig config.PostgresPoolConfig) (*SharedPool, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	config.ApplyPostgresPoolSettings(db, poolConfig)

	return &SharedPool{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (p *SharedPool) DB() *sql.DB {
	return p.db
}

// Ping reports whether the database is reachable.
func (p *SharedPool) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Stats exposes pool counters for the health endpoint.
func (p *SharedPool) Stats() sql.DBStats {
	return p.db.Stats()
}

// Close closes the pool. Safe to call more than once.
func (p *SharedPool) Close() error {
	return p.db.Close()
}
