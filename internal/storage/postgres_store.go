package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/CedrosPay/x402-demo/internal/config"
	"github.com/CedrosPay/x402-demo/pkg/x402"
)

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db          *sql.DB
	ownsDB      bool   // Track if we created the DB connection (for Close())
	noncesTable string // Configurable table name (default: "payment_nonces")
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(connectionString string, poolConfig config.PostgresPoolConfig, table string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	config.ApplyPostgresPoolSettings(db, poolConfig)

	store := &PostgresStore{db: db, ownsDB: true, noncesTable: tableOrDefault(table)}
	if err := store.createTables(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresStoreWithDB creates a PostgreSQL-backed store using an existing connection pool.
func NewPostgresStoreWithDB(db *sql.DB, table string) (*PostgresStore, error) {
	store := &PostgresStore{db: db, ownsDB: false, noncesTable: tableOrDefault(table)}
	if err := store.createTables(); err != nil {
		return nil, err
	}
	return store, nil
}

func tableOrDefault(table string) string {
	if table == "" {
		return "payment_nonces"
	}
	return table
}

func (s *PostgresStore) createTables() error {
	ctx, cancel := withQueryTimeout(context.Background())
	defer cancel()

	table := pq.QuoteIdentifier(s.noncesTable)
	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			resource TEXT NOT NULL,
			requirement JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			consumed_at TIMESTAMPTZ
		);

		CREATE INDEX IF NOT EXISTS %s ON %s(expires_at);
	`, table, pq.QuoteIdentifier("idx_"+s.noncesTable+"_expires"), table)

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create nonce table: %w", err)
	}
	return nil
}

// CreateNonce stores a new challenge nonce.
func (s *PostgresStore) CreateNonce(ctx context.Context, nonce ChallengeNonce) error {
	if err := validateChallengeNonce(&nonce); err != nil {
		return err
	}
	requirement, err := json.Marshal(nonce.Requirement)
	if err != nil {
		return fmt.Errorf("marshal requirement: %w", err)
	}

	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (id, resource, requirement, created_at, expires_at, consumed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, pq.QuoteIdentifier(s.noncesTable))

	var consumedAt interface{}
	if nonce.ConsumedAt != nil {
		consumedAt = nonce.ConsumedAt.UTC()
	}

	_, err = s.db.ExecContext(ctx, query,
		nonce.ID, nonce.Resource, requirement, nonce.CreatedAt.UTC(), nonce.ExpiresAt.UTC(), consumedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pgUniqueViolation {
		return ErrNonceExists
	}
	return err
}

// GetNonce retrieves a nonce by id.
func (s *PostgresStore) GetNonce(ctx context.Context, id string) (ChallengeNonce, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT id, resource, requirement, created_at, expires_at, consumed_at
		FROM %s WHERE id = $1
	`, pq.QuoteIdentifier(s.noncesTable))

	var (
		nonce       ChallengeNonce
		requirement []byte
		consumedAt  sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, query, normalizeNonceID(id)).Scan(
		&nonce.ID, &nonce.Resource, &requirement, &nonce.CreatedAt, &nonce.ExpiresAt, &consumedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ChallengeNonce{}, ErrNonceNotFound
	}
	if err != nil {
		return ChallengeNonce{}, fmt.Errorf("get nonce: %w", err)
	}

	var req x402.PaymentRequirement
	if err := json.Unmarshal(requirement, &req); err != nil {
		return ChallengeNonce{}, fmt.Errorf("unmarshal requirement: %w", err)
	}
	nonce.Requirement = req
	if consumedAt.Valid {
		t := consumedAt.Time
		nonce.ConsumedAt = &t
	}
	return nonce, nil
}

// ConsumeNonce marks a nonce as consumed with a single conditional update.
func (s *PostgresStore) ConsumeNonce(ctx context.Context, id string) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	id = normalizeNonceID(id)
	query := fmt.Sprintf(`
		UPDATE %s
		SET consumed_at = NOW()
		WHERE id = $1
			AND consumed_at IS NULL
			AND expires_at > NOW()
	`, pq.QuoteIdentifier(s.noncesTable))

	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("consume nonce: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 1 {
		return nil
	}

	// Zero rows: find out which precondition failed.
	var (
		consumedAt sql.NullTime
		expired    bool
	)
	checkQuery := fmt.Sprintf(`SELECT consumed_at, expires_at <= NOW() FROM %s WHERE id = $1`,
		pq.QuoteIdentifier(s.noncesTable))
	err = s.db.QueryRowContext(ctx, checkQuery, id).Scan(&consumedAt, &expired)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return ErrNonceNotFound
	case err != nil:
		return fmt.Errorf("check nonce status: %w", err)
	case consumedAt.Valid:
		return ErrNonceConsumed
	case expired:
		return ErrNonceExpired
	}
	return fmt.Errorf("failed to consume nonce: %s", id)
}

// CleanupExpiredNonces deletes nonces that expired before the cutoff.
func (s *PostgresStore) CleanupExpiredNonces(ctx context.Context, before time.Time) (int64, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`DELETE FROM %s WHERE expires_at < $1`, pq.QuoteIdentifier(s.noncesTable))

	result, err := s.db.ExecContext(ctx, query, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("cleanup expired nonces: %w", err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return count, nil
}

// Ping checks the connection pool.
func (s *PostgresStore) Ping(ctx context.Context) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	return s.db.PingContext(ctx)
}

// Close closes the database connection if the store opened it.
func (s *PostgresStore) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}
