package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/CedrosPay/x402-demo/internal/config"
	"github.com/CedrosPay/x402-demo/internal/metrics"
)

var (
	// ErrNonceNotFound is returned when a nonce was never issued (or was swept).
	ErrNonceNotFound = errors.New("storage: nonce not found")
	// ErrNonceConsumed is returned when a nonce has already been redeemed.
	ErrNonceConsumed = errors.New("storage: nonce already consumed")
	// ErrNonceExpired is returned when a nonce is past its expiry.
	ErrNonceExpired = errors.New("storage: nonce expired")
	// ErrNonceExists is returned when CreateNonce collides with an existing id.
	ErrNonceExists = errors.New("storage: nonce already exists")
)

// DefaultQueryTimeout is the maximum time allowed for a single database call.
const DefaultQueryTimeout = 5 * time.Second

// Store persists challenge nonces for the paywall.
//
// ConsumeNonce is the only mutating call on the hot path and must be atomic:
// for any id at most one caller ever observes a nil error.
type Store interface {
	// CreateNonce records a freshly issued challenge.
	CreateNonce(ctx context.Context, nonce ChallengeNonce) error
	// GetNonce returns the record regardless of expiry or consumption.
	GetNonce(ctx context.Context, id string) (ChallengeNonce, error)
	// ConsumeNonce flips the consumed flag. Returns ErrNonceNotFound,
	// ErrNonceConsumed or ErrNonceExpired when the nonce cannot be redeemed.
	ConsumeNonce(ctx context.Context, id string) error
	// CleanupExpiredNonces deletes records that expired before the given time.
	CleanupExpiredNonces(ctx context.Context, before time.Time) (int64, error)
	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error

	Close() error
}

// StoreConfig holds storage backend configuration.
type StoreConfig struct {
	Backend         string // "memory", "postgres" or "mongodb"
	PostgresURL     string
	MongoDBURL      string
	MongoDBDatabase string
	PostgresPool    config.PostgresPoolConfig
	NoncesTable     string // Postgres table / Mongo collection name (default: "payment_nonces")

	// Metrics, when set, records per-operation query latency.
	Metrics *metrics.Metrics
}

// StoreConfigFrom maps the storage section of the app config.
func StoreConfigFrom(cfg config.StorageConfig, m *metrics.Metrics) StoreConfig {
	return StoreConfig{
		Backend:         cfg.Backend,
		PostgresURL:     cfg.PostgresURL,
		MongoDBURL:      cfg.MongoDBURL,
		MongoDBDatabase: cfg.MongoDBDatabase,
		PostgresPool:    cfg.PostgresPool,
		NoncesTable:     cfg.NoncesTable,
		Metrics:         m,
	}
}

// NewStore creates a Store instance based on the provided configuration.
func NewStore(cfg StoreConfig) (Store, error) {
	return NewStoreWithDB(cfg, nil)
}

// NewStoreWithDB creates a Store instance with an optional shared database pool.
// If sharedDB is provided (non-nil) for postgres backends, it will be used instead of creating a new connection.
func NewStoreWithDB(cfg StoreConfig, sharedDB *sql.DB) (Store, error) {
	backend := cfg.Backend
	if backend == "" {
		// Auto-detect from provided URLs, postgres first.
		switch {
		case cfg.PostgresURL != "":
			backend = "postgres"
		case cfg.MongoDBURL != "":
			backend = "mongodb"
		default:
			backend = "memory"
		}
	}

	var (
		store Store
		err   error
	)
	switch backend {
	case "memory":
		// Memory backend loses replay protection on restart. Development only.
		store = NewMemoryStore()
	case "postgres":
		var pg *PostgresStore
		if sharedDB != nil {
			pg, err = NewPostgresStoreWithDB(sharedDB, cfg.NoncesTable)
		} else {
			if cfg.PostgresURL == "" {
				return nil, fmt.Errorf("postgres backend requires postgres_url")
			}
			pg, err = NewPostgresStore(cfg.PostgresURL, cfg.PostgresPool, cfg.NoncesTable)
		}
		store = pg
	case "mongodb":
		if cfg.MongoDBURL == "" {
			return nil, fmt.Errorf("mongodb backend requires mongodb_url")
		}
		database := cfg.MongoDBDatabase
		if database == "" {
			database = "x402_demo"
		}
		store, err = NewMongoDBStore(cfg.MongoDBURL, database, cfg.NoncesTable)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", backend)
	}
	if err != nil {
		return nil, err
	}

	if cfg.Metrics != nil {
		store = &instrumentedStore{Store: store, metrics: cfg.Metrics, backend: backend}
	}
	return store, nil
}

// withQueryTimeout wraps the context with DefaultQueryTimeout unless the
// caller already set a deadline.
func withQueryTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, DefaultQueryTimeout)
}

// MemoryStore is an in-memory Store implementation suitable for tests and single-instance deployments.
type MemoryStore struct {
	mu     sync.Mutex
	nonces map[string]ChallengeNonce
	now    func() time.Time
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nonces: make(map[string]ChallengeNonce),
		now:    time.Now,
	}
}

// CreateNonce stores a new challenge nonce.
func (m *MemoryStore) CreateNonce(_ context.Context, nonce ChallengeNonce) error {
	if err := validateChallengeNonce(&nonce); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.nonces[nonce.ID]; exists {
		return ErrNonceExists
	}
	m.nonces[nonce.ID] = nonce
	return nil
}

// GetNonce retrieves a nonce by id.
func (m *MemoryStore) GetNonce(_ context.Context, id string) (ChallengeNonce, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	nonce, ok := m.nonces[normalizeNonceID(id)]
	if !ok {
		return ChallengeNonce{}, ErrNonceNotFound
	}
	return nonce, nil
}

// ConsumeNonce checks existence, expiry and the consumed flag and flips it
// within a single critical section.
func (m *MemoryStore) ConsumeNonce(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id = normalizeNonceID(id)
	nonce, ok := m.nonces[id]
	if !ok {
		return ErrNonceNotFound
	}
	if nonce.IsConsumed() {
		return ErrNonceConsumed
	}
	now := m.now()
	if nonce.IsExpiredAt(now) {
		return ErrNonceExpired
	}
	nonce.ConsumedAt = &now
	m.nonces[id] = nonce
	return nil
}

// CleanupExpiredNonces removes every nonce that expired before the cutoff.
func (m *MemoryStore) CleanupExpiredNonces(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	for id, nonce := range m.nonces {
		if nonce.ExpiresAt.Before(before) {
			delete(m.nonces, id)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of stored nonces.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.nonces)
}

// Ping always succeeds for the memory backend.
func (m *MemoryStore) Ping(context.Context) error {
	return nil
}

// Close implements the Store interface. Memory has nothing to release.
func (m *MemoryStore) Close() error {
	return nil
}

// instrumentedStore records query latency for every call on the wrapped store.
type instrumentedStore struct {
	Store
	metrics *metrics.Metrics
	backend string
}

func (s *instrumentedStore) CreateNonce(ctx context.Context, nonce ChallengeNonce) error {
	defer metrics.MeasureDBQuery(s.metrics, "create_nonce", s.backend)()
	return s.Store.CreateNonce(ctx, nonce)
}

func (s *instrumentedStore) GetNonce(ctx context.Context, id string) (ChallengeNonce, error) {
	defer metrics.MeasureDBQuery(s.metrics, "get_nonce", s.backend)()
	return s.Store.GetNonce(ctx, id)
}

func (s *instrumentedStore) ConsumeNonce(ctx context.Context, id string) error {
	defer metrics.MeasureDBQuery(s.metrics, "consume_nonce", s.backend)()
	return s.Store.ConsumeNonce(ctx, id)
}

func (s *instrumentedStore) CleanupExpiredNonces(ctx context.Context, before time.Time) (int64, error) {
	defer metrics.MeasureDBQuery(s.metrics, "cleanup_nonces", s.backend)()
	return s.Store.CleanupExpiredNonces(ctx, before)
}
