// Package nonces issues and redeems the single-use nonces bound to every
// 402 challenge.
//
// Each issued nonce is the EIP-3009 authorization nonce the payer must sign.
// The registry keeps the requirement it was issued with so a presented
// payment can be checked against what the server actually asked for.
package nonces

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/CedrosPay/x402-demo/internal/metrics"
	"github.com/CedrosPay/x402-demo/internal/storage"
	"github.com/CedrosPay/x402-demo/pkg/x402"
	"github.com/CedrosPay/x402-demo/pkg/x402/evm"
)

// ConsumeResult is the outcome of redeeming a nonce.
type ConsumeResult string

const (
	Accepted    ConsumeResult = "accepted"
	AlreadyUsed ConsumeResult = "already_used"
	Expired     ConsumeResult = "expired"
	Unknown     ConsumeResult = "unknown"
)

// Reason maps the result onto the x402 reason vocabulary. Accepted has none.
func (r ConsumeResult) Reason() string {
	switch r {
	case AlreadyUsed:
		return x402.ReasonNonceAlreadyUsed
	case Expired:
		return x402.ReasonNonceExpired
	case Unknown:
		return x402.ReasonNonceUnknown
	default:
		return ""
	}
}

// DefaultSweepInterval is how often expired nonces are removed.
const DefaultSweepInterval = 60 * time.Second

// Registry issues, looks up and consumes challenge nonces.
type Registry struct {
	store    storage.Store
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	interval time.Duration
	now      func() time.Time
	newNonce func() (string, error)

	startOnce sync.Once
	closeOnce sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// Option configures a Registry.
type Option func(*Registry)

// WithMetrics records consume outcomes and sweep counts.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithLogger sets the logger used by the sweeper.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithSweepInterval overrides DefaultSweepInterval.
func WithSweepInterval(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithClock overrides time.Now for issue timestamps and lookup expiry.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates a registry over store. Call Start to run the sweeper.
func New(store storage.Store, opts ...Option) *Registry {
	r := &Registry{
		store:    store,
		logger:   zerolog.Nop(),
		interval: DefaultSweepInterval,
		now:      time.Now,
		newNonce: evm.NewNonce,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Issue creates a fresh nonce valid for ttl and returns it together with
// the requirement bound to it.
func (r *Registry) Issue(ctx context.Context, ttl time.Duration, req x402.PaymentRequirement) (string, x402.PaymentRequirement, error) {
	nonce, err := r.newNonce()
	if err != nil {
		return "", x402.PaymentRequirement{}, err
	}
	bound := req.WithNonce(nonce)

	now := r.now()
	record := storage.ChallengeNonce{
		ID:          nonce,
		Resource:    req.Resource,
		Requirement: bound,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
	if err := r.store.CreateNonce(ctx, record); err != nil {
		return "", x402.PaymentRequirement{}, fmt.Errorf("store nonce: %w", err)
	}
	return nonce, bound, nil
}

// Lookup returns the issued record without mutating it. The result reports
// whether the nonce would currently be accepted by Consume.
func (r *Registry) Lookup(ctx context.Context, nonce string) (storage.ChallengeNonce, ConsumeResult, error) {
	record, err := r.store.GetNonce(ctx, nonce)
	if errors.Is(err, storage.ErrNonceNotFound) {
		return storage.ChallengeNonce{}, Unknown, nil
	}
	if err != nil {
		return storage.ChallengeNonce{}, "", fmt.Errorf("lookup nonce: %w", err)
	}

	switch {
	case record.IsConsumed():
		return record, AlreadyUsed, nil
	case record.IsExpiredAt(r.now()):
		return record, Expired, nil
	default:
		return record, Accepted, nil
	}
}

// Consume atomically redeems a nonce. Exactly one caller ever sees Accepted
// for a given nonce. Storage failures are returned as errors, never as a result.
func (r *Registry) Consume(ctx context.Context, nonce string) (ConsumeResult, error) {
	result, err := r.consume(ctx, nonce)
	if err == nil && r.metrics != nil {
		r.metrics.ObserveNonceConsume(string(result))
	}
	return result, err
}

func (r *Registry) consume(ctx context.Context, nonce string) (ConsumeResult, error) {
	err := r.store.ConsumeNonce(ctx, nonce)
	switch {
	case err == nil:
		return Accepted, nil
	case errors.Is(err, storage.ErrNonceConsumed):
		return AlreadyUsed, nil
	case errors.Is(err, storage.ErrNonceExpired):
		return Expired, nil
	case errors.Is(err, storage.ErrNonceNotFound):
		return Unknown, nil
	default:
		return "", fmt.Errorf("consume nonce: %w", err)
	}
}

// Sweep removes nonces that expired before now and returns how many were removed.
func (r *Registry) Sweep(ctx context.Context, now time.Time) (int64, error) {
	removed, err := r.store.CleanupExpiredNonces(ctx, now)
	if err != nil {
		return 0, err
	}
	if r.metrics != nil {
		r.metrics.ObserveNonceSweep(removed)
	}
	return removed, nil
}

// Start launches the background sweeper. It stops when ctx is cancelled or
// Close is called. Calling Start more than once has no effect.
func (r *Registry) Start(ctx context.Context) {
	r.startOnce.Do(func() {
		go r.run(ctx)
	})
}

func (r *Registry) run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	defer close(r.done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			removed, err := r.Sweep(ctx, r.now())
			if err != nil {
				r.logger.Warn().Err(err).Msg("nonces.sweep_failed")
				continue
			}
			if removed > 0 {
				r.logger.Debug().Int64("removed", removed).Msg("nonces.swept")
			}
		}
	}
}

// Ping reports whether the backing store is reachable.
func (r *Registry) Ping(ctx context.Context) error {
	return r.store.Ping(ctx)
}

// Close stops the sweeper and waits for it to exit. The store is not closed.
func (r *Registry) Close() error {
	r.closeOnce.Do(func() {
		close(r.stop)
		started := true
		r.startOnce.Do(func() { started = false })
		if started {
			<-r.done
		}
	})
	return nil
}
