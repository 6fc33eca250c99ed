package statestore

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/cardguard/internal/circuitbreaker"
	"github.com/mbd888/cardguard/internal/metrics"
	"github.com/mbd888/cardguard/internal/retry"
	"github.com/mbd888/cardguard/internal/txn"
)

// ErrUnsupported is returned by Guarded for optional operations the wrapped
// backend does not implement.
var ErrUnsupported = errors.New("statestore: operation not supported by backend")

// Store operation names, used as breaker keys and metric labels.
const (
	OpGetCardState      = "get_card_state"
	OpPutCardState      = "put_card_state"
	OpAppendTransaction = "append_transaction"
	OpListTransactions  = "list_transactions"
)

// Ops lists every operation Guarded routes through its breaker.
var Ops = []string{OpGetCardState, OpPutCardState, OpAppendTransaction, OpListTransactions}

// GuardOptions bounds every call made through Guarded.
type GuardOptions struct {
	Timeout             time.Duration // per attempt
	MaxAttempts         int
	RetryDelay          time.Duration
	BreakerThreshold    int
	BreakerOpenDuration time.Duration
}

// DefaultGuardOptions returns the production defaults.
func DefaultGuardOptions() GuardOptions {
	return GuardOptions{
		Timeout:             2 * time.Second,
		MaxAttempts:         3,
		RetryDelay:          50 * time.Millisecond,
		BreakerThreshold:    5,
		BreakerOpenDuration: 10 * time.Second,
	}
}

// Guarded wraps a Store with a per-attempt timeout, bounded retries of
// ErrUnavailable failures, and a circuit breaker per operation. Timeouts and
// an open circuit surface as ErrUnavailable. ErrCorrupt and other permanent
// errors are returned on the first attempt.
type Guarded struct {
	inner   Store
	timeout time.Duration
	policy  retry.Policy
	breaker *circuitbreaker.Breaker
}

// NewGuarded wraps inner.
func NewGuarded(inner Store, opts GuardOptions) *Guarded {
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	return &Guarded{
		inner:   inner,
		timeout: opts.Timeout,
		policy:  retry.Policy{MaxAttempts: opts.MaxAttempts, BaseDelay: opts.RetryDelay},
		breaker: circuitbreaker.New(opts.BreakerThreshold, opts.BreakerOpenDuration),
	}
}

// Breaker exposes the circuit breaker for health reporting.
func (g *Guarded) Breaker() *circuitbreaker.Breaker {
	return g.breaker
}

func (g *Guarded) GetCardState(ctx context.Context, cardID string) (CardState, error) {
	var state CardState
	err := g.call(ctx, OpGetCardState, func(ctx context.Context) error {
		var err error
		state, err = g.inner.GetCardState(ctx, cardID)
		return err
	})
	return state, err
}

func (g *Guarded) PutCardState(ctx context.Context, cardID string, state CardState) error {
	return g.call(ctx, OpPutCardState, func(ctx context.Context) error {
		return g.inner.PutCardState(ctx, cardID, state)
	})
}

func (g *Guarded) AppendTransaction(ctx context.Context, row *txn.Scored) error {
	return g.call(ctx, OpAppendTransaction, func(ctx context.Context) error {
		return g.inner.AppendTransaction(ctx, row)
	})
}

// ListTransactions forwards to the backend if it supports listing.
func (g *Guarded) ListTransactions(ctx context.Context, cardID string, limit int) ([]*txn.Scored, error) {
	lister, ok := g.inner.(TransactionLister)
	if !ok {
		return nil, ErrUnsupported
	}
	var rows []*txn.Scored
	err := g.call(ctx, OpListTransactions, func(ctx context.Context) error {
		var err error
		rows, err = lister.ListTransactions(ctx, cardID, limit)
		return err
	})
	return rows, err
}

// Ping forwards to the backend if it can report connectivity.
func (g *Guarded) Ping(ctx context.Context) error {
	p, ok := g.inner.(Pinger)
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	return p.Ping(ctx)
}

func (g *Guarded) call(ctx context.Context, op string, fn func(context.Context) error) error {
	start := time.Now()
	err := g.policy.Do(ctx, func() error {
		err := g.breaker.Execute(op, IsUnavailable, func() error {
			attemptCtx, cancel := context.WithTimeout(ctx, g.timeout)
			defer cancel()
			err := fn(attemptCtx)
			if err != nil && !errors.Is(err, ErrUnavailable) &&
				(errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)) {
				err = unavailable(op, err)
			}
			return err
		})
		switch {
		case err == nil:
			return nil
		case errors.Is(err, circuitbreaker.ErrOpen):
			return retry.Permanent(unavailable(op, err))
		case errors.Is(err, ErrUnavailable):
			return err
		default:
			return retry.Permanent(err)
		}
	})
	if err != nil && !errors.Is(err, ErrUnavailable) &&
		(errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)) {
		err = unavailable(op, err)
	}

	metrics.StoreCallDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	metrics.StoreCallsTotal.WithLabelValues(op, callResult(err)).Inc()
	return err
}

// IsUnavailable reports whether err is a transient store failure.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

func callResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	case errors.Is(err, ErrCorrupt):
		return "corrupt"
	default:
		return "error"
	}
}
