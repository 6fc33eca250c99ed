// Package scoring runs the per-event fraud scoring protocol:
//
//	FETCH → EVALUATE → CLASSIFY → UPDATE (GENUINE only) → AUDIT → emit
//
// Card state only ever advances on a GENUINE verdict, so a burst of
// fraudulent or malformed events cannot move a card's velocity baseline.
// Store failures abort the event with a retryable *StageError and no verdict;
// the caller is expected to redeliver it.
package scoring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mbd888/cardguard/internal/fraud"
	"github.com/mbd888/cardguard/internal/logging"
	"github.com/mbd888/cardguard/internal/metrics"
	"github.com/mbd888/cardguard/internal/statestore"
	"github.com/mbd888/cardguard/internal/syncutil"
	"github.com/mbd888/cardguard/internal/traces"
	"github.com/mbd888/cardguard/internal/txn"
	"github.com/mbd888/cardguard/internal/velocity"
)

// Stage names a step of the scoring protocol.
type Stage string

const (
	StageFetch    Stage = "fetch"
	StageEvaluate Stage = "evaluate"
	StageClassify Stage = "classify"
	StageUpdate   Stage = "update"
	StageAudit    Stage = "audit"
)

// StageError reports the step at which an event failed. Every StageError is
// retryable: no verdict was emitted and replaying the event is safe.
type StageError struct {
	Stage  Stage
	CardID string
	Err    error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("scoring: %s card %s: %v", e.Stage, e.CardID, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// IsRetryable reports whether err aborted an event that must be redelivered.
func IsRetryable(err error) bool {
	var se *StageError
	return errors.As(err, &se)
}

// Decision is the full outcome of scoring one event.
type Decision struct {
	Row      *txn.Scored
	Prior    statestore.CardState
	Velocity velocity.Result
	Reasons  []fraud.Reason
	Updated  bool // card state advanced to this event's position
}

// Result returns the downstream record for the decision.
func (d *Decision) Result() *txn.Result {
	return d.Row.Result()
}

// Pipeline scores events against a state store. It is safe for concurrent
// use; events for the same card are serialized from fetch to update.
type Pipeline struct {
	store    statestore.Store
	velocity *velocity.Evaluator
	locks    *syncutil.ContextShardedMutex
	now      func() time.Time
	logger   *slog.Logger

	lastStamp atomic.Int64 // UnixNano of the latest processing time handed out
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithClock sets the source of processing timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithLogger sets the logger used when the context carries none.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

// New creates a pipeline. The store should already apply call timeouts
// (see statestore.Guarded).
func New(store statestore.Store, geo velocity.Locator, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:    store,
		velocity: velocity.NewEvaluator(geo),
		locks:    syncutil.NewContextShardedMutex(),
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process scores ev and returns its downstream record.
func (p *Pipeline) Process(ctx context.Context, ev txn.Event) (*txn.Result, error) {
	d, err := p.Score(ctx, ev)
	if err != nil {
		return nil, err
	}
	return d.Result(), nil
}

// Score runs the full protocol for one event. One processing timestamp is
// fixed per call once the card lock is held, so the ledger key is stable for
// this attempt and distinct from every other attempt.
func (p *Pipeline) Score(ctx context.Context, ev txn.Event) (*Decision, error) {
	start := time.Now()

	ctx, span := traces.StartSpan(ctx, "scoring.Score",
		traces.CardID(ev.CardID),
		traces.MemberID(ev.MemberID),
		traces.Postcode(ev.Postcode),
		traces.Amount(ev.Amount),
	)
	defer span.End()

	ctx = logging.WithLogger(ctx, logging.FromContextOr(ctx, p.logger))
	log := logging.L(ctx).With("card_id", ev.CardID)

	d, err := p.decide(ctx, ev, log)
	if err != nil {
		return nil, p.fail(span, log, err)
	}

	auditCtx, auditSpan := traces.StartSpan(ctx, "scoring.audit", traces.Stage(string(StageAudit)))
	err = p.store.AppendTransaction(auditCtx, d.Row)
	auditSpan.End()
	if err != nil {
		return nil, p.fail(span, log, &StageError{Stage: StageAudit, CardID: ev.CardID, Err: err})
	}

	verdict := string(d.Row.Verdict)
	span.SetAttributes(traces.Verdict(verdict), traces.SpeedKmPerHour(d.Velocity.SpeedKmPerHour))
	metrics.EventsTotal.WithLabelValues(verdict).Inc()
	metrics.EventDuration.Observe(time.Since(start).Seconds())
	if d.Velocity.Determinable() {
		metrics.SpeedKmPerHour.Observe(d.Velocity.SpeedKmPerHour)
	} else {
		metrics.SpeedUndeterminedTotal.Inc()
	}

	log.Debug("event scored",
		"verdict", verdict,
		"speed_kmh", d.Velocity.SpeedKmPerHour,
		"distance_km", d.Velocity.DistanceKm,
		"reasons", d.Reasons,
		"updated", d.Updated,
	)
	return d, nil
}

// decide holds the card lock across fetch, evaluate, classify and update.
// Audit runs after the lock is released: it does not read card state.
func (p *Pipeline) decide(ctx context.Context, ev txn.Event, log *slog.Logger) (*Decision, error) {
	unlock, err := p.locks.LockContext(ctx, ev.CardID)
	if err != nil {
		return nil, &StageError{Stage: StageFetch, CardID: ev.CardID, Err: err}
	}
	defer unlock()
	processedAt := p.stamp()

	fetchCtx, fetchSpan := traces.StartSpan(ctx, "scoring.fetch", traces.Stage(string(StageFetch)))
	prior, err := p.store.GetCardState(fetchCtx, ev.CardID)
	fetchSpan.End()
	switch {
	case errors.Is(err, statestore.ErrCorrupt):
		// Malformed numbers are NaN and classify as ERROR; a malformed
		// position reads as none.
		metrics.CorruptRecordsTotal.Inc()
		log.Warn("corrupt card record", "error", err)
	case err != nil:
		return nil, &StageError{Stage: StageFetch, CardID: ev.CardID, Err: err}
	}

	d := &Decision{Prior: prior}
	d.Velocity = p.velocity.Evaluate(ev, prior)

	speed := d.Velocity.SpeedKmPerHour
	verdict := txn.VerdictGenuine
	switch fraud.Classify(ev.Amount, prior.UCL, prior.Score, speed) {
	case fraud.OutcomeFraud:
		verdict = txn.VerdictFraud
		d.Reasons = fraud.Reasons(ev.Amount, prior.UCL, prior.Score, speed)
	case fraud.OutcomeInvalidInput:
		verdict = txn.VerdictError
	}
	d.Row = txn.NewScored(ev, verdict, processedAt)

	if verdict != txn.VerdictGenuine {
		return d, nil
	}

	next := prior.WithPosition(ev.Postcode, ev.TransactionAt)
	updateCtx, updateSpan := traces.StartSpan(ctx, "scoring.update", traces.Stage(string(StageUpdate)))
	err = p.store.PutCardState(updateCtx, ev.CardID, next)
	updateSpan.End()
	if err != nil {
		return nil, &StageError{Stage: StageUpdate, CardID: ev.CardID, Err: err}
	}
	d.Updated = true
	return d, nil
}

// stamp returns a processing time strictly after every earlier stamp from p.
// Identical events scored back to back, or against a coarse clock, still get
// distinct ledger keys.
func (p *Pipeline) stamp() time.Time {
	for {
		last := p.lastStamp.Load()
		next := p.now().UTC().UnixNano()
		if next <= last {
			next = last + 1
		}
		if p.lastStamp.CompareAndSwap(last, next) {
			return time.Unix(0, next).UTC()
		}
	}
}

func (p *Pipeline) fail(span trace.Span, log *slog.Logger, err error) error {
	stage := "unknown"
	var se *StageError
	if errors.As(err, &se) {
		stage = string(se.Stage)
	}
	metrics.EventFailuresTotal.WithLabelValues(stage).Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, stage)
	log.Warn("event failed, will be retried", "stage", stage, "error", err)
	return err
}
