package scoring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mbd888/cardguard/internal/metrics"
	"github.com/mbd888/cardguard/internal/retry"
	"github.com/mbd888/cardguard/internal/syncutil"
	"github.com/mbd888/cardguard/internal/traces"
	"github.com/mbd888/cardguard/internal/txn"
)

// ErrLaneStalled is returned by Run when a lane gives up on an event after
// its retry policy is exhausted. The event was not acknowledged.
var ErrLaneStalled = errors.New("scoring: lane stalled on retryable failure")

// ErrDispatcherStopped is returned by Submit once Run has returned.
var ErrDispatcherStopped = errors.New("scoring: dispatcher stopped")

// Processor scores one event. *Pipeline satisfies it.
type Processor interface {
	Process(ctx context.Context, ev txn.Event) (*txn.Result, error)
}

// Job is one event routed through the dispatcher. Done is called exactly
// once per job that a lane picks up, with either a result or the error that
// ended processing. It is never called for jobs still queued at shutdown.
type Job struct {
	Event txn.Event
	Done  func(*txn.Result, error)
}

// DispatcherConfig sizes the lane pool.
type DispatcherConfig struct {
	Lanes     int
	QueueSize int          // per lane
	Retry     retry.Policy // MaxAttempts <= 0 retries until shutdown
}

// Dispatcher routes events to a fixed set of lanes by card id. A card always
// maps to the same lane and each lane handles one event at a time, so events
// for a card are scored in submission order. A retryable failure is retried
// in place, which holds back every later event on that lane.
type Dispatcher struct {
	proc    Processor
	lanes   []chan Job
	retry   retry.Policy
	logger  *slog.Logger
	stopped chan struct{}
}

// NewDispatcher creates a dispatcher. Call Run to start the lanes.
func NewDispatcher(proc Processor, cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	if cfg.Lanes <= 0 {
		cfg.Lanes = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.Retry.BaseDelay <= 0 {
		cfg.Retry.BaseDelay = 100 * time.Millisecond
	}
	if cfg.Retry.MaxDelay <= 0 {
		cfg.Retry.MaxDelay = 5 * time.Second
	}
	lanes := make([]chan Job, cfg.Lanes)
	for i := range lanes {
		lanes[i] = make(chan Job, cfg.QueueSize)
	}
	return &Dispatcher{
		proc:    proc,
		lanes:   lanes,
		retry:   cfg.Retry,
		logger:  logger,
		stopped: make(chan struct{}),
	}
}

// Lanes returns the number of lanes.
func (d *Dispatcher) Lanes() int {
	return len(d.lanes)
}

// LaneFor returns the lane a card id is pinned to.
func (d *Dispatcher) LaneFor(cardID string) int {
	return syncutil.Shard(cardID, len(d.lanes))
}

// Submit queues a job on its card's lane, blocking while the lane is full.
func (d *Dispatcher) Submit(ctx context.Context, job Job) error {
	lane := d.LaneFor(job.Event.CardID)
	select {
	case d.lanes[lane] <- job:
		metrics.LaneQueueDepth.WithLabelValues(strconv.Itoa(lane)).Set(float64(len(d.lanes[lane])))
		return nil
	case <-d.stopped:
		return ErrDispatcherStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes jobs until ctx is cancelled or a lane stalls. It returns nil
// on cancellation.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer close(d.stopped)

	g, ctx := errgroup.WithContext(ctx)
	for i := range d.lanes {
		g.Go(func() error { return d.runLane(ctx, i) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (d *Dispatcher) runLane(ctx context.Context, lane int) error {
	queue := d.lanes[lane]
	depth := metrics.LaneQueueDepth.WithLabelValues(strconv.Itoa(lane))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case job := <-queue:
			depth.Set(float64(len(queue)))
			if err := d.handle(ctx, lane, job); err != nil {
				return err
			}
		}
	}
}

// handle retries retryable failures under the lane policy. Anything else is
// terminal and acknowledged through Done.
func (d *Dispatcher) handle(ctx context.Context, lane int, job Job) error {
	ctx, span := traces.StartSpan(ctx, "scoring.dispatch", traces.Lane(lane), traces.CardID(job.Event.CardID))
	defer span.End()

	var (
		res      *txn.Result
		attempts int
	)
	err := d.retry.Do(ctx, func() error {
		attempts++
		var err error
		res, err = d.proc.Process(ctx, job.Event)
		if err != nil && !IsRetryable(err) {
			return retry.Permanent(err)
		}
		return err
	})
	if job.Done != nil {
		job.Done(res, err)
	}

	switch {
	case err == nil, !IsRetryable(err) && ctx.Err() == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		d.logger.Error("lane stalled", "lane", lane, "card_id", job.Event.CardID, "attempts", attempts, "error", err)
		return fmt.Errorf("%w: lane %d card %s: %w", ErrLaneStalled, lane, job.Event.CardID, err)
	}
}
