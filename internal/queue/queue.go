// Package queue drives the durable event log: a single consumer leases
// one record at a time, coalescing per-path bursts at dequeue, retrying
// transient failures with bounded backoff, and replaying crash-orphaned
// work at startup. Producers only ever append through the Store.
package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/mdkeeper/mdkeeper/internal/mkerrors"
	"github.com/mdkeeper/mdkeeper/internal/store"
)

const (
	// MaxAttempts is how many times a record is tried before it is
	// marked failed.
	MaxAttempts = 5

	// DefaultRetention is how long done records are kept before pruning.
	DefaultRetention = 24 * time.Hour

	// maxBackoff caps the exponential retry delay.
	maxBackoff = 30 * time.Second

	// baseBackoff is the first retry delay.
	baseBackoff = 500 * time.Millisecond

	// idlePoll is how often the consumer re-checks for eligible work
	// when the queue is empty.
	idlePoll = 200 * time.Millisecond
)

// Handler processes one coalesced event. Returned errors steer the
// queue: retryable kinds requeue with backoff, Fatal stops the
// consumer, anything else marks the record failed.
type Handler func(ctx context.Context, ev store.Event) error

// Consumer is the single-threaded event queue worker.
type Consumer struct {
	store     *store.Store
	handler   Handler
	debounce  time.Duration
	retention time.Duration
	logger    *slog.Logger
}

// New creates a consumer. debounce is how long a path must be quiet
// after its latest enqueue before it can be leased.
func New(s *store.Store, handler Handler, debounce time.Duration, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		store:     s,
		handler:   handler,
		debounce:  debounce,
		retention: DefaultRetention,
		logger:    logger,
	}
}

// Startup replays crash-orphaned in_flight records back to queued and
// prunes aged-out done records. Call once before Run.
func (c *Consumer) Startup(ctx context.Context) error {
	replayed, err := c.store.ReplayInFlight(ctx)
	if err != nil {
		return err
	}
	if replayed > 0 {
		c.logger.Info("replayed orphaned events", slog.Int("count", replayed))
	}
	pruned, err := c.store.PruneDoneEvents(ctx, c.retention)
	if err != nil {
		return err
	}
	if pruned > 0 {
		c.logger.Debug("pruned done events", slog.Int("count", pruned))
	}
	return nil
}

// Run processes events until ctx is cancelled or a fatal error occurs.
func (c *Consumer) Run(ctx context.Context) error {
	ticker := time.NewTicker(idlePoll)
	defer ticker.Stop()

	for {
		processed, err := c.ProcessOne(ctx)
		if err != nil {
			if mkerrors.IsFatal(err) {
				return err
			}
			c.logger.Error("event processing error", slog.String("error", err.Error()))
		}
		if processed {
			continue // drain eagerly while work is eligible
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Drain processes eligible events until none remain. Used by one-shot
// commands and tests; debounce still applies.
func (c *Consumer) Drain(ctx context.Context) error {
	for {
		processed, err := c.ProcessOne(ctx)
		if err != nil {
			return err
		}
		if !processed {
			return nil
		}
	}
}

// ProcessOne leases the next eligible path, coalesces its queued burst,
// and runs the handler on the surviving event. Reports whether any
// record changed state.
func (c *Consumer) ProcessOne(ctx context.Context) (bool, error) {
	path, err := c.store.NextEligiblePath(ctx, c.debounce)
	if err != nil || path == "" {
		return false, err
	}

	events, err := c.store.QueuedEventsForPath(ctx, path)
	if err != nil {
		return false, err
	}
	if len(events) == 0 {
		return false, nil
	}

	survivor, dropped := coalesce(events)
	if len(dropped) > 0 {
		if err := c.store.MarkDone(ctx, dropped...); err != nil {
			return false, err
		}
	}
	if survivor == nil {
		c.logger.Debug("burst coalesced to nothing", slog.String("path", path))
		return true, nil
	}

	if err := c.store.MarkInFlight(ctx, survivor.ID); err != nil {
		return false, err
	}

	handleErr := c.handler(ctx, *survivor)
	switch {
	case handleErr == nil:
		return true, c.store.MarkDone(ctx, survivor.ID)

	case mkerrors.IsFatal(handleErr):
		if err := c.store.FailEvent(ctx, survivor.ID, handleErr.Error()); err != nil {
			return true, err
		}
		return true, handleErr

	case mkerrors.IsRetryable(handleErr):
		attempt := survivor.AttemptCount + 1
		if attempt >= MaxAttempts {
			c.logger.Warn("event failed permanently",
				slog.String("path", survivor.Path),
				slog.String("kind", survivor.Kind),
				slog.Int("attempts", attempt))
			return true, c.store.FailEvent(ctx, survivor.ID, handleErr.Error())
		}
		delay := Backoff(attempt)
		c.logger.Debug("requeueing event",
			slog.String("path", survivor.Path),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", delay))
		return true, c.store.RequeueEvent(ctx, survivor.ID, attempt, time.Now().Add(delay), handleErr.Error())

	default:
		// Invalid, NotFound, Corrupt: retrying cannot help.
		c.logger.Warn("event rejected",
			slog.String("path", survivor.Path),
			slog.String("error", handleErr.Error()))
		return true, c.store.FailEvent(ctx, survivor.ID, handleErr.Error())
	}
}

// Backoff returns the retry delay before the given attempt:
// min(30s, 0.5s * 2^attempt).
func Backoff(attempt int) time.Duration {
	d := baseBackoff
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}

// coalesce reduces a path's queued burst to at most one actionable
// event, in arrival order:
//
//   - a leading move is processed alone (delete source, ingest target)
//   - everything older than the last delete is dropped
//   - a create followed by a delete cancels both
//   - surviving creates and modifies collapse into one record, which is
//     a modify if any modify was present
//
// Events enqueued after a surviving delete stay queued for the next
// round, preserving per-path FIFO.
func coalesce(events []store.Event) (*store.Event, []int64) {
	if len(events) == 0 {
		return nil, nil
	}
	if events[0].Kind == store.EventMove {
		return &events[0], nil
	}

	// Only the prefix before the first move is coalescable; the move is
	// an ordering barrier.
	prefix := events
	for i, ev := range events {
		if ev.Kind == store.EventMove {
			prefix = events[:i]
			break
		}
	}

	var dropped []int64

	lastDelete := -1
	for i, ev := range prefix {
		if ev.Kind == store.EventDelete {
			lastDelete = i
		}
	}

	tail := prefix
	if lastDelete >= 0 {
		createdInBurst := false
		for _, ev := range prefix[:lastDelete] {
			dropped = append(dropped, ev.ID)
			if ev.Kind == store.EventCreate {
				createdInBurst = true
			}
		}
		if createdInBurst {
			// Created and deleted within the burst: the delete is a
			// no-op too.
			dropped = append(dropped, prefix[lastDelete].ID)
			tail = prefix[lastDelete+1:]
		} else {
			return &prefix[lastDelete], dropped
		}
	}

	if len(tail) == 0 {
		return nil, dropped
	}

	survivor := tail[len(tail)-1]
	kind := store.EventCreate
	for _, ev := range tail {
		if ev.Kind == store.EventModify {
			kind = store.EventModify
		}
	}
	// create followed by modify still ingests the same bytes; a single
	// modify covers both.
	survivor.Kind = kind
	for _, ev := range tail[:len(tail)-1] {
		dropped = append(dropped, ev.ID)
	}
	return &survivor, dropped
}
