package queue

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mdkeeper/mdkeeper/internal/mkerrors"
	"github.com/mdkeeper/mdkeeper/internal/store"
)

type recordingHandler struct {
	mu     sync.Mutex
	events []store.Event
	errs   map[string]error // keyed by path, returned once per call
}

func (r *recordingHandler) handle(_ context.Context, ev store.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	if err, ok := r.errs[ev.Path]; ok {
		return err
	}
	return nil
}

func (r *recordingHandler) seen() []store.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]store.Event{}, r.events...)
}

func newTestQueue(t *testing.T, debounce time.Duration) (*store.Store, *recordingHandler, *Consumer) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "index.db"), store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	h := &recordingHandler{errs: map[string]error{}}
	return s, h, New(s, h.handle, debounce, nil)
}

func TestCoalescingCreateModifyBurst(t *testing.T) {
	s, h, c := newTestQueue(t, 0)
	ctx := context.Background()

	require.NoError(t, s.EnqueueEvent(ctx, "/a.md", store.EventCreate, ""))
	require.NoError(t, s.EnqueueEvent(ctx, "/a.md", store.EventModify, ""))
	require.NoError(t, s.EnqueueEvent(ctx, "/a.md", store.EventModify, ""))

	require.NoError(t, c.Drain(ctx))

	seen := h.seen()
	require.Len(t, seen, 1, "burst collapses to exactly one event")
	assert.Equal(t, store.EventModify, seen[0].Kind)
	assert.Equal(t, "/a.md", seen[0].Path)

	st, err := s.EventQueueStatus(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Queued)
	assert.Zero(t, st.InFlight)
}

func TestCoalescingTenModifies(t *testing.T) {
	s, h, c := newTestQueue(t, 0)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, s.EnqueueEvent(ctx, "/a.md", store.EventModify, ""))
	}
	require.NoError(t, c.Drain(ctx))

	assert.Len(t, h.seen(), 1, "ten modifies cause one ingest")
}

func TestCoalescingCreateThenDeleteIsNoOp(t *testing.T) {
	s, h, c := newTestQueue(t, 0)
	ctx := context.Background()

	require.NoError(t, s.EnqueueEvent(ctx, "/a.md", store.EventCreate, ""))
	require.NoError(t, s.EnqueueEvent(ctx, "/a.md", store.EventDelete, ""))

	require.NoError(t, c.Drain(ctx))

	assert.Empty(t, h.seen(), "create+delete within a burst is a no-op")
	st, err := s.EventQueueStatus(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Queued)
	assert.Equal(t, 2, st.Done)
}

func TestCoalescingDropsEventsOlderThanDelete(t *testing.T) {
	s, h, c := newTestQueue(t, 0)
	ctx := context.Background()

	// The path was indexed earlier; this burst is modify, modify, delete.
	require.NoError(t, s.EnqueueEvent(ctx, "/a.md", store.EventModify, ""))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, s.EnqueueEvent(ctx, "/a.md", store.EventDelete, ""))

	require.NoError(t, c.Drain(ctx))

	seen := h.seen()
	require.Len(t, seen, 1)
	assert.Equal(t, store.EventDelete, seen[0].Kind)
}

func TestMoveProcessedAlone(t *testing.T) {
	s, h, c := newTestQueue(t, 0)
	ctx := context.Background()

	require.NoError(t, s.EnqueueEvent(ctx, "/a.md", store.EventMove, "/b.md"))
	require.NoError(t, c.Drain(ctx))

	seen := h.seen()
	require.Len(t, seen, 1)
	assert.Equal(t, store.EventMove, seen[0].Kind)
	assert.Equal(t, "/a.md", seen[0].Path)
	assert.Equal(t, "/b.md", seen[0].NewPath)
}

func TestRetryThenPermanentFailure(t *testing.T) {
	s, h, c := newTestQueue(t, 0)
	ctx := context.Background()

	h.errs["/a.md"] = mkerrors.New(mkerrors.KindRetry, "test", "transient io")
	require.NoError(t, s.EnqueueEvent(ctx, "/a.md", store.EventModify, ""))

	// First attempt requeues with backoff.
	processed, err := c.ProcessOne(ctx)
	require.NoError(t, err)
	assert.True(t, processed)

	events, err := s.QueuedEventsForPath(ctx, "/a.md")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, 1, events[0].AttemptCount)
	assert.Greater(t, events[0].NextAttemptMS, time.Now().UnixMilli())

	// Walk the record to the attempt limit.
	for attempt := 2; attempt <= MaxAttempts; attempt++ {
		require.NoError(t, s.RequeueEvent(ctx, events[0].ID, attempt-1, time.Now().Add(-time.Second), "transient io"))
		processed, err = c.ProcessOne(ctx)
		require.NoError(t, err)
		assert.True(t, processed)
	}

	failed, err := s.FailedEvents(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, MaxAttempts, len(h.seen()))
}

func TestInvalidErrorFailsWithoutRetry(t *testing.T) {
	s, h, c := newTestQueue(t, 0)
	ctx := context.Background()

	h.errs["/a.md"] = mkerrors.New(mkerrors.KindInvalid, "test", "bad input")
	require.NoError(t, s.EnqueueEvent(ctx, "/a.md", store.EventModify, ""))

	require.NoError(t, c.Drain(ctx))

	failed, err := s.FailedEvents(ctx)
	require.NoError(t, err)
	assert.Len(t, failed, 1)
	assert.Len(t, h.seen(), 1)
}

func TestFatalErrorStopsConsumer(t *testing.T) {
	s, h, c := newTestQueue(t, 0)
	ctx := context.Background()

	h.errs["/a.md"] = mkerrors.New(mkerrors.KindFatal, "test", "disk full")
	require.NoError(t, s.EnqueueEvent(ctx, "/a.md", store.EventModify, ""))

	_, err := c.ProcessOne(ctx)
	require.Error(t, err)
	assert.True(t, mkerrors.IsFatal(err))
}

func TestStartupReplaysAndDrainsToSameState(t *testing.T) {
	s, h, c := newTestQueue(t, 0)
	ctx := context.Background()

	// Crash scenario: 3 queued, 1 in flight.
	require.NoError(t, s.EnqueueEvent(ctx, "/a.md", store.EventCreate, ""))
	require.NoError(t, s.EnqueueEvent(ctx, "/b.md", store.EventCreate, ""))
	require.NoError(t, s.EnqueueEvent(ctx, "/c.md", store.EventCreate, ""))
	require.NoError(t, s.EnqueueEvent(ctx, "/d.md", store.EventCreate, ""))
	events, err := s.QueuedEventsForPath(ctx, "/d.md")
	require.NoError(t, err)
	require.NoError(t, s.MarkInFlight(ctx, events[0].ID))

	require.NoError(t, c.Startup(ctx))
	st, err := s.EventQueueStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, st.Queued)

	require.NoError(t, c.Drain(ctx))
	paths := map[string]bool{}
	for _, ev := range h.seen() {
		paths[ev.Path] = true
	}
	assert.Len(t, paths, 4, "all four events processed exactly once")
}

func TestDebounceHoldsBurstTogether(t *testing.T) {
	s, h, c := newTestQueue(t, 150*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, s.EnqueueEvent(ctx, "/a.md", store.EventCreate, ""))
	require.NoError(t, c.Drain(ctx))
	assert.Empty(t, h.seen(), "still inside the debounce window")

	require.NoError(t, s.EnqueueEvent(ctx, "/a.md", store.EventModify, ""))
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, c.Drain(ctx))

	seen := h.seen()
	require.Len(t, seen, 1)
	assert.Equal(t, store.EventModify, seen[0].Kind)
}

func TestBackoffSchedule(t *testing.T) {
	assert.Equal(t, 1*time.Second, Backoff(1))
	assert.Equal(t, 2*time.Second, Backoff(2))
	assert.Equal(t, 16*time.Second, Backoff(5))
	assert.Equal(t, 30*time.Second, Backoff(6))
	assert.Equal(t, 30*time.Second, Backoff(20))
}

func TestRunStopsOnCancel(t *testing.T) {
	_, _, c := newTestQueue(t, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop on cancel")
	}
}
