package watcher

import (
	"context"
	"encoding/json"
	"io/fs"
	"path/filepath"
	"sync"
	"time"

	"github.com/mdkeeper/mdkeeper/internal/mkerrors"
)

// snapshotStateKey is where the polling snapshot persists between runs.
const snapshotStateKey = "watcher.snapshot"

// SnapshotStore persists the polling snapshot so a restarted process
// detects changes made while it was down. The Store's state table
// satisfies this.
type SnapshotStore interface {
	GetState(ctx context.Context, key string) (string, error)
	SetState(ctx context.Context, key, value string) error
}

// fileState is what the poller remembers per file between scans.
type fileState struct {
	ModTime int64 `json:"mtime"`
	Size    int64 `json:"size"`
}

// pollingWatcher diffs periodic snapshots of the watched trees. It
// needs no OS support and works across network filesystems, at the
// cost of scan latency.
type pollingWatcher struct {
	opts     Options
	snapshot SnapshotStore // optional

	events chan FileEvent
	errs   chan error

	mu   sync.Mutex
	prev map[string]fileState

	stopOnce sync.Once
	stopped  chan struct{}
	done     chan struct{}
}

func newPollingWatcher(opts Options) *pollingWatcher {
	return &pollingWatcher{
		opts:    opts,
		events:  make(chan FileEvent, opts.EventBuffer),
		errs:    make(chan error, 8),
		stopped: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// WithSnapshotStore makes the poller persist its snapshot after every
// scan and seed from the stored one at Start, so offline edits are
// caught on the first scan after a restart.
func (w *pollingWatcher) WithSnapshotStore(s SnapshotStore) *pollingWatcher {
	w.snapshot = s
	return w
}

// PersistSnapshots satisfies SnapshotPersister. Call before Start.
func (w *pollingWatcher) PersistSnapshots(s SnapshotStore) {
	w.snapshot = s
}

func (w *pollingWatcher) Events() <-chan FileEvent { return w.events }
func (w *pollingWatcher) Errors() <-chan error     { return w.errs }

// Start seeds the baseline snapshot and launches the scan loop. With a
// persisted snapshot the first scan emits events for changes made
// since it was written; without one, every existing file surfaces as a
// create on the first scan.
func (w *pollingWatcher) Start(ctx context.Context) error {
	const op = "watcher.polling.Start"

	w.prev = make(map[string]fileState)
	if w.snapshot != nil {
		raw, err := w.snapshot.GetState(ctx, snapshotStateKey)
		if err != nil {
			return mkerrors.Wrap(mkerrors.KindBackend, op, err)
		}
		if raw != "" {
			var prev map[string]fileState
			if err := json.Unmarshal([]byte(raw), &prev); err == nil {
				w.prev = prev
			}
		}
	}

	go w.loop(ctx)
	return nil
}

// Stop terminates the scan loop and closes the channels.
func (w *pollingWatcher) Stop() error {
	w.stopOnce.Do(func() { close(w.stopped) })
	<-w.done
	return nil
}

// Poll runs one scan-and-diff immediately. One-shot commands use this
// instead of the background loop.
func (w *pollingWatcher) Poll(ctx context.Context) error {
	cur, err := w.scan()
	if err != nil {
		return mkerrors.Wrap(mkerrors.KindBackend, "watcher.polling.Poll", err)
	}
	w.diff(ctx, cur)
	return w.persist(ctx, cur)
}

func (w *pollingWatcher) loop(ctx context.Context) {
	defer func() {
		close(w.events)
		close(w.errs)
		close(w.done)
	}()

	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	iterations := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopped:
			return
		case <-ticker.C:
		}

		cur, err := w.scan()
		if err != nil {
			select {
			case w.errs <- err:
			default:
			}
			continue
		}
		w.diff(ctx, cur)
		if err := w.persist(ctx, cur); err != nil {
			select {
			case w.errs <- err:
			default:
			}
		}

		iterations++
		if w.opts.Iterations > 0 && iterations >= w.opts.Iterations {
			return
		}
	}
}

// scan walks the roots and records every matching file's mtime and
// size. Unreadable subtrees are skipped rather than failing the scan.
func (w *pollingWatcher) scan() (map[string]fileState, error) {
	cur := make(map[string]fileState)
	for _, root := range w.opts.Roots {
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, err
		}
		err = filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if d != nil && d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			if d.IsDir() || !w.opts.matches(path) {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return nil
			}
			cur[path] = fileState{ModTime: info.ModTime().UnixNano(), Size: info.Size()}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return cur, nil
}

// diff emits create/modify/delete events for the transition from the
// previous snapshot to cur, then adopts cur as the new baseline.
func (w *pollingWatcher) diff(ctx context.Context, cur map[string]fileState) {
	w.mu.Lock()
	prev := w.prev
	w.prev = cur
	w.mu.Unlock()

	for path, st := range cur {
		old, ok := prev[path]
		switch {
		case !ok:
			w.emit(ctx, FileEvent{Path: path, Op: OpCreate})
		case old != st:
			w.emit(ctx, FileEvent{Path: path, Op: OpModify})
		}
	}
	for path := range prev {
		if _, ok := cur[path]; !ok {
			w.emit(ctx, FileEvent{Path: path, Op: OpDelete})
		}
	}
}

func (w *pollingWatcher) emit(ctx context.Context, ev FileEvent) {
	select {
	case w.events <- ev:
	case <-ctx.Done():
	case <-w.stopped:
	}
}

func (w *pollingWatcher) persist(ctx context.Context, cur map[string]fileState) error {
	if w.snapshot == nil {
		return nil
	}
	raw, err := json.Marshal(cur)
	if err != nil {
		return mkerrors.Wrap(mkerrors.KindUnknown, "watcher.polling.persist", err)
	}
	return w.snapshot.SetState(ctx, snapshotStateKey, string(raw))
}
