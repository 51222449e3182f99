package watcher

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/mdkeeper/mdkeeper/internal/mkerrors"
)

// notifyWatcher subscribes to OS file notifications. Directories are
// registered recursively and new subdirectories are picked up as they
// appear. Renames surface as deletes; the subsequent create at the new
// path arrives as its own event.
type notifyWatcher struct {
	opts Options
	fsw  *fsnotify.Watcher

	events chan FileEvent
	errs   chan error

	stopOnce sync.Once
	stopped  chan struct{}
	done     chan struct{}
}

func newNotifyWatcher(opts Options) (*notifyWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, mkerrors.Wrap(mkerrors.KindBackend, "watcher.newNotifyWatcher", err)
	}
	return &notifyWatcher{
		opts:    opts,
		fsw:     fsw,
		events:  make(chan FileEvent, opts.EventBuffer),
		errs:    make(chan error, 8),
		stopped: make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

func (w *notifyWatcher) Events() <-chan FileEvent { return w.events }
func (w *notifyWatcher) Errors() <-chan error     { return w.errs }

// Start registers every directory under the roots and begins the event
// loop. It fails if any root cannot be walked.
func (w *notifyWatcher) Start(ctx context.Context) error {
	const op = "watcher.notify.Start"

	for _, root := range w.opts.Roots {
		abs, err := filepath.Abs(root)
		if err != nil {
			return mkerrors.Wrap(mkerrors.KindInvalid, op, err)
		}
		if err := w.addRecursive(abs); err != nil {
			return mkerrors.Wrapf(mkerrors.KindBackend, op, err, "watch %s", abs)
		}
	}

	go w.loop(ctx)
	return nil
}

// Stop tears down the subscription and closes the channels.
func (w *notifyWatcher) Stop() error {
	w.stopOnce.Do(func() { close(w.stopped) })
	<-w.done
	return nil
}

func (w *notifyWatcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.fsw.Add(path)
		}
		return nil
	})
}

func (w *notifyWatcher) loop(ctx context.Context) {
	defer func() {
		w.fsw.Close()
		close(w.events)
		close(w.errs)
		close(w.done)
	}()

	var deadline <-chan time.Time
	if w.opts.Duration > 0 {
		timer := time.NewTimer(w.opts.Duration)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopped:
			return
		case <-deadline:
			return

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			select {
			case w.errs <- err:
			default:
			}

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ctx, ev)
		}
	}
}

func (w *notifyWatcher) handle(ctx context.Context, ev fsnotify.Event) {
	// New directories must be subscribed before anything inside them
	// changes.
	if ev.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.addRecursive(ev.Name); err != nil {
				select {
				case w.errs <- err:
				default:
				}
			}
			return
		}
	}

	if !w.opts.matches(ev.Name) {
		return
	}

	var op Op
	switch {
	case ev.Op.Has(fsnotify.Create):
		op = OpCreate
	case ev.Op.Has(fsnotify.Write):
		op = OpModify
	case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
		// A rename's new path shows up as a separate create event, so
		// the old path is simply gone.
		op = OpDelete
	default:
		return // chmod and friends
	}

	select {
	case w.events <- FileEvent{Path: ev.Name, Op: op}:
	case <-ctx.Done():
	case <-w.stopped:
	}
}
