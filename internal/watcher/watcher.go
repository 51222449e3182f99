// Package watcher produces file events for the ingest queue. Two
// interchangeable backends exist: an OS-notify watcher built on
// fsnotify and a polling watcher that diffs periodic tree snapshots.
// Mode "auto" prefers notify and falls back to polling when the OS
// subscription cannot be established.
package watcher

import (
	"context"
	"strings"
	"time"

	"github.com/mdkeeper/mdkeeper/internal/mkerrors"
)

// Op is the kind of change observed on a path.
type Op int

const (
	OpCreate Op = iota
	OpModify
	OpDelete
)

// String returns the event-log kind name for the operation.
func (o Op) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// FileEvent is one observed change on a markdown file.
type FileEvent struct {
	Path string
	Op   Op
}

// Watcher is the producer interface shared by both backends.
type Watcher interface {
	// Start begins watching. It returns once the subscription (or the
	// first snapshot) is established; events flow until Stop or until
	// the configured bound is reached, after which Events is closed.
	Start(ctx context.Context) error

	// Stop terminates watching and closes the channels.
	Stop() error

	// Events delivers observed changes.
	Events() <-chan FileEvent

	// Errors delivers non-fatal backend errors.
	Errors() <-chan error
}

// Options configures either backend.
type Options struct {
	// Roots are the directories watched recursively.
	Roots []string

	// Extensions filter which files produce events (".md", ".markdown").
	Extensions []string

	// Interval is the polling period. Also used to derive a duration
	// bound for the notify backend when only Iterations is set.
	Interval time.Duration

	// Iterations bounds the polling backend: stop after this many
	// scans. 0 means unbounded.
	Iterations int

	// Duration bounds the notify backend: stop after this much time.
	// 0 means unbounded.
	Duration time.Duration

	// EventBuffer is the Events channel capacity.
	EventBuffer int
}

// WithDefaults fills unset fields.
func (o Options) WithDefaults() Options {
	if len(o.Roots) == 0 {
		o.Roots = []string{"."}
	}
	if len(o.Extensions) == 0 {
		o.Extensions = []string{".md", ".markdown"}
	}
	if o.Interval <= 0 {
		o.Interval = 2 * time.Second
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = 256
	}
	// An iteration count on the notify backend translates to time.
	if o.Duration == 0 && o.Iterations > 0 {
		o.Duration = time.Duration(o.Iterations) * o.Interval
	}
	return o
}

func (o Options) matches(path string) bool {
	lower := strings.ToLower(path)
	for _, ext := range o.Extensions {
		if strings.HasSuffix(lower, strings.ToLower(ext)) {
			return true
		}
	}
	return false
}

// SnapshotPersister is implemented by backends that can persist their
// scan state between process runs.
type SnapshotPersister interface {
	PersistSnapshots(s SnapshotStore)
}

// Mode selects the backend.
type Mode string

const (
	ModeAuto    Mode = "auto"
	ModeNotify  Mode = "notify"
	ModePolling Mode = "polling"
)

// New builds a watcher for the requested mode. Auto tries the OS
// subscription and silently falls back to polling when it fails.
func New(mode Mode, opts Options) (Watcher, error) {
	const op = "watcher.New"

	opts = opts.WithDefaults()
	switch mode {
	case ModeNotify:
		return newNotifyWatcher(opts)
	case ModePolling:
		return newPollingWatcher(opts), nil
	case ModeAuto, "":
		if w, err := newNotifyWatcher(opts); err == nil {
			return w, nil
		}
		return newPollingWatcher(opts), nil
	default:
		return nil, mkerrors.Newf(mkerrors.KindInvalid, op, "unknown watch mode %q", mode)
	}
}
