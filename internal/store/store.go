// Package store owns all durable state: the SQLite index of documents,
// headings, links, tags, concepts, chunks, embeddings, the query cache,
// and the event log, plus the vector index sidecar persisted next to
// the database file.
//
// Writes go through a single connection holding a filesystem lease;
// reads use a separate read-only pool. Cache invalidation happens in
// the same transaction as the mutation it reacts to.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"

	"github.com/mdkeeper/mdkeeper/internal/mkerrors"
)

// busyTimeoutMS is how long SQLite waits on a locked database before
// returning SQLITE_BUSY.
const busyTimeoutMS = 5000

// Store is the handle to one database file and its vector sidecar.
type Store struct {
	path    string
	writeDB *sql.DB
	readDB  *sql.DB
	lease   *flock.Flock
	logger  *slog.Logger
}

// Options configures Open.
type Options struct {
	// ReadOnly skips the write lease and write connection. Query-only
	// processes (API servers alongside a watcher) use this.
	ReadOnly bool

	Logger *slog.Logger
}

// Open opens (creating if needed) the database at path, applies the
// schema, and acquires the single-writer lease. A second writer gets a
// Conflict error immediately rather than blocking.
func Open(path string, opts Options) (*Store, error) {
	const op = "store.Open"

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, mkerrors.Wrap(mkerrors.KindFatal, op, err)
	}

	s := &Store{path: path, logger: opts.Logger}

	readDB, err := sql.Open("sqlite", dsn(path, true))
	if err != nil {
		return nil, mkerrors.Wrap(mkerrors.KindFatal, op, err)
	}
	s.readDB = readDB

	if !opts.ReadOnly {
		lease := flock.New(path + ".lock")
		locked, err := lease.TryLock()
		if err != nil {
			readDB.Close()
			return nil, mkerrors.Wrap(mkerrors.KindFatal, op, err)
		}
		if !locked {
			readDB.Close()
			return nil, mkerrors.Newf(mkerrors.KindInvalid, op,
				"another process holds the write lease on %s", path)
		}
		s.lease = lease

		writeDB, err := sql.Open("sqlite", dsn(path, false))
		if err != nil {
			s.Close()
			return nil, mkerrors.Wrap(mkerrors.KindFatal, op, err)
		}
		// One connection: all writes serialize here, and BEGIN IMMEDIATE
		// cannot deadlock against our own pool.
		writeDB.SetMaxOpenConns(1)
		s.writeDB = writeDB

		if err := s.configure(); err != nil {
			s.Close()
			return nil, err
		}
		if err := s.migrate(); err != nil {
			s.Close()
			return nil, err
		}
		if err := s.verifyIntegrity(); err != nil {
			s.Close()
			return nil, err
		}
	}

	return s, nil
}

func dsn(path string, readOnly bool) string {
	base := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)", path, busyTimeoutMS)
	if readOnly {
		return base + "&mode=ro&_pragma=query_only(1)"
	}
	// Immediate transactions take the write lock at BEGIN, not at the
	// first write statement.
	return base + "&_txlock=immediate"
}

func (s *Store) configure() error {
	const op = "store.configure"
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := s.writeDB.Exec(p); err != nil {
			return mkerrors.Wrapf(mkerrors.KindFatal, op, err, "exec %q", p)
		}
	}
	return nil
}

// verifyIntegrity runs PRAGMA integrity_check and classifies failure as
// corruption so the caller can surface a rebuild remediation.
func (s *Store) verifyIntegrity() error {
	const op = "store.verifyIntegrity"

	var result string
	if err := s.writeDB.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return mkerrors.Wrap(mkerrors.KindCorrupt, op, err)
	}
	if result != "ok" {
		return mkerrors.Newf(mkerrors.KindCorrupt, op,
			"integrity check failed (%s): delete %s and re-run init-db", result, s.path)
	}
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// SidecarPath returns the vector index file path next to the database.
func (s *Store) SidecarPath() string {
	return filepath.Join(filepath.Dir(s.path), "faiss.index")
}

// Close releases connections and the write lease.
func (s *Store) Close() error {
	var firstErr error
	if s.writeDB != nil {
		if err := s.writeDB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.writeDB = nil
	}
	if s.readDB != nil {
		if err := s.readDB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.readDB = nil
	}
	if s.lease != nil {
		if err := s.lease.Unlock(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.lease = nil
	}
	return firstErr
}

// beginWrite opens an immediate transaction so the write lock is taken
// up front instead of at the first statement.
func (s *Store) beginWrite(ctx context.Context) (*sql.Tx, error) {
	const op = "store.beginWrite"
	if s.writeDB == nil {
		return nil, mkerrors.New(mkerrors.KindInvalid, op, "store is read-only")
	}
	tx, err := s.writeDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, mkerrors.Wrap(mkerrors.KindRetry, op, err)
	}
	return tx, nil
}

// nowUTC is the canonical timestamp format for row columns.
func nowUTC() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
