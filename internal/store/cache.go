package store

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/mdkeeper/mdkeeper/internal/mkerrors"
)

// CacheEntry is one query cache row.
type CacheEntry struct {
	QueryHash   string
	DocumentIDs []int64
	CreatedAt   time.Time
	HitCount    int
}

// LookupCache returns the cached document ids for a query hash if the
// entry is younger than ttl. Hits atomically bump hit_count and
// last_accessed; expired entries are evicted on access.
func (s *Store) LookupCache(ctx context.Context, queryHash string, ttl time.Duration) ([]int64, bool, error) {
	const op = "store.LookupCache"

	var idsCSV, created string
	err := s.readDB.QueryRowContext(ctx,
		"SELECT result_document_ids, created_at FROM query_cache WHERE query_hash = ?", queryHash).
		Scan(&idsCSV, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, mkerrors.Wrap(mkerrors.KindRetry, op, err)
	}

	if time.Since(parseTime(created)) > ttl {
		if s.writeDB != nil {
			_, _ = s.writeDB.ExecContext(ctx, "DELETE FROM query_cache WHERE query_hash = ?", queryHash)
		}
		return nil, false, nil
	}

	if s.writeDB != nil {
		if _, err := s.writeDB.ExecContext(ctx,
			"UPDATE query_cache SET hit_count = hit_count + 1, last_accessed = ? WHERE query_hash = ?",
			nowUTC(), queryHash); err != nil {
			return nil, false, wrapWriteError(op, err)
		}
	}
	return parseIDList(idsCSV), true, nil
}

// StoreCache records the result id sequence for a query hash.
func (s *Store) StoreCache(ctx context.Context, queryHash string, documentIDs []int64) error {
	const op = "store.StoreCache"

	if s.writeDB == nil {
		return nil // read-only handles serve uncached
	}
	now := nowUTC()
	_, err := s.writeDB.ExecContext(ctx, `
		INSERT INTO query_cache (query_hash, result_document_ids, created_at, last_accessed, hit_count)
		VALUES (?, ?, ?, ?, 0)
		ON CONFLICT(query_hash) DO UPDATE SET
			result_document_ids = excluded.result_document_ids,
			created_at = excluded.created_at,
			last_accessed = excluded.last_accessed,
			hit_count = 0`,
		queryHash, formatIDList(documentIDs), now, now)
	if err != nil {
		return wrapWriteError(op, err)
	}
	return nil
}

// CacheEntryFor reads one cache row without touching counters. Used by
// stats and tests.
func (s *Store) CacheEntryFor(ctx context.Context, queryHash string) (*CacheEntry, error) {
	const op = "store.CacheEntryFor"

	e := &CacheEntry{QueryHash: queryHash}
	var idsCSV, created string
	err := s.readDB.QueryRowContext(ctx,
		"SELECT result_document_ids, created_at, hit_count FROM query_cache WHERE query_hash = ?", queryHash).
		Scan(&idsCSV, &created, &e.HitCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, mkerrors.Newf(mkerrors.KindNotFound, op, "no cache entry %s", queryHash)
	}
	if err != nil {
		return nil, mkerrors.Wrap(mkerrors.KindRetry, op, err)
	}
	e.DocumentIDs = parseIDList(idsCSV)
	e.CreatedAt = parseTime(created)
	return e, nil
}

// CacheSize returns the number of live cache rows.
func (s *Store) CacheSize(ctx context.Context) (int, error) {
	const op = "store.CacheSize"

	var n int
	if err := s.readDB.QueryRowContext(ctx, "SELECT COUNT(*) FROM query_cache").Scan(&n); err != nil {
		return 0, mkerrors.Wrap(mkerrors.KindRetry, op, err)
	}
	return n, nil
}

// FlushCache empties the query cache outside a mutation transaction.
func (s *Store) FlushCache(ctx context.Context) error {
	const op = "store.FlushCache"

	if s.writeDB == nil {
		return mkerrors.New(mkerrors.KindInvalid, op, "store is read-only")
	}
	if _, err := s.writeDB.ExecContext(ctx, "DELETE FROM query_cache"); err != nil {
		return wrapWriteError(op, err)
	}
	return nil
}

// flushCacheTx empties the cache inside the mutation transaction so
// invalidation commits atomically with the write that caused it.
func flushCacheTx(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM query_cache"); err != nil {
		return wrapWriteError("store.flushCacheTx", err)
	}
	return nil
}

func formatIDList(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

func parseIDList(csv string) []int64 {
	if csv == "" {
		return []int64{}
	}
	parts := strings.Split(csv, ",")
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		if id, err := strconv.ParseInt(p, 10, 64); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}
