package store

import (
	"context"
	"database/sql"
	"errors"
	"os"

	"github.com/mdkeeper/mdkeeper/internal/mkerrors"
)

// Stats is the index-wide counters surfaced by the stats command and
// the report.
type Stats struct {
	Documents   int         `json:"documents"`
	Headings    int         `json:"headings"`
	Links       int         `json:"links"`
	BrokenLinks int         `json:"broken_links"`
	Tags        int         `json:"tags"`
	Concepts    int         `json:"concepts"`
	Chunks      int         `json:"chunks"`
	CacheRows   int         `json:"cache_rows"`
	DBSizeBytes int64       `json:"db_size_bytes"`
	Queue       QueueStatus `json:"queue"`
	Coverage    Coverage    `json:"embedding_coverage"`
}

// Stats gathers the index-wide counters.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	const op = "store.Stats"

	var st Stats
	counts := []struct {
		sql  string
		dest *int
	}{
		{"SELECT COUNT(*) FROM documents", &st.Documents},
		{"SELECT COUNT(*) FROM headings", &st.Headings},
		{"SELECT COUNT(*) FROM links", &st.Links},
		{"SELECT COUNT(*) FROM links WHERE status = 'broken'", &st.BrokenLinks},
		{"SELECT COUNT(*) FROM tags", &st.Tags},
		{"SELECT COUNT(*) FROM concepts", &st.Concepts},
		{"SELECT COUNT(*) FROM document_chunks", &st.Chunks},
		{"SELECT COUNT(*) FROM query_cache", &st.CacheRows},
	}
	for _, q := range counts {
		if err := s.readDB.QueryRowContext(ctx, q.sql).Scan(q.dest); err != nil {
			return st, mkerrors.Wrap(mkerrors.KindRetry, op, err)
		}
	}

	queue, err := s.EventQueueStatus(ctx)
	if err != nil {
		return st, err
	}
	st.Queue = queue

	cov, err := s.EmbeddingCoverage(ctx, "")
	if err != nil {
		return st, err
	}
	st.Coverage = cov

	if info, err := os.Stat(s.path); err == nil {
		st.DBSizeBytes = info.Size()
	}
	return st, nil
}

// HealthReport is a go/no-go summary for operators.
type HealthReport struct {
	DatabaseOK   bool     `json:"database_ok"`
	Issues       []string `json:"issues,omitempty"`
	FailedEvents []Event  `json:"failed_events,omitempty"`
	Stats        Stats    `json:"stats"`
}

// HealthReport runs an integrity check and collects anything that needs
// operator attention.
func (s *Store) HealthReport(ctx context.Context) (HealthReport, error) {
	report := HealthReport{DatabaseOK: true}

	db := s.writeDB
	if db == nil {
		db = s.readDB
	}
	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil || result != "ok" {
		report.DatabaseOK = false
		if err != nil {
			report.Issues = append(report.Issues, "integrity check errored: "+err.Error())
		} else {
			report.Issues = append(report.Issues, "integrity check failed: "+result)
		}
	}

	st, err := s.Stats(ctx)
	if err != nil {
		return report, err
	}
	report.Stats = st

	if st.Coverage.Documents > st.Coverage.DocumentsWithVectors {
		report.Issues = append(report.Issues, "some documents have no embedding; run embeddings-generate")
	}
	if st.BrokenLinks > 0 {
		report.Issues = append(report.Issues, "broken links present; see check-links")
	}

	failed, err := s.FailedEvents(ctx)
	if err != nil {
		return report, err
	}
	report.FailedEvents = failed
	if len(failed) > 0 {
		report.Issues = append(report.Issues, "event queue has terminally failed records")
	}
	return report, nil
}

// GetState reads one key from the state table, "" when absent.
func (s *Store) GetState(ctx context.Context, key string) (string, error) {
	const op = "store.GetState"

	var value string
	err := s.readDB.QueryRowContext(ctx, "SELECT value FROM state WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", mkerrors.Wrap(mkerrors.KindRetry, op, err)
	}
	return value, nil
}

// SetState writes one key into the state table.
func (s *Store) SetState(ctx context.Context, key, value string) error {
	const op = "store.SetState"

	if s.writeDB == nil {
		return mkerrors.New(mkerrors.KindInvalid, op, "store is read-only")
	}
	if _, err := s.writeDB.ExecContext(ctx, `
		INSERT INTO state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value); err != nil {
		return wrapWriteError(op, err)
	}
	return nil
}
