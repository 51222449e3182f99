package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/mdkeeper/mdkeeper/internal/embed"
	"github.com/mdkeeper/mdkeeper/internal/mkerrors"
)

// DocVector pairs a document id with its stored vector.
type DocVector struct {
	DocID   int64
	Vector  []float32
	Backend string
}

// DocumentVectors returns every stored document-level vector.
func (s *Store) DocumentVectors(ctx context.Context) ([]DocVector, error) {
	const op = "store.DocumentVectors"

	rows, err := s.readDB.QueryContext(ctx,
		"SELECT owner_id, vector, backend FROM embeddings WHERE owner_type = 'document'")
	if err != nil {
		return nil, mkerrors.Wrap(mkerrors.KindRetry, op, err)
	}
	defer rows.Close()

	var out []DocVector
	for rows.Next() {
		var dv DocVector
		var blob []byte
		if err := rows.Scan(&dv.DocID, &blob, &dv.Backend); err != nil {
			return nil, mkerrors.Wrap(mkerrors.KindRetry, op, err)
		}
		dv.Vector = decodeVector(blob)
		out = append(out, dv)
	}
	return out, rows.Err()
}

// DocumentVector returns one document's vector and backend id.
func (s *Store) DocumentVector(ctx context.Context, docID int64) ([]float32, string, error) {
	const op = "store.DocumentVector"

	var blob []byte
	var backend string
	err := s.readDB.QueryRowContext(ctx,
		"SELECT vector, backend FROM embeddings WHERE owner_type = 'document' AND owner_id = ?", docID).
		Scan(&blob, &backend)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", mkerrors.Newf(mkerrors.KindNotFound, op, "no vector for document %d", docID)
	}
	if err != nil {
		return nil, "", mkerrors.Wrap(mkerrors.KindRetry, op, err)
	}
	return decodeVector(blob), backend, nil
}

// ChunkVectorsFor returns the vectors of a document's chunks in chunk
// order.
func (s *Store) ChunkVectorsFor(ctx context.Context, docID int64) ([][]float32, error) {
	const op = "store.ChunkVectorsFor"

	rows, err := s.readDB.QueryContext(ctx, `
		SELECT e.vector FROM embeddings e
		JOIN document_chunks c ON c.id = e.owner_id
		WHERE e.owner_type = 'chunk' AND c.document_id = ?
		ORDER BY c.ordinal`, docID)
	if err != nil {
		return nil, mkerrors.Wrap(mkerrors.KindRetry, op, err)
	}
	defer rows.Close()

	var out [][]float32
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, mkerrors.Wrap(mkerrors.KindRetry, op, err)
		}
		out = append(out, decodeVector(blob))
	}
	return out, rows.Err()
}

// RegenerateEmbeddings recomputes every document and chunk vector with
// the active backend. Returns the number of documents processed.
func (s *Store) RegenerateEmbeddings(ctx context.Context, embedder embed.Embedder) (int, error) {
	const op = "store.RegenerateEmbeddings"

	if embedder == nil {
		return 0, mkerrors.New(mkerrors.KindInvalid, op, "no embedder")
	}
	docs, err := s.ListDocuments(ctx)
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, d := range docs {
		if err := ctx.Err(); err != nil {
			return processed, mkerrors.Wrap(mkerrors.KindRetry, op, err)
		}
		if err := s.regenerateDocument(ctx, d, embedder); err != nil {
			return processed, err
		}
		processed++
	}
	return processed, nil
}

func (s *Store) regenerateDocument(ctx context.Context, d Document, embedder embed.Embedder) error {
	const op = "store.regenerateDocument"

	tags, err := s.DocumentTags(ctx, d.ID)
	if err != nil {
		return err
	}
	concepts, err := s.names(ctx, `
		SELECT c.name FROM concepts c
		JOIN document_concepts dc ON dc.concept_id = c.id
		WHERE dc.document_id = ? ORDER BY c.name`, d.ID)
	if err != nil {
		return err
	}
	body, err := s.DocumentBody(ctx, d.ID)
	if err != nil {
		return err
	}
	chunks, err := s.DocumentChunks(ctx, d.ID)
	if err != nil {
		return err
	}

	texts := make([]string, 0, len(chunks)+1)
	texts = append(texts, storedEmbeddingText(d, tags, concepts, body))
	for _, c := range chunks {
		texts = append(texts, c.Content)
	}
	vecs, err := embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return err
	}

	tx, err := s.beginWrite(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	backend := embedder.BackendID()
	if err := insertEmbedding(ctx, tx, "document", d.ID, vecs[0], backend); err != nil {
		return err
	}
	for i, c := range chunks {
		if err := insertEmbedding(ctx, tx, "chunk", c.ID, vecs[i+1], backend); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return wrapWriteError(op, err)
	}
	return nil
}

// storedEmbeddingText rebuilds the document-level embedding input from
// stored columns, matching what UpsertDocument embeds at ingest time.
func storedEmbeddingText(d Document, tags, concepts []string, body string) string {
	parts := []string{d.Title, d.Summary}
	if d.Category != "" {
		parts = append(parts, d.Category)
	}
	if len(tags) > 0 {
		parts = append(parts, strings.Join(tags, " "))
	}
	if len(concepts) > 0 {
		parts = append(parts, strings.Join(concepts, " "))
	}
	parts = append(parts, body)
	return strings.Join(parts, "\n")
}

// Coverage summarizes how much of the index carries vectors.
type Coverage struct {
	Documents             int            `json:"documents"`
	DocumentsWithVectors  int            `json:"documents_with_vectors"`
	Chunks                int            `json:"chunks"`
	ChunksWithVectors     int            `json:"chunks_with_vectors"`
	Backends              map[string]int `json:"backends"`
	StaleAgainstBackendID string         `json:"stale_against_backend,omitempty"`
}

// EmbeddingCoverage reports vector coverage. When activeBackend is
// non-empty and stored vectors disagree with it, the coverage flags the
// stale backend so callers can force regeneration.
func (s *Store) EmbeddingCoverage(ctx context.Context, activeBackend string) (Coverage, error) {
	const op = "store.EmbeddingCoverage"

	cov := Coverage{Backends: map[string]int{}}
	queries := []struct {
		sql  string
		dest *int
	}{
		{"SELECT COUNT(*) FROM documents", &cov.Documents},
		{"SELECT COUNT(*) FROM embeddings WHERE owner_type = 'document'", &cov.DocumentsWithVectors},
		{"SELECT COUNT(*) FROM document_chunks", &cov.Chunks},
		{"SELECT COUNT(*) FROM embeddings WHERE owner_type = 'chunk'", &cov.ChunksWithVectors},
	}
	for _, q := range queries {
		if err := s.readDB.QueryRowContext(ctx, q.sql).Scan(q.dest); err != nil {
			return cov, mkerrors.Wrap(mkerrors.KindRetry, op, err)
		}
	}

	rows, err := s.readDB.QueryContext(ctx, "SELECT backend, COUNT(*) FROM embeddings GROUP BY backend")
	if err != nil {
		return cov, mkerrors.Wrap(mkerrors.KindRetry, op, err)
	}
	defer rows.Close()
	for rows.Next() {
		var backend string
		var n int
		if err := rows.Scan(&backend, &n); err != nil {
			return cov, mkerrors.Wrap(mkerrors.KindRetry, op, err)
		}
		cov.Backends[backend] = n
		if activeBackend != "" && backend != activeBackend {
			cov.StaleAgainstBackendID = backend
		}
	}
	return cov, rows.Err()
}
