package store

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"strings"

	"github.com/mdkeeper/mdkeeper/internal/embed"
	"github.com/mdkeeper/mdkeeper/internal/mkerrors"
	"github.com/mdkeeper/mdkeeper/internal/parser"
)

// UpsertDocument writes one parsed file into the index within a single
// transaction. Unchanged content (same hash, same embedding backend)
// only touches updated_at. Changed content replaces every child row and
// regenerates the document and chunk embeddings through embedder. The
// query cache is flushed either way.
//
// A nil embedder skips embedding generation; embeddings-generate can
// backfill later.
func (s *Store) UpsertDocument(ctx context.Context, path, category string, doc parser.ParsedDocument, embedder embed.Embedder) (int64, error) {
	const op = "store.UpsertDocument"

	existingID, existingHash, err := s.lookupPath(ctx, path)
	if err != nil {
		return 0, err
	}

	if existingID != 0 && existingHash == doc.ContentHash && !s.embeddingStale(ctx, existingID, embedder) {
		if err := s.touchDocument(ctx, existingID); err != nil {
			return 0, err
		}
		return existingID, nil
	}

	// Embed outside the transaction: the backend may be a slow HTTP
	// call and the write lock should not be held across it.
	var docVec []float32
	var chunkVecs [][]float32
	backend := ""
	if embedder != nil {
		texts := make([]string, 0, len(doc.Chunks)+1)
		texts = append(texts, embeddingText(category, doc))
		for _, c := range doc.Chunks {
			texts = append(texts, c.Content)
		}
		vecs, err := embedder.EmbedBatch(ctx, texts)
		if err != nil {
			s.logger.Warn("embedding generation failed, storing document without vectors",
				slog.String("path", path), slog.String("error", err.Error()))
		} else {
			docVec = vecs[0]
			chunkVecs = vecs[1:]
			backend = embedder.BackendID()
		}
	}

	tx, err := s.beginWrite(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	now := nowUTC()
	var id int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO documents (path, title, summary, category, content, content_hash, token_estimate, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			title = excluded.title,
			summary = excluded.summary,
			category = excluded.category,
			content = excluded.content,
			content_hash = excluded.content_hash,
			token_estimate = excluded.token_estimate,
			updated_at = excluded.updated_at
		RETURNING id`,
		path, doc.Title, doc.Summary, category, doc.Body, doc.ContentHash, doc.TokenEstimate, now, now,
	).Scan(&id)
	if err != nil {
		return 0, wrapWriteError(op, err)
	}

	if err := deleteChildren(ctx, tx, id); err != nil {
		return 0, err
	}

	for _, h := range doc.Headings {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO headings (document_id, ordinal, level, heading_text, anchor) VALUES (?, ?, ?, ?, ?)",
			id, h.Ordinal, h.Level, h.Text, h.Anchor); err != nil {
			return 0, wrapWriteError(op, err)
		}
	}
	for _, l := range doc.Links {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO links (document_id, source_anchor, target, is_external, status) VALUES (?, ?, ?, ?, 'unknown')",
			id, l.SourceAnchor, l.Target, boolToInt(l.IsExternal)); err != nil {
			return 0, wrapWriteError(op, err)
		}
	}
	if err := linkNames(ctx, tx, id, "tags", "document_tags", "tag_id", doc.Tags); err != nil {
		return 0, err
	}
	if err := linkNames(ctx, tx, id, "concepts", "document_concepts", "concept_id", doc.Concepts); err != nil {
		return 0, err
	}

	chunkIDs := make([]int64, len(doc.Chunks))
	for i, c := range doc.Chunks {
		err := tx.QueryRowContext(ctx, `
			INSERT INTO document_chunks (document_id, ordinal, heading_path, content, token_estimate)
			VALUES (?, ?, ?, ?, ?) RETURNING id`,
			id, c.Ordinal, c.HeadingPath, c.Content, c.TokenEstimate).Scan(&chunkIDs[i])
		if err != nil {
			return 0, wrapWriteError(op, err)
		}
	}

	if backend != "" {
		if err := insertEmbedding(ctx, tx, "document", id, docVec, backend); err != nil {
			return 0, err
		}
		for i, vec := range chunkVecs {
			if err := insertEmbedding(ctx, tx, "chunk", chunkIDs[i], vec, backend); err != nil {
				return 0, err
			}
		}
	}

	if err := flushCacheTx(ctx, tx); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, wrapWriteError(op, err)
	}
	return id, nil
}

// DeleteByPath removes a document and everything hanging off it,
// flushing the query cache. Reports whether a row existed.
func (s *Store) DeleteByPath(ctx context.Context, path string) (bool, error) {
	const op = "store.DeleteByPath"

	tx, err := s.beginWrite(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRowContext(ctx, "SELECT id FROM documents WHERE path = ?", path).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, wrapWriteError(op, err)
	}

	if err := deleteEmbeddingsFor(ctx, tx, id); err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM documents WHERE id = ?", id); err != nil {
		return false, wrapWriteError(op, err)
	}
	if err := flushCacheTx(ctx, tx); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, wrapWriteError(op, err)
	}
	return true, nil
}

// GetDocument loads a document by id with headings, links, tags, and
// concepts, plus the assembled body when opts request it.
func (s *Store) GetDocument(ctx context.Context, id int64, opts ContentOptions) (*Document, error) {
	const op = "store.GetDocument"

	d := &Document{}
	var created, updated string
	err := s.readDB.QueryRowContext(ctx, `
		SELECT id, path, title, summary, category, content_hash, token_estimate, created_at, updated_at
		FROM documents WHERE id = ?`, id).
		Scan(&d.ID, &d.Path, &d.Title, &d.Summary, &d.Category, &d.ContentHash, &d.TokenEstimate, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, mkerrors.Newf(mkerrors.KindNotFound, op, "no document with id %d", id)
	}
	if err != nil {
		return nil, mkerrors.Wrap(mkerrors.KindRetry, op, err)
	}
	d.CreatedAt = parseTime(created)
	d.UpdatedAt = parseTime(updated)

	if err := s.loadChildren(ctx, d); err != nil {
		return nil, err
	}
	if opts.IncludeContent {
		content, err := s.AssembleContent(ctx, id, opts)
		if err != nil {
			return nil, err
		}
		d.Content = content
	}
	return d, nil
}

// GetDocumentByPath resolves a path to its document id and loads it.
func (s *Store) GetDocumentByPath(ctx context.Context, path string, opts ContentOptions) (*Document, error) {
	const op = "store.GetDocumentByPath"

	var id int64
	err := s.readDB.QueryRowContext(ctx, "SELECT id FROM documents WHERE path = ?", path).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, mkerrors.Newf(mkerrors.KindNotFound, op, "no document at %s", path)
	}
	if err != nil {
		return nil, mkerrors.Wrap(mkerrors.KindRetry, op, err)
	}
	return s.GetDocument(ctx, id, opts)
}

// ListByConcept returns documents carrying the concept, newest first.
// An unindexed concept yields an empty slice.
func (s *Store) ListByConcept(ctx context.Context, concept string, limit int) ([]Document, error) {
	const op = "store.ListByConcept"

	if limit <= 0 {
		limit = 10
	}
	rows, err := s.readDB.QueryContext(ctx, `
		SELECT d.id, d.path, d.title, d.summary, d.category, d.content_hash, d.token_estimate, d.created_at, d.updated_at
		FROM documents d
		JOIN document_concepts dc ON dc.document_id = d.id
		JOIN concepts c ON c.id = dc.concept_id
		WHERE c.name = ?
		ORDER BY d.updated_at DESC, d.id ASC
		LIMIT ?`, strings.ToLower(concept), limit)
	if err != nil {
		return nil, mkerrors.Wrap(mkerrors.KindRetry, op, err)
	}
	defer rows.Close()
	return scanDocuments(rows)
}

// ListDocuments returns every document's metadata ordered by path.
func (s *Store) ListDocuments(ctx context.Context) ([]Document, error) {
	const op = "store.ListDocuments"

	rows, err := s.readDB.QueryContext(ctx, `
		SELECT id, path, title, summary, category, content_hash, token_estimate, created_at, updated_at
		FROM documents ORDER BY path ASC`)
	if err != nil {
		return nil, mkerrors.Wrap(mkerrors.KindRetry, op, err)
	}
	defer rows.Close()
	return scanDocuments(rows)
}

// DocumentTags returns the tag names of one document, sorted.
func (s *Store) DocumentTags(ctx context.Context, id int64) ([]string, error) {
	return s.names(ctx, `
		SELECT t.name FROM tags t
		JOIN document_tags dt ON dt.tag_id = t.id
		WHERE dt.document_id = ? ORDER BY t.name`, id)
}

func (s *Store) lookupPath(ctx context.Context, path string) (int64, string, error) {
	const op = "store.lookupPath"

	var id int64
	var hash string
	err := s.readDB.QueryRowContext(ctx,
		"SELECT id, content_hash FROM documents WHERE path = ?", path).Scan(&id, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", mkerrors.Wrap(mkerrors.KindRetry, op, err)
	}
	return id, hash, nil
}

// embeddingStale reports whether the stored document vector was written
// by a different backend than the active one.
func (s *Store) embeddingStale(ctx context.Context, docID int64, embedder embed.Embedder) bool {
	if embedder == nil {
		return false
	}
	var backend string
	err := s.readDB.QueryRowContext(ctx,
		"SELECT backend FROM embeddings WHERE owner_type = 'document' AND owner_id = ?", docID).Scan(&backend)
	if errors.Is(err, sql.ErrNoRows) {
		return true // no vector at all
	}
	if err != nil {
		return false
	}
	return backend != embedder.BackendID()
}

// touchDocument updates updated_at only, still flushing the cache so
// freshness-sensitive rankings see the touch.
func (s *Store) touchDocument(ctx context.Context, id int64) error {
	const op = "store.touchDocument"

	tx, err := s.beginWrite(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "UPDATE documents SET updated_at = ? WHERE id = ?", nowUTC(), id); err != nil {
		return wrapWriteError(op, err)
	}
	if err := flushCacheTx(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return wrapWriteError(op, err)
	}
	return nil
}

func (s *Store) loadChildren(ctx context.Context, d *Document) error {
	const op = "store.loadChildren"

	rows, err := s.readDB.QueryContext(ctx,
		"SELECT ordinal, level, heading_text, anchor FROM headings WHERE document_id = ? ORDER BY ordinal", d.ID)
	if err != nil {
		return mkerrors.Wrap(mkerrors.KindRetry, op, err)
	}
	for rows.Next() {
		var h Heading
		if err := rows.Scan(&h.Ordinal, &h.Level, &h.Text, &h.Anchor); err != nil {
			rows.Close()
			return mkerrors.Wrap(mkerrors.KindRetry, op, err)
		}
		d.Headings = append(d.Headings, h)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return mkerrors.Wrap(mkerrors.KindRetry, op, err)
	}

	links, err := s.linksWhere(ctx, "l.document_id = ?", d.ID)
	if err != nil {
		return err
	}
	d.Links = links

	if d.Tags, err = s.DocumentTags(ctx, d.ID); err != nil {
		return err
	}
	d.Concepts, err = s.names(ctx, `
		SELECT c.name FROM concepts c
		JOIN document_concepts dc ON dc.concept_id = c.id
		WHERE dc.document_id = ? ORDER BY c.name`, d.ID)
	return err
}

func (s *Store) names(ctx context.Context, query string, args ...any) ([]string, error) {
	const op = "store.names"

	rows, err := s.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mkerrors.Wrap(mkerrors.KindRetry, op, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, mkerrors.Wrap(mkerrors.KindRetry, op, err)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func scanDocuments(rows *sql.Rows) ([]Document, error) {
	const op = "store.scanDocuments"

	docs := []Document{}
	for rows.Next() {
		var d Document
		var created, updated string
		if err := rows.Scan(&d.ID, &d.Path, &d.Title, &d.Summary, &d.Category,
			&d.ContentHash, &d.TokenEstimate, &created, &updated); err != nil {
			return nil, mkerrors.Wrap(mkerrors.KindRetry, op, err)
		}
		d.CreatedAt = parseTime(created)
		d.UpdatedAt = parseTime(updated)
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// embeddingText is what the document-level vector is computed over:
// derived metadata and body joined into one string.
func embeddingText(category string, doc parser.ParsedDocument) string {
	parts := []string{doc.Title, doc.Summary}
	if category != "" {
		parts = append(parts, category)
	}
	if len(doc.Tags) > 0 {
		parts = append(parts, strings.Join(doc.Tags, " "))
	}
	if len(doc.Concepts) > 0 {
		parts = append(parts, strings.Join(doc.Concepts, " "))
	}
	parts = append(parts, doc.Body)
	return strings.Join(parts, "\n")
}

func deleteChildren(ctx context.Context, tx *sql.Tx, docID int64) error {
	if err := deleteEmbeddingsFor(ctx, tx, docID); err != nil {
		return err
	}
	for _, table := range []string{"headings", "links", "document_tags", "document_concepts", "document_chunks"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE document_id = ?", docID); err != nil {
			return wrapWriteError("store.deleteChildren", err)
		}
	}
	return nil
}

// deleteEmbeddingsFor removes the document vector and all chunk vectors
// of a document. Chunk embeddings cannot cascade through foreign keys
// because embeddings are polymorphic over owner_type.
func deleteEmbeddingsFor(ctx context.Context, tx *sql.Tx, docID int64) error {
	const op = "store.deleteEmbeddingsFor"

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM embeddings WHERE owner_type = 'document' AND owner_id = ?", docID); err != nil {
		return wrapWriteError(op, err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM embeddings WHERE owner_type = 'chunk' AND owner_id IN
		(SELECT id FROM document_chunks WHERE document_id = ?)`, docID); err != nil {
		return wrapWriteError(op, err)
	}
	return nil
}

func insertEmbedding(ctx context.Context, tx *sql.Tx, ownerType string, ownerID int64, vec []float32, backend string) error {
	const op = "store.insertEmbedding"

	_, err := tx.ExecContext(ctx, `
		INSERT INTO embeddings (owner_type, owner_id, vector, dimension, backend, generated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner_type, owner_id) DO UPDATE SET
			vector = excluded.vector,
			dimension = excluded.dimension,
			backend = excluded.backend,
			generated_at = excluded.generated_at`,
		ownerType, ownerID, encodeVector(vec), len(vec), backend, nowUTC())
	if err != nil {
		return wrapWriteError(op, err)
	}
	return nil
}

// linkNames upserts names into a vocabulary table and links them to the
// document. Names are lowercased for matching.
func linkNames(ctx context.Context, tx *sql.Tx, docID int64, vocabTable, linkTable, fkColumn string, values []string) error {
	const op = "store.linkNames"

	for _, raw := range values {
		name := strings.ToLower(strings.TrimSpace(raw))
		if name == "" {
			continue
		}
		var nameID int64
		err := tx.QueryRowContext(ctx,
			"INSERT INTO "+vocabTable+" (name) VALUES (?) ON CONFLICT(name) DO UPDATE SET name = excluded.name RETURNING id",
			name).Scan(&nameID)
		if err != nil {
			return wrapWriteError(op, err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO "+linkTable+" (document_id, "+fkColumn+") VALUES (?, ?)",
			docID, nameID); err != nil {
			return wrapWriteError(op, err)
		}
	}
	return nil
}

func (s *Store) linksWhere(ctx context.Context, where string, args ...any) ([]Link, error) {
	const op = "store.linksWhere"

	rows, err := s.readDB.QueryContext(ctx, `
		SELECT l.id, l.document_id, l.source_anchor, l.target, l.is_external, l.status, l.checked_at
		FROM links l WHERE `+where+" ORDER BY l.id", args...)
	if err != nil {
		return nil, mkerrors.Wrap(mkerrors.KindRetry, op, err)
	}
	defer rows.Close()

	var out []Link
	for rows.Next() {
		var l Link
		var ext int
		var checked sql.NullString
		if err := rows.Scan(&l.ID, &l.DocumentID, &l.SourceAnchor, &l.Target, &ext, &l.Status, &checked); err != nil {
			return nil, mkerrors.Wrap(mkerrors.KindRetry, op, err)
		}
		l.IsExternal = ext != 0
		if checked.Valid {
			t := parseTime(checked.String)
			l.CheckedAt = &t
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// AllLinks returns every link row joined with its document path, for
// the link checker.
func (s *Store) AllLinks(ctx context.Context) ([]Link, map[int64]string, error) {
	const op = "store.AllLinks"

	links, err := s.linksWhere(ctx, "1 = 1")
	if err != nil {
		return nil, nil, err
	}
	paths := map[int64]string{}
	rows, err := s.readDB.QueryContext(ctx, "SELECT id, path FROM documents")
	if err != nil {
		return nil, nil, mkerrors.Wrap(mkerrors.KindRetry, op, err)
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		var path string
		if err := rows.Scan(&id, &path); err != nil {
			return nil, nil, mkerrors.Wrap(mkerrors.KindRetry, op, err)
		}
		paths[id] = path
	}
	return links, paths, rows.Err()
}

// SetLinkStatus records the outcome of a link check.
func (s *Store) SetLinkStatus(ctx context.Context, linkID int64, status string) error {
	const op = "store.SetLinkStatus"

	if s.writeDB == nil {
		return mkerrors.New(mkerrors.KindInvalid, op, "store is read-only")
	}
	if _, err := s.writeDB.ExecContext(ctx,
		"UPDATE links SET status = ?, checked_at = ? WHERE id = ?", status, nowUTC(), linkID); err != nil {
		return wrapWriteError(op, err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// wrapWriteError classifies SQLite write failures: disk-full and schema
// errors halt the process, contention retries.
func wrapWriteError(op string, err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "disk is full"), strings.Contains(msg, "disk full"),
		strings.Contains(msg, "no such table"), strings.Contains(msg, "malformed"):
		return mkerrors.Wrap(mkerrors.KindFatal, op, err)
	default:
		return mkerrors.Wrap(mkerrors.KindRetry, op, err)
	}
}
