package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/mdkeeper/mdkeeper/internal/mkerrors"
	"github.com/mdkeeper/mdkeeper/internal/parser"
)

// AssembleContent builds a document body from its chunks under the
// section filter and token budget: whole chunks are preferred, and when
// the budget cuts into a chunk the final chunk is truncated at a word
// boundary.
func (s *Store) AssembleContent(ctx context.Context, docID int64, opts ContentOptions) (string, error) {
	chunks, err := s.DocumentChunks(ctx, docID)
	if err != nil {
		return "", err
	}

	if opts.Section != "" {
		needle := strings.ToLower(opts.Section)
		filtered := chunks[:0]
		for _, c := range chunks {
			if strings.Contains(strings.ToLower(c.HeadingPath), needle) {
				filtered = append(filtered, c)
			}
		}
		chunks = filtered
	}

	var parts []string
	remaining := opts.MaxTokens
	unlimited := opts.MaxTokens <= 0

	for _, c := range chunks {
		if unlimited {
			parts = append(parts, c.Content)
			continue
		}
		if remaining <= 0 {
			break
		}
		tokens := parser.CountTokens(c.Content)
		if tokens <= remaining {
			parts = append(parts, c.Content)
			remaining -= tokens
			continue
		}
		parts = append(parts, parser.TruncateTokens(c.Content, remaining))
		break
	}

	return strings.Join(parts, "\n\n"), nil
}

// DocumentBody returns the stored full body text, heading lines
// included. This is what ingestion persisted, not a chunk concatenation.
func (s *Store) DocumentBody(ctx context.Context, docID int64) (string, error) {
	const op = "store.DocumentBody"

	var body string
	err := s.readDB.QueryRowContext(ctx,
		"SELECT content FROM documents WHERE id = ?", docID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return "", mkerrors.Newf(mkerrors.KindNotFound, op, "document %d not indexed", docID)
	}
	if err != nil {
		return "", mkerrors.Wrap(mkerrors.KindRetry, op, err)
	}
	return body, nil
}

// DocumentChunks returns the ordered chunk rows of one document.
func (s *Store) DocumentChunks(ctx context.Context, docID int64) ([]Chunk, error) {
	const op = "store.DocumentChunks"

	rows, err := s.readDB.QueryContext(ctx, `
		SELECT id, document_id, ordinal, heading_path, content, token_estimate
		FROM document_chunks WHERE document_id = ? ORDER BY ordinal`, docID)
	if err != nil {
		return nil, mkerrors.Wrap(mkerrors.KindRetry, op, err)
	}
	defer rows.Close()

	var out []Chunk
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Ordinal, &c.HeadingPath, &c.Content, &c.TokenEstimate); err != nil {
			return nil, mkerrors.Wrap(mkerrors.KindRetry, op, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
