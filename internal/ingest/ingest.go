// Package ingest turns file events into index mutations: read, parse,
// enrich metadata, and write through the Store. It is the only writer
// of document state and keeps the in-process vector index in sync with
// the rows it touches.
package ingest

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mdkeeper/mdkeeper/internal/config"
	"github.com/mdkeeper/mdkeeper/internal/embed"
	"github.com/mdkeeper/mdkeeper/internal/mkerrors"
	"github.com/mdkeeper/mdkeeper/internal/parser"
	"github.com/mdkeeper/mdkeeper/internal/store"
)

// Ingestor applies file events to the Store.
type Ingestor struct {
	store    *store.Store
	embedder embed.Embedder
	meta     config.MetadataConfig
	index    store.VectorIndex // optional, kept in sync when present
	logger   *slog.Logger
}

// Option customizes an Ingestor.
type Option func(*Ingestor)

// WithVectorIndex keeps the given index in sync with every upsert and
// delete, so long-running processes serve fresh ANN candidates.
func WithVectorIndex(idx store.VectorIndex) Option {
	return func(i *Ingestor) { i.index = idx }
}

// New creates an Ingestor. embedder may be nil to ingest without
// vectors.
func New(s *store.Store, embedder embed.Embedder, meta config.MetadataConfig, logger *slog.Logger, opts ...Option) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	ing := &Ingestor{store: s, embedder: embedder, meta: meta, logger: logger}
	for _, opt := range opts {
		opt(ing)
	}
	return ing
}

// HandleEvent is the queue.Handler entry point.
func (i *Ingestor) HandleEvent(ctx context.Context, ev store.Event) error {
	switch ev.Kind {
	case store.EventCreate, store.EventModify:
		_, err := i.IngestFile(ctx, ev.Path)
		return err
	case store.EventDelete:
		return i.DeletePath(ctx, ev.Path)
	case store.EventMove:
		if err := i.DeletePath(ctx, ev.Path); err != nil {
			return err
		}
		_, err := i.IngestFile(ctx, ev.NewPath)
		return err
	default:
		return mkerrors.Newf(mkerrors.KindInvalid, "ingest.HandleEvent", "unknown event kind %q", ev.Kind)
	}
}

// IngestFile reads, parses, and upserts one file. A file that has gone
// missing is treated as deleted rather than an error, so delete-after-
// modify bursts resolve cleanly.
func (i *Ingestor) IngestFile(ctx context.Context, path string) (int64, error) {
	const op = "ingest.IngestFile"

	abs, err := filepath.Abs(path)
	if err != nil {
		return 0, mkerrors.Wrap(mkerrors.KindInvalid, op, err)
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			i.logger.Debug("file vanished before ingest, removing from index", slog.String("path", abs))
			return 0, i.DeletePath(ctx, abs)
		}
		// Reads fail fast with the path and OS error; the queue retries.
		return 0, mkerrors.Wrapf(mkerrors.KindRetry, op, err, "read %s", abs)
	}

	doc := parser.Parse(string(data))
	i.checkRequiredFields(abs, doc)

	id, err := i.store.UpsertDocument(ctx, abs, i.category(abs, doc), doc, i.embedder)
	if err != nil {
		return 0, err
	}

	if i.index != nil {
		if vec, _, vecErr := i.store.DocumentVector(ctx, id); vecErr == nil {
			if addErr := i.index.Add(id, vec); addErr != nil {
				i.logger.Warn("vector index update failed",
					slog.String("path", abs), slog.String("error", addErr.Error()))
			}
		}
	}

	i.logger.Info("ingested document",
		slog.String("path", abs),
		slog.Int64("id", id),
		slog.Int("chunks", len(doc.Chunks)),
		slog.Int("links", len(doc.Links)))
	return id, nil
}

// DeletePath removes a path from the index. Deleting an unindexed path
// is a no-op.
func (i *Ingestor) DeletePath(ctx context.Context, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return mkerrors.Wrap(mkerrors.KindInvalid, "ingest.DeletePath", err)
	}

	var docID int64
	if i.index != nil {
		if d, lookupErr := i.store.GetDocumentByPath(ctx, abs, store.ContentOptions{}); lookupErr == nil {
			docID = d.ID
		}
	}

	existed, err := i.store.DeleteByPath(ctx, abs)
	if err != nil {
		return err
	}
	if existed {
		if i.index != nil && docID != 0 {
			i.index.Delete(docID)
		}
		i.logger.Info("removed document", slog.String("path", abs))
	}
	return nil
}

// category resolves the stored category: declared frontmatter wins, and
// when auto-fill is on the parent directory name stands in.
func (i *Ingestor) category(path string, doc parser.ParsedDocument) string {
	if c := doc.Frontmatter.String("category"); c != "" {
		return strings.ToLower(c)
	}
	if i.meta.AutoFillCategory {
		return strings.ToLower(filepath.Base(filepath.Dir(path)))
	}
	return ""
}

// checkRequiredFields warns about configured frontmatter fields that a
// document does not carry. A derived title satisfies "title" unless it
// fell back to the placeholder.
func (i *Ingestor) checkRequiredFields(path string, doc parser.ParsedDocument) {
	var missing []string
	for _, field := range i.meta.RequiredFrontmatterFields {
		key := strings.ToLower(field)
		if _, ok := doc.Frontmatter[key]; ok {
			continue
		}
		if key == "title" && doc.Title != "Untitled" {
			continue
		}
		missing = append(missing, key)
	}
	if len(missing) > 0 {
		i.logger.Warn("document missing required frontmatter fields",
			slog.String("path", path),
			slog.String("missing", strings.Join(missing, ", ")))
	}
}
