// Package indexfile renders static Markdown index files over the
// stored documents: one master list plus per-tag and per-category
// listings, suitable for committing next to the source tree.
package indexfile

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mdkeeper/mdkeeper/internal/mkerrors"
	"github.com/mdkeeper/mdkeeper/internal/parser"
	"github.com/mdkeeper/mdkeeper/internal/store"
)

// maxSummaryTokens bounds the summary line under each entry.
const maxSummaryTokens = 30

// Generator writes the index files.
type Generator struct {
	store  *store.Store
	logger *slog.Logger
}

// New creates a Generator.
func New(s *store.Store, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{store: s, logger: logger}
}

// Manifest lists what a generation run produced.
type Manifest struct {
	MasterPath    string   `json:"master_path"`
	TagFiles      []string `json:"tag_files,omitempty"`
	CategoryFiles []string `json:"category_files,omitempty"`
	Documents     int      `json:"documents"`
}

// Generate renders master.md, by-tag/, and by-category/ under
// outputDir.
func (g *Generator) Generate(ctx context.Context, outputDir string) (Manifest, error) {
	const op = "indexfile.Generate"

	docs, err := g.store.ListDocuments(ctx)
	if err != nil {
		return Manifest{}, err
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].Path < docs[j].Path })

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return Manifest{}, mkerrors.Wrap(mkerrors.KindFatal, op, err)
	}

	manifest := Manifest{Documents: len(docs)}

	masterPath := filepath.Join(outputDir, "master.md")
	if err := writeListing(masterPath, "Document Index", docs); err != nil {
		return Manifest{}, err
	}
	manifest.MasterPath = masterPath

	byTag := make(map[string][]store.Document)
	for _, doc := range docs {
		tags, err := g.store.DocumentTags(ctx, doc.ID)
		if err != nil {
			return Manifest{}, err
		}
		for _, tag := range tags {
			byTag[tag] = append(byTag[tag], doc)
		}
	}
	manifest.TagFiles, err = writeGroup(filepath.Join(outputDir, "by-tag"), "Tag", byTag)
	if err != nil {
		return Manifest{}, err
	}

	byCategory := make(map[string][]store.Document)
	for _, doc := range docs {
		if doc.Category != "" {
			byCategory[doc.Category] = append(byCategory[doc.Category], doc)
		}
	}
	manifest.CategoryFiles, err = writeGroup(filepath.Join(outputDir, "by-category"), "Category", byCategory)
	if err != nil {
		return Manifest{}, err
	}

	g.logger.Info("index files generated",
		slog.String("dir", outputDir),
		slog.Int("documents", len(docs)),
		slog.Int("tags", len(byTag)),
		slog.Int("categories", len(byCategory)))
	return manifest, nil
}

func writeGroup(dir, kind string, groups map[string][]store.Document) ([]string, error) {
	const op = "indexfile.writeGroup"

	if len(groups) == 0 {
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, mkerrors.Wrap(mkerrors.KindFatal, op, err)
	}

	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	sort.Strings(names)

	var files []string
	for _, name := range names {
		path := filepath.Join(dir, parser.Slugify(name)+".md")
		if err := writeListing(path, kind+": "+name, groups[name]); err != nil {
			return nil, err
		}
		files = append(files, path)
	}
	return files, nil
}

func writeListing(path, title string, docs []store.Document) error {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", title)
	if len(docs) == 0 {
		b.WriteString("No documents indexed.\n")
	}
	for _, doc := range docs {
		fmt.Fprintf(&b, "- [%d] **%s** (`%s`)\n", doc.ID, doc.Title, doc.Path)
		if summary := truncateTokens(doc.Summary, maxSummaryTokens); summary != "" {
			fmt.Fprintf(&b, "  %s\n", summary)
		}
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return mkerrors.Wrap(mkerrors.KindFatal, "indexfile.writeListing", err)
	}
	return nil
}

// truncateTokens bounds the listing summary by word count, the same
// truncation rule summaries use everywhere else, adding an ellipsis
// when text was dropped.
func truncateTokens(s string, n int) string {
	short := parser.TruncateTokens(s, n)
	if len(strings.Fields(s)) > n {
		short += "..."
	}
	return short
}
