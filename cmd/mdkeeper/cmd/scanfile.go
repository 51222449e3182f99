package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mdkeeper/mdkeeper/internal/embed"
	"github.com/mdkeeper/mdkeeper/internal/ingest"
	"github.com/mdkeeper/mdkeeper/internal/store"
)

func newScanFileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan-file <path>",
		Short: "Parse and index a single Markdown file",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cleanup, err := setupLogging(cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			s, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			embedder, err := embed.Select(cmd.Context(), cfg.Embeddings, nil)
			if err != nil {
				return err
			}
			defer embedder.Close()

			ing := ingest.New(s, embedder, cfg.Metadata, nil)
			id, err := ing.IngestFile(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			doc, err := s.GetDocument(cmd.Context(), id, store.ContentOptions{})
			if err != nil {
				return err
			}
			return emit(cmd, doc, fmt.Sprintf("indexed [%d] %s (%s)\n%d tokens, %d headings, %d links\n",
				doc.ID, doc.Title, doc.Path, doc.TokenEstimate, len(doc.Headings), len(doc.Links)))
		},
	}
}
