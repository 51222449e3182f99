package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mdkeeper/mdkeeper/internal/retriever"
)

func newFindConceptCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "find-concept <concept>",
		Short: "List documents tagged with a concept",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			s, err := openReadStore(cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			docs, err := s.ListByConcept(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}

			var b strings.Builder
			if len(docs) == 0 {
				b.WriteString("no documents\n")
			}
			for _, doc := range docs {
				fmt.Fprintf(&b, "[%d] %s (%s)\n", doc.ID, doc.Title, doc.Path)
			}
			return emit(cmd, map[string]any{"documents": docs}, b.String())
		},
	}

	cmd.Flags().IntVar(&limit, "limit", retriever.DefaultLimit, "Maximum results")
	return cmd
}
