package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mdkeeper/mdkeeper/internal/store"
)

func newGetDocCmd() *cobra.Command {
	var (
		includeContent bool
		maxTokens      int
		section        string
	)

	cmd := &cobra.Command{
		Use:   "get-doc <id>",
		Short: "Fetch one document by id",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return usageError{fmt.Errorf("invalid document id %q", args[0])}
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			s, err := openReadStore(cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			doc, err := s.GetDocument(cmd.Context(), id, store.ContentOptions{
				IncludeContent: includeContent,
				MaxTokens:      maxTokens,
				Section:        section,
			})
			if err != nil {
				return err
			}

			var b strings.Builder
			fmt.Fprintf(&b, "[%d] %s (%s)\n", doc.ID, doc.Title, doc.Path)
			fmt.Fprintf(&b, "category=%s tokens=%d updated=%s\n", doc.Category, doc.TokenEstimate, doc.UpdatedAt.Format("2006-01-02"))
			if doc.Summary != "" {
				fmt.Fprintf(&b, "%s\n", doc.Summary)
			}
			if doc.Content != "" {
				b.WriteString("\n")
				b.WriteString(doc.Content)
				b.WriteString("\n")
			}
			return emit(cmd, doc, b.String())
		},
	}

	cmd.Flags().BoolVar(&includeContent, "include-content", false, "Include the document body")
	cmd.Flags().IntVar(&maxTokens, "max-tokens", 0, "Token budget for the body (0 = unlimited)")
	cmd.Flags().StringVar(&section, "section", "", "Only return chunks whose heading path contains this")
	return cmd
}
