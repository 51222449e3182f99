package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mdkeeper/mdkeeper/internal/embed"
	"github.com/mdkeeper/mdkeeper/internal/retriever"
)

func newQueryCmd() *cobra.Command {
	var (
		mode           string
		limit          int
		includeContent bool
		maxTokens      int
		section        string
	)

	cmd := &cobra.Command{
		Use:   "query <text>",
		Short: "Search the index",
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

			r := retriever.New(s, embedder, nil,
				retriever.WithCache(cfg.Cache.Enabled, time.Duration(cfg.Cache.TTLSeconds)*time.Second))
			resp, err := r.Search(cmd.Context(), retriever.Request{
				Query:          args[0],
				Limit:          limit,
				Mode:           mode,
				IncludeContent: includeContent,
				MaxTokens:      maxTokens,
				Section:        section,
			})
			if err != nil {
				return err
			}
			return emit(cmd, resp, renderResults(resp))
		},
	}

	cmd.Flags().StringVar(&mode, "mode", retriever.ModeSemantic, "Search mode: semantic or lexical")
	cmd.Flags().IntVar(&limit, "limit", retriever.DefaultLimit, "Maximum results")
	cmd.Flags().BoolVar(&includeContent, "include-content", false, "Include document bodies")
	cmd.Flags().IntVar(&maxTokens, "max-tokens", 0, "Token budget for returned bodies (0 = unlimited)")
	cmd.Flags().StringVar(&section, "section", "", "Only return chunks whose heading path contains this")
	return cmd
}

func renderResults(resp *retriever.Response) string {
	if len(resp.Results) == 0 {
		return "no results\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d result(s), mode=%s cached=%t\n", len(resp.Results), resp.Mode, resp.Cached)
	for i, res := range resp.Results {
		fmt.Fprintf(&b, "%2d. [%d] %s (%s) score=%.3f\n",
			i+1, res.Document.ID, res.Document.Title, res.Document.Path, res.Score)
		if res.Document.Summary != "" {
			fmt.Fprintf(&b, "    %s\n", res.Document.Summary)
		}
		if res.Document.Content != "" {
			b.WriteString(res.Document.Content)
			b.WriteString("\n")
		}
	}
	return b.String()
}
