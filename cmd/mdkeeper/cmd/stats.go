package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show index statistics",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			s, err := openReadStore(cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			st, err := s.Stats(cmd.Context())
			if err != nil {
				return err
			}

			var b strings.Builder
			fmt.Fprintf(&b, "documents:     %d\n", st.Documents)
			fmt.Fprintf(&b, "headings:      %d\n", st.Headings)
			fmt.Fprintf(&b, "chunks:        %d\n", st.Chunks)
			fmt.Fprintf(&b, "links:         %d (%d broken)\n", st.Links, st.BrokenLinks)
			fmt.Fprintf(&b, "tags:          %d\n", st.Tags)
			fmt.Fprintf(&b, "concepts:      %d\n", st.Concepts)
			fmt.Fprintf(&b, "cache entries: %d\n", st.CacheRows)
			fmt.Fprintf(&b, "db size:       %d bytes\n", st.DBSizeBytes)
			fmt.Fprintf(&b, "queue:         %d queued, %d in flight, %d failed (lag %ds)\n",
				st.Queue.Queued, st.Queue.InFlight, st.Queue.Failed, st.Queue.LagSeconds)
			fmt.Fprintf(&b, "embeddings:    %d/%d documents, %d/%d chunks\n",
				st.Coverage.DocumentsWithVectors, st.Coverage.Documents,
				st.Coverage.ChunksWithVectors, st.Coverage.Chunks)
			return emit(cmd, st, b.String())
		},
	}
}

func newReportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "report",
		Short: "Show a health report",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			s, err := openReadStore(cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			report, err := s.HealthReport(cmd.Context())
			if err != nil {
				return err
			}

			var b strings.Builder
			if report.DatabaseOK && len(report.Issues) == 0 {
				b.WriteString("healthy\n")
			} else {
				b.WriteString("issues found:\n")
				for _, issue := range report.Issues {
					fmt.Fprintf(&b, "  - %s\n", issue)
				}
			}
			for _, ev := range report.FailedEvents {
				fmt.Fprintf(&b, "  failed event: %s %s (%s)\n", ev.Kind, ev.Path, ev.LastError)
			}
			return emit(cmd, report, b.String())
		},
	}
}
