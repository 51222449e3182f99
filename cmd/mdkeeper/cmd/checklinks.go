package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mdkeeper/mdkeeper/internal/links"
)

func newCheckLinksCmd() *cobra.Command {
	var checkExternal bool

	cmd := &cobra.Command{
		Use:   "check-links",
		Short: "Validate stored link targets",
		Long:  `Checks internal links against the filesystem and, with --check-external, external links over HTTP. Exits 1 when any link is broken.`,
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
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

			var opts []links.Option
			if checkExternal {
				opts = append(opts, links.WithExternal())
			}
			report, err := links.New(s, nil, opts...).CheckAll(cmd.Context())
			if err != nil {
				return err
			}

			var b strings.Builder
			fmt.Fprintf(&b, "checked %d link(s): %d ok, %d broken, %d skipped\n",
				report.Checked, report.OK, report.Broken, report.Skipped)
			for _, d := range report.Details {
				fmt.Fprintf(&b, "  broken: %s -> %s (%s)\n", d.DocumentPath, d.Target, d.Reason)
			}
			if err := emit(cmd, report, b.String()); err != nil {
				return err
			}

			if report.Broken > 0 {
				return policyError{fmt.Sprintf("%d broken link(s)", report.Broken)}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&checkExternal, "check-external", false, "Also probe external links over HTTP")
	return cmd
}
