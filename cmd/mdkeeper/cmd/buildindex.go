package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mdkeeper/mdkeeper/internal/indexfile"
)

func newBuildIndexCmd() *cobra.Command {
	var outputDir string

	cmd := &cobra.Command{
		Use:   "build-index",
		Short: "Generate static Markdown index files",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if outputDir == "" {
				return usageError{fmt.Errorf("--output-dir is required")}
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			s, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			manifest, err := indexfile.New(s, nil).Generate(cmd.Context(), outputDir)
			if err != nil {
				return err
			}

			var b strings.Builder
			fmt.Fprintf(&b, "wrote %s (%d documents)\n", manifest.MasterPath, manifest.Documents)
			fmt.Fprintf(&b, "%d tag file(s), %d category file(s)\n",
				len(manifest.TagFiles), len(manifest.CategoryFiles))
			return emit(cmd, manifest, b.String())
		},
	}

	cmd.Flags().StringVar(&outputDir, "output-dir", "", "Directory for the generated index files")
	return cmd
}
