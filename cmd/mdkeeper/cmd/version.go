package cmd

import (
	"github.com/spf13/cobra"

	"github.com/mdkeeper/mdkeeper/pkg/version"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and build information",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return emit(cmd, version.GetInfo(), version.String()+"\n")
		},
	}
}
