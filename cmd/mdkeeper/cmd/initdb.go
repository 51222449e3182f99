package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newInitDBCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init-db",
		Short: "Create or migrate the index database",
		Long:  `Creates the database schema if missing and applies additive migrations. Safe to run repeatedly; existing data is never destroyed.`,
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			s, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			return emit(cmd,
				map[string]string{"database": s.Path(), "status": "ready"},
				fmt.Sprintf("database ready at %s\n", s.Path()))
		},
	}
}
