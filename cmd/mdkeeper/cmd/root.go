// Package cmd provides the CLI commands for mdkeeper.
package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mdkeeper/mdkeeper/internal/config"
	"github.com/mdkeeper/mdkeeper/internal/embed"
	"github.com/mdkeeper/mdkeeper/internal/logging"
	"github.com/mdkeeper/mdkeeper/internal/retriever"
	"github.com/mdkeeper/mdkeeper/internal/store"
)

// Exit codes: 0 success, 1 failure or policy violation, 2 usage error.
const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

// usageError marks argument and flag mistakes so Execute can exit 2.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }

// policyError marks successful runs whose findings demand a nonzero
// exit, like broken links.
type policyError struct{ msg string }

func (e policyError) Error() string { return e.msg }

// Global flags, shared by every subcommand.
var (
	flagConfig string
	flagDBPath string
	flagFormat string
)

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	root := NewRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		var usage usageError
		if errors.As(err, &usage) {
			return exitUsage
		}
		return exitError
	}
	return exitOK
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mdkeeper",
		Short: "Background Markdown indexing and hybrid retrieval",
		Long: `MarkdownKeeper keeps a queryable index of a Markdown tree
continuously synchronized with the filesystem and answers hybrid
semantic/lexical queries over a CLI and a JSON-RPC HTTP API.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Path to markdownkeeper.toml")
	cmd.PersistentFlags().StringVar(&flagDBPath, "db-path", "", "Override storage.database_path")
	cmd.PersistentFlags().StringVar(&flagFormat, "format", "text", "Output format: text or json")

	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err}
	})

	cmd.AddCommand(newInitDBCmd())
	cmd.AddCommand(newShowConfigCmd())
	cmd.AddCommand(newScanFileCmd())
	cmd.AddCommand(newQueryCmd())
	cmd.AddCommand(newGetDocCmd())
	cmd.AddCommand(newFindConceptCmd())
	cmd.AddCommand(newCheckLinksCmd())
	cmd.AddCommand(newBuildIndexCmd())
	cmd.AddCommand(newWatchCmd())
	cmd.AddCommand(newServeAPICmd())
	cmd.AddCommand(newStatsCmd())
	cmd.AddCommand(newReportCmd())
	cmd.AddCommand(newEmbeddingsGenerateCmd())
	cmd.AddCommand(newEmbeddingsStatusCmd())
	cmd.AddCommand(newEmbeddingsEvalCmd())
	cmd.AddCommand(newSemanticBenchmarkCmd())
	cmd.AddCommand(newDaemonCmd())
	cmd.AddCommand(newInstallUnitsCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// exactArgs is cobra.ExactArgs with the usage exit code.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return usageError{fmt.Errorf("%q requires exactly %d argument(s), got %d", cmd.Name(), n, len(args))}
		}
		return nil
	}
}

// loadConfig resolves the effective configuration from the flags.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return config.Config{}, err
	}
	if flagDBPath != "" {
		cfg.Storage.DatabasePath = flagDBPath
	}
	return cfg, nil
}

// setupLogging installs the process logger per config. Interactive
// commands log to stderr so stdout stays parseable.
func setupLogging(cfg config.Config) (func(), error) {
	_, cleanup, err := logging.Setup(logging.Config{
		Level:    cfg.Logging.Level,
		FilePath: cfg.Logging.FilePath,
		Stderr:   true,
	})
	return cleanup, err
}

func openStore(cfg config.Config) (*store.Store, error) {
	return store.Open(cfg.Storage.DatabasePath, store.Options{})
}

func openReadStore(cfg config.Config) (*store.Store, error) {
	return store.Open(cfg.Storage.DatabasePath, store.Options{ReadOnly: true})
}

// newCLIRetriever wires a Retriever over the configured store and
// embedder. The returned cleanup closes both.
func newCLIRetriever(cmd *cobra.Command) (*retriever.Retriever, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	s, err := openStore(cfg)
	if err != nil {
		return nil, nil, err
	}
	embedder, err := embed.Select(cmd.Context(), cfg.Embeddings, nil)
	if err != nil {
		s.Close()
		return nil, nil, err
	}
	r := retriever.New(s, embedder, nil,
		retriever.WithCache(cfg.Cache.Enabled, time.Duration(cfg.Cache.TTLSeconds)*time.Second))
	return r, func() {
		embedder.Close()
		s.Close()
	}, nil
}

// emit prints v as indented JSON when --format json is set, otherwise
// the rendered text.
func emit(cmd *cobra.Command, v any, text string) error {
	switch flagFormat {
	case "json":
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "text", "":
		fmt.Fprint(cmd.OutOrStdout(), text)
		return nil
	default:
		return usageError{fmt.Errorf("unknown format %q (want text or json)", flagFormat)}
	}
}
