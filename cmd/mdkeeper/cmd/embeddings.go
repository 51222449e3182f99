package cmd

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mdkeeper/mdkeeper/internal/embed"
	"github.com/mdkeeper/mdkeeper/internal/retriever"
	"github.com/mdkeeper/mdkeeper/internal/store"
)

func newEmbeddingsGenerateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "embeddings-generate",
		Short: "Regenerate all embeddings with the active backend",
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

			embedder, err := embed.Select(cmd.Context(), cfg.Embeddings, nil)
			if err != nil {
				return err
			}
			defer embedder.Close()

			count, err := s.RegenerateEmbeddings(cmd.Context(), embedder)
			if err != nil {
				return err
			}
			return emit(cmd,
				map[string]any{"documents": count, "backend": embedder.BackendID()},
				fmt.Sprintf("regenerated embeddings for %d document(s) with %s\n", count, embedder.BackendID()))
		},
	}
}

func newEmbeddingsStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "embeddings-status",
		Short: "Show embedding coverage and staleness",
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

			embedder, err := embed.Select(cmd.Context(), cfg.Embeddings, nil)
			if err != nil {
				return err
			}
			defer embedder.Close()

			cov, err := s.EmbeddingCoverage(cmd.Context(), embedder.BackendID())
			if err != nil {
				return err
			}
			return emit(cmd, cov, coverageText(cov, embedder.BackendID(), embedder.Dimensions()))
		},
	}
}

// coverageText renders the embeddings-status report.
func coverageText(cov store.Coverage, activeBackend string, dimensions int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "active backend: %s (%d dimensions)\n", activeBackend, dimensions)
	fmt.Fprintf(&b, "documents: %d/%d with vectors\n", cov.DocumentsWithVectors, cov.Documents)
	fmt.Fprintf(&b, "chunks:    %d/%d with vectors\n", cov.ChunksWithVectors, cov.Chunks)

	if len(cov.Backends) > 0 {
		names := make([]string, 0, len(cov.Backends))
		for name := range cov.Backends {
			names = append(names, name)
		}
		sort.Strings(names)
		pairs := make([]string, 0, len(names))
		for _, name := range names {
			pairs = append(pairs, fmt.Sprintf("%s: %d", name, cov.Backends[name]))
		}
		fmt.Fprintf(&b, "stored backends: %s\n", strings.Join(pairs, ", "))
	}

	if cov.StaleAgainstBackendID != "" {
		stale := 0
		for name, n := range cov.Backends {
			if name != activeBackend {
				stale += n
			}
		}
		fmt.Fprintf(&b, "stale: %d embedding(s) from %s; run embeddings-generate\n",
			stale, cov.StaleAgainstBackendID)
	}
	return b.String()
}

func newEmbeddingsEvalCmd() *cobra.Command {
	var k int

	cmd := &cobra.Command{
		Use:   "embeddings-eval <cases.json>",
		Short: "Measure retrieval quality against labeled cases",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, closeAll, err := newCLIRetriever(cmd)
			if err != nil {
				return err
			}
			defer closeAll()

			cases, err := retriever.LoadCases(args[0])
			if err != nil {
				return err
			}
			report, err := r.Evaluate(cmd.Context(), cases, k)
			if err != nil {
				return err
			}
			return emit(cmd, report, fmt.Sprintf(
				"%d case(s) at k=%d: recall@k=%.2f mrr=%.2f (%d hit(s))\n",
				report.Cases, report.K, report.RecallAtK, report.MRR, report.Hits))
		},
	}

	cmd.Flags().IntVar(&k, "k", retriever.DefaultLimit, "Result depth to evaluate at")
	return cmd
}

func newSemanticBenchmarkCmd() *cobra.Command {
	var (
		k          int
		iterations int
	)

	cmd := &cobra.Command{
		Use:   "semantic-benchmark <cases.json>",
		Short: "Measure search latency over labeled cases",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, closeAll, err := newCLIRetriever(cmd)
			if err != nil {
				return err
			}
			defer closeAll()

			cases, err := retriever.LoadCases(args[0])
			if err != nil {
				return err
			}
			report, err := r.Benchmark(cmd.Context(), cases, k, iterations)
			if err != nil {
				return err
			}
			return emit(cmd, report, fmt.Sprintf(
				"%d iteration(s) over %d quer(ies): p50=%s p95=%s\n",
				report.Iterations, report.Queries, report.P50.Round(time.Microsecond), report.P95.Round(time.Microsecond)))
		},
	}

	cmd.Flags().IntVar(&k, "k", retriever.DefaultLimit, "Result depth per query")
	cmd.Flags().IntVar(&iterations, "iterations", 10, "Rounds over the case set")
	return cmd
}
