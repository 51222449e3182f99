package cmd

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mdkeeper/mdkeeper/internal/config"
	"github.com/mdkeeper/mdkeeper/internal/embed"
	"github.com/mdkeeper/mdkeeper/internal/ingest"
	"github.com/mdkeeper/mdkeeper/internal/mkerrors"
	"github.com/mdkeeper/mdkeeper/internal/queue"
	"github.com/mdkeeper/mdkeeper/internal/store"
	"github.com/mdkeeper/mdkeeper/internal/watcher"
)

func newWatchCmd() *cobra.Command {
	var (
		mode       string
		interval   time.Duration
		iterations int
		duration   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Watch the configured roots and keep the index synchronized",
		Long: `Runs the full ingest pipeline: filesystem events flow through the
durable queue into the parser, embedder, and store. Without a bound it
runs until SIGTERM; --iterations or --duration make it a one-shot run.`,
		Args: exactArgs(0),
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

			return runWatch(cmd.Context(), cfg, watcher.Mode(mode), watcher.Options{
				Roots:      cfg.Watch.Roots,
				Extensions: cfg.Watch.Extensions,
				Interval:   interval,
				Iterations: iterations,
				Duration:   duration,
			})
		},
	}

	cmd.Flags().StringVar(&mode, "mode", "auto", "Watch backend: auto, notify, or polling")
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "Polling interval")
	cmd.Flags().IntVar(&iterations, "iterations", 0, "Stop after this many polling scans (0 = run until stopped)")
	cmd.Flags().DurationVar(&duration, "duration", 0, "Stop after this much time (0 = run until stopped)")
	return cmd
}

func runWatch(parent context.Context, cfg config.Config, mode watcher.Mode, opts watcher.Options) error {
	logger := slog.Default()

	s, err := store.Open(cfg.Storage.DatabasePath, store.Options{})
	if err != nil {
		return err
	}
	defer s.Close()

	embedder, err := embed.Select(parent, cfg.Embeddings, logger)
	if err != nil {
		return err
	}
	defer embedder.Close()

	idx, err := loadOrBuildIndex(parent, s, embedder.Dimensions(), logger)
	if err != nil {
		return err
	}

	ing := ingest.New(s, embedder, cfg.Metadata, logger, ingest.WithVectorIndex(idx))
	consumer := queue.New(s, ing.HandleEvent,
		time.Duration(cfg.Watch.DebounceMS)*time.Millisecond, logger)
	if err := consumer.Startup(parent); err != nil {
		return err
	}

	if err := reconcile(parent, s, cfg, logger); err != nil {
		return err
	}

	w, err := watcher.New(mode, opts)
	if err != nil {
		return err
	}
	if sp, ok := w.(watcher.SnapshotPersister); ok {
		sp.PersistSnapshots(s)
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGTERM, os.Interrupt)
	defer stop()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := w.Start(runCtx); err != nil {
		return err
	}
	defer w.Stop()

	g, gctx := errgroup.WithContext(runCtx)

	// Event producers append to the durable queue; the consumer is the
	// only path to the store's write side.
	g.Go(func() error {
		for ev := range w.Events() {
			if err := s.EnqueueEvent(gctx, ev.Path, ev.Op.String(), ""); err != nil {
				logger.Error("enqueue failed",
					slog.String("path", ev.Path), slog.String("error", err.Error()))
			}
		}
		// Bounded runs end here: drain what the scans produced, then
		// wind the pipeline down.
		if err := consumer.Drain(context.WithoutCancel(gctx)); err != nil {
			logger.Error("final drain failed", slog.String("error", err.Error()))
		}
		cancel()
		return nil
	})

	g.Go(func() error {
		for err := range w.Errors() {
			logger.Warn("watcher error", slog.String("error", err.Error()))
		}
		return nil
	})

	g.Go(func() error {
		err := consumer.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hup:
				reloaded, err := loadConfig()
				if err != nil {
					logger.Error("config reload failed", slog.String("error", err.Error()))
					continue
				}
				cfg = reloaded
				logger.Info("configuration reloaded",
					slog.Int("debounce_ms", cfg.Watch.DebounceMS),
					slog.String("note", "root and backend changes take effect on restart"))
			}
		}
	})

	runErr := g.Wait()

	if err := idx.Save(s.SidecarPath()); err != nil {
		logger.Warn("vector index save failed", slog.String("error", err.Error()))
	}
	return runErr
}

// reconcile lines the index up with the filesystem at startup: files
// on disk that are not indexed get create events, indexed paths whose
// files vanished get deletes. Everything flows through the queue so
// normal coalescing and retry semantics apply.
func reconcile(ctx context.Context, s *store.Store, cfg config.Config, logger *slog.Logger) error {
	docs, err := s.ListDocuments(ctx)
	if err != nil {
		return err
	}
	indexed := make(map[string]bool, len(docs))
	for _, doc := range docs {
		indexed[doc.Path] = true
		if _, statErr := os.Stat(doc.Path); os.IsNotExist(statErr) {
			if err := s.EnqueueEvent(ctx, doc.Path, store.EventDelete, ""); err != nil {
				return err
			}
		}
	}

	enqueued := 0
	for _, root := range cfg.Watch.Roots {
		absRoot, err := filepath.Abs(root)
		if err != nil {
			return err
		}
		walkErr := filepath.WalkDir(absRoot, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() || !cfg.Watch.MatchesExtension(path) {
				return nil
			}
			if indexed[path] {
				return nil
			}
			enqueued++
			return s.EnqueueEvent(ctx, path, store.EventCreate, "")
		})
		if walkErr != nil {
			return walkErr
		}
	}
	if enqueued > 0 {
		logger.Info("startup reconcile", slog.Int("new_files", enqueued))
	}
	return nil
}

// loadOrBuildIndex restores the ANN sidecar, rebuilding from stored
// vectors when it is absent, stale-dimensioned, or unreadable.
func loadOrBuildIndex(ctx context.Context, s *store.Store, dimensions int, logger *slog.Logger) (store.VectorIndex, error) {
	idx, err := store.LoadIndex(s.SidecarPath(), dimensions)
	if err == nil {
		logger.Info("vector index loaded",
			slog.String("path", s.SidecarPath()), slog.Int("vectors", idx.Len()))
		return idx, nil
	}
	if !mkerrors.IsNotFound(err) {
		logger.Warn("vector index unusable, rebuilding",
			slog.String("error", err.Error()))
	}

	vectors, err := s.DocumentVectors(ctx)
	if err != nil {
		return nil, err
	}
	fresh := store.NewHNSWIndex(dimensions)
	if err := fresh.Build(vectors); err != nil {
		return nil, err
	}
	logger.Info("vector index built", slog.Int("vectors", fresh.Len()))
	return fresh, nil
}
