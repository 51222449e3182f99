package cmd

import (
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mdkeeper/mdkeeper/internal/api"
	"github.com/mdkeeper/mdkeeper/internal/embed"
	"github.com/mdkeeper/mdkeeper/internal/retriever"
)

func newServeAPICmd() *cobra.Command {
	var (
		host string
		port int
	)

	cmd := &cobra.Command{
		Use:   "serve-api",
		Short: "Serve the JSON-RPC HTTP API",
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

			if host == "" {
				host = cfg.API.Host
			}
			if port == 0 {
				port = cfg.API.Port
			}

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

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, os.Interrupt)
			defer stop()

			err = api.NewServer(s, r, nil).ListenAndServe(ctx, host, port)
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "Listen host (defaults to api.host)")
	cmd.Flags().IntVar(&port, "port", 0, "Listen port (defaults to api.port)")
	return cmd
}
