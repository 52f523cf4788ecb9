package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/4thel00z/neuroatlas/internal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func NewServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: `Serve analysis, chat, history and similarity search over HTTP. The atlas is
loaded in the background; until it is, search answers 503 and the rest of
the API keeps working.`,
		RunE: makeServeRunner(a),
	}

	cmd.Flags().String("addr", "", "Listen address (defaults to server.addr)")
	cmd.Flags().Bool("watch", false, "Reload the atlas when its files change (also atlas.watch)")
	return cmd
}

func makeServeRunner(a *app) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		watch, _ := cmd.Flags().GetBool("watch")

		cfg := a.cfg
		if addr == "" {
			addr = cfg.Server.Addr
		}
		watch = watch || cfg.Atlas.Watch

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		analysis, err := a.analysis(ctx)
		if err != nil {
			return err
		}

		if err := os.MkdirAll(cfg.Server.UploadDir, 0755); err != nil {
			return fmt.Errorf("create upload dir: %w", err)
		}

		srv := internal.NewServer(cfg.Server, internal.ServerDeps{
			Analysis: analysis,
			Query:    a.query,
			Provider: a.provider,
			Blobs:    a.blobs,
		}, a.log)

		g, ctx := errgroup.WithContext(ctx)

		g.Go(func() error {
			if !a.provider.Ready(context.WithoutCancel(ctx)) {
				a.log.Warn("similarity search degraded until the atlas loads", zap.String("dir", cfg.Atlas.Dir))
			}
			return nil
		})

		g.Go(func() error {
			return srv.ListenAndServe(ctx, addr)
		})

		if watch {
			watcher := internal.NewAtlasWatcher(cfg.Atlas.Dir, a.provider, cfg.Atlas.WatchDebounce, a.log)
			g.Go(func() error {
				if err := watcher.Run(ctx); err != nil {
					a.log.Warn("atlas watcher stopped", zap.Error(err))
				}
				return nil
			})
		}

		return g.Wait()
	}
}
