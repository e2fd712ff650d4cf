package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"branch-ledger/internal/cloud"
	"branch-ledger/internal/config"
	"branch-ledger/internal/logging"
	"branch-ledger/internal/server"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newCloudCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cloud",
		Short: "Run the central ledger that branches push to",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := bootstrap(opts, config.RoleCloud)
			if err != nil {
				return err
			}
			defer e.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runCloud(ctx, e)
		},
	}
}

func runCloud(ctx context.Context, e *env) error {
	app := server.NewApp(e.cfg)
	cloud.Mount(app, e.cfg, e.db, cloud.NewLedger(e.db, logging.Component("ledger")))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("port", e.cfg.HTTPPort).Msg("cloud ledger listening")
		return app.Listen(":" + e.cfg.HTTPPort)
	})
	g.Go(func() error {
		<-ctx.Done()
		return app.ShutdownWithTimeout(shutdownTimeout)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info().Msg("cloud ledger stopped")
	return nil
}
