package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"branch-ledger/internal/audit"
	"branch-ledger/internal/config"
	"branch-ledger/internal/dashboard"
	"branch-ledger/internal/entry"
	"branch-ledger/internal/ledger"
	"branch-ledger/internal/logging"
	"branch-ledger/internal/server"
	"branch-ledger/internal/status"
	"branch-ledger/internal/syncapi"
	"branch-ledger/internal/syncer"
	"branch-ledger/internal/uploader"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

// branchNode wires the local store, the synchronizer and the status reporter.
type branchNode struct {
	repo     *ledger.Repository
	audit    *audit.Service
	reporter *status.Reporter
	sync     *syncer.Synchronizer // nil when sync is disabled
}

func newBranchNode(ctx context.Context, e *env) (*branchNode, error) {
	cfg := e.cfg
	n := &branchNode{
		repo:  ledger.NewRepository(e.db),
		audit: audit.NewService(e.db, logging.Component("audit"), audit.WithRetention(cfg.Sync.RunsRetention)),
	}

	var opts []status.Option
	if cfg.SyncEnabled() {
		opts = append(opts, status.WithState(func() string { return n.sync.State().String() }))
	}
	n.reporter = status.NewReporter(n.repo, opts...)

	if cfg.SyncEnabled() {
		up := uploader.New(uploader.Config{
			BaseURL:      cfg.CloudAPIURL,
			BranchID:     cfg.BranchID,
			APIKey:       cfg.BranchAPIKey,
			Timeout:      cfg.Sync.UploadTimeout,
			ProbeTimeout: cfg.Sync.ProbeTimeout,
		}, logging.Component("uploader"))

		n.sync = syncer.New(syncer.Config{
			Interval:          cfg.Sync.Interval,
			BatchSize:         cfg.Sync.BatchSize,
			BackoffInitial:    cfg.Sync.BackoffInitial,
			BackoffMax:        cfg.Sync.BackoffMax,
			BackoffMultiplier: cfg.Sync.BackoffMultiplier,
			CycleTimeout:      cfg.Sync.UploadTimeout + cfg.Sync.ProbeTimeout + 30*time.Second,
		}, n.repo, up, logging.Component("synchronizer"), syncer.WithRecorders(n.audit, n.reporter))
	}

	if keep := cfg.Sync.RunsRetention; keep > 0 {
		pruned, err := n.audit.Prune(ctx, time.Now().Add(-keep))
		if err != nil {
			return nil, err
		}
		if pruned > 0 {
			log.Info().Int64("runs", pruned).Msg("pruned old sync runs")
		}
	}

	last, err := n.audit.LastOnline(ctx)
	if err != nil {
		return nil, err
	}
	n.reporter.Seed(last)
	return n, nil
}

// mount registers the branch API.
func (n *branchNode) mount(app fiber.Router, cfg *config.Config) {
	app.Get(syncapi.HealthPath, status.HealthHandler(string(config.RoleLocal)))
	app.Get("/api/system/status", status.SystemStatusHandler(n.reporter))

	app.Post("/api/entries", entry.CreateEntryHandler(n.repo, cfg.BranchID))
	app.Get("/api/entries", entry.ListEntriesHandler(n.repo))
	app.Get("/api/entries/export.xlsx", entry.ExportEntriesHandler(n.repo))
	app.Get("/api/entries/:id", entry.GetEntryHandler(n.repo))

	app.Get("/api/dashboard/summary", dashboard.SummaryHandler(n.repo, cfg.BranchID))
	app.Get("/api/dashboard/cash-chart", dashboard.CashChartHandler(n.repo, cfg.BranchID))

	app.Get("/api/sync/runs", audit.ListSyncRunsHandler(n.audit))
	if n.sync != nil {
		app.Post("/api/sync", syncer.SyncNowHandler(n.sync))
		app.Post("/api/sync/retry", syncer.RetryFailedHandler(n.sync))
	} else {
		app.Post("/api/sync", syncer.DisabledHandler())
		app.Post("/api/sync/retry", syncer.DisabledHandler())
	}
}

func newLocalCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "local",
		Short: "Run the branch server and the synchronizer",
		Long: `Serve the branch API on http_port and push entries to cloud_api_url
in the background. Entries are accepted while the cloud is unreachable and
uploaded once it is back. Without cloud_api_url the server runs offline only.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := bootstrap(opts, config.RoleLocal)
			if err != nil {
				return err
			}
			defer e.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runLocal(ctx, e)
		},
	}
}

func runLocal(ctx context.Context, e *env) error {
	node, err := newBranchNode(ctx, e)
	if err != nil {
		return err
	}

	app := server.NewApp(e.cfg)
	node.mount(app, e.cfg)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("port", e.cfg.HTTPPort).Str("branch_id", e.cfg.BranchID).Msg("branch server listening")
		return app.Listen(":" + e.cfg.HTTPPort)
	})
	g.Go(func() error {
		<-ctx.Done()
		return app.ShutdownWithTimeout(shutdownTimeout)
	})
	if node.sync != nil {
		g.Go(func() error {
			return node.sync.Run(ctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info().Msg("branch server stopped")
	return nil
}
