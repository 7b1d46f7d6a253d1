package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/uholabs/uho/internal/backfill"
	"github.com/uholabs/uho/internal/db"
	"github.com/uholabs/uho/internal/fanout"
	"github.com/uholabs/uho/internal/idl"
	"github.com/uholabs/uho/internal/metrics"
	"github.com/uholabs/uho/internal/query"
	"github.com/uholabs/uho/internal/server"
	"github.com/uholabs/uho/internal/solana"
	"github.com/uholabs/uho/internal/store"
	"github.com/uholabs/uho/internal/supervisor"
	"github.com/uholabs/uho/internal/tui"
	"github.com/uholabs/uho/internal/webhook"
	"github.com/uholabs/uho/internal/writer"
)

var (
	servePort int
	serveTUI  bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the indexer: API server, pipelines, backfills, webhooks",
	Long: `Serve starts the full indexer. It reconciles pipelines against the
active subscriptions in the control plane, exposes the REST and
WebSocket API, runs backfill jobs and dispatches webhooks.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if servePort > 0 {
			cfg.Server.Port = servePort
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		collector := metrics.NewCollector(logger)
		defer collector.Close()

		if serveTUI {
			// Route logs into the dashboard instead of stderr behind
			// the alt screen.
			logger = zerolog.New(metrics.NewLogWriter(collector)).
				With().Timestamp().Logger().Level(logger.GetLevel())
		}

		prom := metrics.NewProm()
		collector.SetProm(prom)

		database, err := db.Open(ctx, cfg.Database.URL, logger)
		if err != nil {
			return err
		}
		defer database.Close()

		st := store.New(database.Pool)

		client := solana.New(cfg.RPC.Endpoint, cfg.RPC.Commitment, logger)
		client.Prom = prom

		bus := fanout.New(logger)
		collector.SetBus(bus)

		sink := writer.New(database, bus, logger)

		dispatcher := webhook.NewDispatcher(st, logger)
		dispatcher.RequireHTTPS = cfg.Webhook.RequireHTTPS
		dispatcher.Prom = prom

		backfills := backfill.NewManager(st, collector, func(job store.BackfillJob) (backfill.Runner, error) {
			sub, ok, err := st.GetSubscription(context.Background(), job.SubscriptionID)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, fmt.Errorf("subscription %s not found", job.SubscriptionID)
			}
			desc, err := idl.Parse(sub.IDL, sub.ProgramID)
			if err != nil {
				return nil, fmt.Errorf("parse stored IDL: %w", err)
			}
			return &backfill.Walker{
				Namespace:   db.TenantNamespace(sub.TenantID),
				Descriptor:  desc,
				Subscribers: []string{sub.TenantID},
				PageSize:    cfg.Poller.PageSize,
				Client:      client,
				Sink:        sink,
				Decoders:    supervisor.Decoders(sub, logger),
				Logger:      logger,
			}, nil
		}, logger)
		defer backfills.Shutdown()

		sup := supervisor.New(supervisor.Config{
			PollInterval: cfg.Poller.Interval,
			PageSize:     cfg.Poller.PageSize,
			KeepTxLogs:   cfg.Poller.KeepTxLogs,
		}, database, st, client, sink, bus, dispatcher, collector, logger)

		persister, err := metrics.NewStatePersister(collector, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("state file disabled")
		} else {
			persister.Start()
			defer persister.Stop()
		}

		h := server.NewHandlers(st, sup, backfills, query.NewEngine(database), client, bus, collector, logger)
		srv := server.New(h, collector, prom, logger)
		srv.StartBackground(ctx, cfg.Server.Port)

		if serveTUI {
			errCh := make(chan error, 1)
			go func() { errCh <- sup.Run(ctx) }()

			if err := tui.Run(collector); err != nil {
				return err
			}
			stop() // quitting the dashboard shuts the indexer down
			return <-errCh
		}

		return sup.Run(ctx)
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "HTTP server port (overrides UHO_PORT)")
	serveCmd.Flags().BoolVar(&serveTUI, "tui", false, "Show terminal dashboard while serving")
	rootCmd.AddCommand(serveCmd)
}
