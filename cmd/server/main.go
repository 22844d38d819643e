/*
main.go - Application entry point

PURPOSE:
  Starts the courier wallet server, or repairs a wallet from its ledger.
  Handles configuration, dependency injection, and graceful shutdown.

COMMANDS:
  serve    HTTP API plus the fallback reconciliation worker
  repair   Reload the ledger, rebuild the processed set, recompute the
           balance, then exit

STARTUP SEQUENCE (serve):
  1. Load config (file, then COURIER_* environment overrides)
  2. Open the key-value store (memory, sqlite or redis)
  3. Load the wallet, the delivery board and the payout book
  4. Subscribe the wallet to board changes and run one sync
  5. Start the HTTP server and the reconciliation worker

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the worker scheduler
  2. Stop accepting new connections
  3. Wait for active requests (server.shutdown_timeout)
  4. Close the store

EXAMPLES:
  ./server serve --config ./config.yaml
  COURIER_STORAGE_BACKEND=redis COURIER_STORAGE_REDIS_ADDR=localhost:6379 ./server serve
  ./server repair --config ./config.yaml

SEE ALSO:
  - config/config.go: Settings and defaults
  - api/server.go: Router configuration
  - worker/reconciler.go: Periodic reconciliation
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rotamed/courier-wallet/api"
	"github.com/rotamed/courier-wallet/config"
	"github.com/rotamed/courier-wallet/delivery"
	"github.com/rotamed/courier-wallet/logging"
	"github.com/rotamed/courier-wallet/metrics"
	"github.com/rotamed/courier-wallet/payout"
	"github.com/rotamed/courier-wallet/store/redis"
	"github.com/rotamed/courier-wallet/store/sqlite"
	"github.com/rotamed/courier-wallet/wallet"
	"github.com/rotamed/courier-wallet/wallet/store"
	"github.com/rotamed/courier-wallet/worker"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "server",
		Short:         "Courier wallet: ledger, balance and delivery earnings",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file or directory (default: ./config.yaml if present)")
	root.AddCommand(serveCmd(), repairCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// =============================================================================
// COMMANDS
// =============================================================================

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the reconciliation worker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, log)
		},
	}
}

func repairCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "repair",
		Short: "Recompute balance and processed deliveries from the ledger",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			return repair(cmd.Context(), cfg, log)
		},
	}
}

func setup() (config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	log, err := logging.New(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	if err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	log = log.With().Str("env", cfg.Environment).Logger()
	return cfg, log, nil
}

// =============================================================================
// WIRING
// =============================================================================

// backend is a wallet.Store with the lifecycle hooks the server needs.
type backend struct {
	wallet.Store
	ping  func(ctx context.Context) error
	close func() error
}

func openStore(ctx context.Context, cfg config.StorageConfig) (backend, error) {
	switch cfg.Backend {
	case "sqlite":
		s, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return backend{}, err
		}
		return backend{Store: s, ping: s.Ping, close: s.Close}, nil
	case "redis":
		s, err := redis.New(ctx, redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return backend{}, err
		}
		return backend{Store: s, ping: s.Ping, close: s.Close}, nil
	default:
		return backend{
			Store: store.NewMemory(),
			ping:  func(context.Context) error { return nil },
			close: func() error { return nil },
		}, nil
	}
}

func newWallet(ctx context.Context, cfg config.Config, s wallet.Store, log zerolog.Logger, m *metrics.Metrics) (*wallet.Wallet, error) {
	loc, err := cfg.Wallet.Location()
	if err != nil {
		return nil, err
	}
	w := wallet.New(s,
		wallet.WithLogger(logging.Component(log, "wallet")),
		wallet.WithRecorder(m),
		wallet.WithMinWithdrawal(cfg.Wallet.MinWithdrawalAmount()),
		wallet.WithWithdrawLatency(cfg.Wallet.WithdrawLatency),
		wallet.WithEarningsWindow(wallet.EarningsWindow(cfg.Wallet.EarningsWindow)),
		wallet.WithLocation(loc),
		wallet.WithNamespace(cfg.Storage.Namespace),
	)
	report, err := w.Load(ctx)
	if err != nil {
		return nil, err
	}
	if report.Skipped > 0 {
		log.Warn().Int("loaded", report.Loaded).Int("skipped", report.Skipped).Msg("ledger loaded with malformed records")
	}
	return w, nil
}

func serve(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	s, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.close(); err != nil {
			log.Error().Err(err).Msg("closing store")
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	w, err := newWallet(ctx, cfg, s, log, m)
	if err != nil {
		return err
	}

	board := delivery.NewBoard(s,
		delivery.WithLogger(logging.Component(log, "delivery")),
		delivery.WithRecorder(m),
		delivery.WithNamespace(cfg.Storage.Namespace),
	)
	if skipped, err := board.Load(ctx); err != nil {
		return err
	} else if skipped > 0 {
		log.Warn().Int("skipped", skipped).Msg("delivery board loaded with malformed orders")
	}
	board.Subscribe(w.OnDeliveriesChanged)

	book := payout.NewBook(s,
		payout.WithLogger(logging.Component(log, "payout")),
		payout.WithNamespace(cfg.Storage.Namespace),
	)
	if err := book.Load(ctx); err != nil {
		return err
	}

	// Catch up on deliveries completed while the server was down.
	if err := w.Sync(ctx, board.Snapshot()); err != nil {
		log.Error().Err(err).Msg("startup sync failed, worker will retry")
	}

	h := api.NewHandler(w, board, book, logging.Component(log, "api"))
	h.Ping = s.ping

	opts := api.RouterOptions{CorsOrigins: cfg.Server.CorsOrigins, Metrics: m}
	if cfg.Server.MetricsEnabled {
		opts.Gatherer = reg
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Worker.Enabled {
		rec := worker.New(board, w, cfg.Worker.ReconcileInterval,
			worker.WithLogger(logging.Component(log, "worker")),
			worker.WithRecorder(m),
		)
		h.Reconciler = rec
		g.Go(func() error { return rec.Run(gctx) })
	}

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      api.NewRouter(h, opts),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Str("storage", cfg.Storage.Backend).Msg("courier wallet listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info().Msg("server stopped")
	return nil
}

func repair(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	s, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer s.close()

	w, err := newWallet(ctx, cfg, s, log, nil)
	if err != nil {
		return err
	}
	report, err := w.Reset(ctx)
	if err != nil {
		return err
	}

	b := w.Balance()
	log.Info().
		Int("loaded", report.Loaded).
		Int("skipped", report.Skipped).
		Str("available", b.Available.StringFixed(2)).
		Msg("wallet repaired")
	return nil
}
