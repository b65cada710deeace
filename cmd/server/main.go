package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/tunglvm/store-server/internal/blobstore"
	"github.com/tunglvm/store-server/internal/callbacks"
	"github.com/tunglvm/store-server/internal/catalog"
	"github.com/tunglvm/store-server/internal/config"
	"github.com/tunglvm/store-server/internal/download"
	"github.com/tunglvm/store-server/internal/fulfillment"
	"github.com/tunglvm/store-server/internal/httpserver"
	"github.com/tunglvm/store-server/internal/lifecycle"
	"github.com/tunglvm/store-server/internal/logger"
	"github.com/tunglvm/store-server/internal/metrics"
	"github.com/tunglvm/store-server/internal/payments"
	"github.com/tunglvm/store-server/internal/reconcile"
	"github.com/tunglvm/store-server/internal/storage"

	"github.com/prometheus/client_golang/prometheus"
)

const version = "1.2.0"

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	// Local development convenience; missing .env is fine.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic("load config: " + err.Error())
	}

	log := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Service:     "store-server",
		Version:     version,
		Environment: cfg.Logging.Environment,
	})

	lc := lifecycle.NewManager(log)
	m := metrics.New(prometheus.DefaultRegisterer)

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		log.Fatal().Err(err).Msg("Storage init failed")
	}
	lc.RegisterCloser("storage", store.Close)

	repo, err := catalog.NewRepository(cfg.Catalog)
	if err != nil {
		log.Fatal().Err(err).Msg("Catalog init failed")
	}
	lc.RegisterCloser("catalog", repo.Close)

	blobs, err := blobstore.NewClient(cfg.Blobstore)
	if err != nil {
		log.Fatal().Err(err).Msg("Blobstore init failed")
	}
	lc.RegisterCloser("blobstore", blobs.Close)

	paymentsSvc := payments.NewService(store, repo, cfg.Bank, cfg.Payments.CheckoutTTL.Duration, m)
	fulfillmentSvc := fulfillment.NewService(store, repo, cfg.Downloads, m)
	notifier := callbacks.NewNotifier(cfg.Callbacks, m)
	parser := reconcile.NewMemoParser(cfg.Bank.MemoPrefix)
	reconcileSvc := reconcile.NewService(store, fulfillmentSvc, notifier, parser, m)
	downloadSvc := download.NewService(store, repo, blobs, m)

	server := httpserver.New(httpserver.Deps{
		Config:      cfg,
		Log:         log,
		Payments:    paymentsSvc,
		Reconcile:   reconcileSvc,
		Fulfillment: fulfillmentSvc,
		Download:    downloadSvc,
		Store:       store,
		Catalog:     repo,
		Blobs:       blobs,
		Metrics:     m,
	})

	sweepCtx, stopSweep := context.WithCancel(logger.WithContext(context.Background(), log))
	go paymentsSvc.RunSweeper(sweepCtx, cfg.Payments.SweepInterval.Duration)
	lc.Register("payment-sweeper", func(context.Context) error {
		stopSweep()
		return nil
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-stop:
		log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("HTTP shutdown incomplete")
	}
	lc.Shutdown(ctx)
	log.Info().Msg("Shutdown complete")
}
