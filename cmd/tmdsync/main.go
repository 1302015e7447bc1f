package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/joho/godotenv"

	"tmdsync/internal/config"
	"tmdsync/internal/logging"
	"tmdsync/internal/store"
	"tmdsync/internal/syncer"
	"tmdsync/internal/tmd"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file loaded: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := logging.New(cfg.AppEnv, cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := store.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to database", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	client := tmd.NewClient(cfg.StationURL, cfg.WeatherURL, cfg.APITimeout, logger)
	mapper := tmd.NewMapper(logger)

	var opts []syncer.Option
	if cfg.UnmatchedPolicy == "error" {
		opts = append(opts, syncer.WithUnmatchedPolicy(syncer.ReportUnmatched))
	}
	s := syncer.New(client, mapper, storeAdapter{db}, logger, opts...)

	if cfg.SyncInterval <= 0 {
		if runOnce(ctx, s, logger) != nil {
			os.Exit(1)
		}
		return
	}

	sched := gocron.NewScheduler(time.UTC)
	if _, err := sched.Every(cfg.SyncInterval).Do(func() {
		_ = runOnce(ctx, s, logger)
	}); err != nil {
		logger.Error("failed to schedule sync job", "err", err)
		os.Exit(1)
	}
	sched.StartAsync()
	logger.Info("sync scheduler started", "interval", cfg.SyncInterval)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	sched.Stop()
	cancel()
	logger.Info("sync scheduler stopped")
}

func runOnce(ctx context.Context, s *syncer.Syncer, logger *slog.Logger) error {
	res, err := s.Run(ctx)
	for _, e := range res.Errors {
		logger.Warn("sync error", "detail", e)
	}
	logger.Info("sync result",
		"state", res.State,
		"stations_synced", res.StationsSynced,
		"observations_inserted", res.ObservationsInserted,
		"observations_dropped", res.ObservationsDropped,
	)
	return err
}

// storeAdapter narrows *store.Store to the syncer's Store interface; the
// concrete Begin returns *store.Tx rather than the interface type.
type storeAdapter struct {
	*store.Store
}

func (a storeAdapter) Begin(ctx context.Context) (syncer.UnitOfWork, error) {
	return a.Store.Begin(ctx)
}
