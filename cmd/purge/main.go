// Command purge removes completed and cancelled tracking sessions older than
// the retention window. It runs once and exits, for use from cron.
package main

import (
	"context"
	"log"
	"time"

	"go.uber.org/zap"

	"github.com/example/qmuter-tracking/internal/config"
	"github.com/example/qmuter-tracking/internal/logging"
	"github.com/example/qmuter-tracking/internal/storage"
	"github.com/example/qmuter-tracking/internal/tracking"
)

func main() {
	cfg, err := config.LoadServerConfig(".")
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	logger, err := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger init: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	store, err := storage.Open(ctx, storage.Options{
		Kind:          cfg.StoreBackend,
		RedisAddr:     cfg.RedisAddr,
		RedisPassword: cfg.RedisPassword,
		PGDSN:         cfg.PGDSN,
		Migrate:       cfg.RunMigrations,
	})
	if err != nil {
		logger.Fatal("store init failed", zap.String("backend", cfg.StoreBackend), zap.Error(err))
	}
	defer store.Close()

	engine := tracking.NewEngine(store, store,
		tracking.WithLogger(logger),
		tracking.WithRetention(cfg.RetentionWindow),
	)
	n, err := engine.PurgeStale(ctx)
	if err != nil {
		logger.Fatal("purge failed", zap.Error(err))
	}
	logger.Info("purge complete", zap.Int("removed", n), zap.Duration("retention", cfg.RetentionWindow))
}
