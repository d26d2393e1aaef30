package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/example/qmuter-tracking/internal/config"
	"github.com/example/qmuter-tracking/internal/dispatch"
	"github.com/example/qmuter-tracking/internal/eta"
	httpapi "github.com/example/qmuter-tracking/internal/http"
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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

	wsreg := dispatch.NewWSRegistry()
	dispatchers := dispatch.Multi{wsreg}
	if len(cfg.KafkaBrokers) > 0 {
		kp := dispatch.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaNotificationTopic)
		defer kp.Close()
		dispatchers = append(dispatchers, kp)
	}
	if cfg.FCMEndpoint != "" {
		dispatchers = append(dispatchers, dispatch.NewFCMDispatcher(cfg.FCMEndpoint, cfg.FCMKey))
	}

	engine := tracking.NewEngine(store, store,
		tracking.WithDispatcher(dispatchers),
		tracking.WithEstimator(eta.NewEstimator(cfg.OSRMURL, cfg.ETACacheTTL, logger)),
		tracking.WithLogger(logger),
		tracking.WithRetention(cfg.RetentionWindow),
	)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(engine, wsreg, store, logger),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		logger.Info("live tracking api listening",
			zap.String("addr", cfg.HTTPAddr),
			zap.String("backend", cfg.StoreBackend),
			zap.Int("dispatchers", len(dispatchers)),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}
