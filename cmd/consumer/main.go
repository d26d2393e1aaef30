package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/example/qmuter-tracking/internal/config"
	"github.com/example/qmuter-tracking/internal/dispatch"
	"github.com/example/qmuter-tracking/internal/eta"
	"github.com/example/qmuter-tracking/internal/ingest"
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

	if len(cfg.KafkaBrokers) == 0 {
		logger.Fatal("KAFKA_BROKERS is required for the location consumer")
	}
	if cfg.StoreBackend == "memory" {
		logger.Warn("consumer running on the in-memory store; sessions are not shared with the api")
	}

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

	dispatchers := dispatch.Multi{}
	kp := dispatch.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaNotificationTopic)
	defer kp.Close()
	dispatchers = append(dispatchers, kp)
	if cfg.FCMEndpoint != "" {
		dispatchers = append(dispatchers, dispatch.NewFCMDispatcher(cfg.FCMEndpoint, cfg.FCMKey))
	}

	engine := tracking.NewEngine(store, store,
		tracking.WithDispatcher(dispatchers),
		tracking.WithEstimator(eta.NewEstimator(cfg.OSRMURL, cfg.ETACacheTTL, logger)),
		tracking.WithLogger(logger),
		tracking.WithRetention(cfg.RetentionWindow),
	)

	// metrics and health
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := store.Ping(r.Context()); err != nil {
				http.Error(w, "store not ready", http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", zap.String("addr", cfg.MetricsAddr))
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", zap.Error(err))
		}
	}()

	reader := ingest.NewKafkaReader(cfg.KafkaBrokers, cfg.KafkaLocationTopic, cfg.KafkaGroup)
	defer reader.Close()
	c := &ingest.Consumer{Reader: reader, Updater: engine, Logger: logger, Attempts: 3, Delay: 200 * time.Millisecond}
	logger.Info("consumer listening",
		zap.String("topic", cfg.KafkaLocationTopic),
		zap.Strings("brokers", cfg.KafkaBrokers),
		zap.String("group", cfg.KafkaGroup),
	)
	if err := c.Run(ctx); err != nil {
		logger.Error("consumer stopped", zap.Error(err))
	}
	logger.Info("shutting down consumer")
}
