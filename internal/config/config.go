package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig captures all tunable parameters for the tracking processes.
// Values come from the environment, optionally seeded by a .env file, with
// defaults that let the binaries run locally on the in-memory store.
type ServerConfig struct {
	Environment string
	LogLevel    string

	HTTPAddr        string
	MetricsAddr     string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	StoreBackend  string
	RedisAddr     string
	RedisPassword string
	PGDSN         string
	RunMigrations bool

	KafkaBrokers           []string
	KafkaLocationTopic     string
	KafkaNotificationTopic string
	KafkaGroup             string

	OSRMURL     string
	ETACacheTTL time.Duration

	FCMEndpoint string
	FCMKey      string

	RetentionWindow time.Duration
}

var defaults = map[string]string{
	"APP_ENV":                  "development",
	"LOG_LEVEL":                "info",
	"HTTP_ADDR":                ":8080",
	"METRICS_ADDR":             ":2112",
	"HTTP_READ_TIMEOUT":        "5s",
	"HTTP_WRITE_TIMEOUT":       "10s",
	"HTTP_IDLE_TIMEOUT":        "120s",
	"HTTP_SHUTDOWN_TIMEOUT":    "15s",
	"STORE_BACKEND":            "memory",
	"KAFKA_LOCATION_TOPIC":     "trip-locations",
	"KAFKA_NOTIFICATION_TOPIC": "trip-notifications",
	"KAFKA_GROUP":              "qmuter-tracking-consumer",
	"ETA_CACHE_TTL":            "30s",
	"RETENTION_WINDOW":         "24h",
}

// LoadServerConfig reads configuration from the environment and an optional
// .env file in dir. Every invalid value is reported, not just the first.
func LoadServerConfig(dir string) (ServerConfig, error) {
	v := viper.New()
	v.AutomaticEnv()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	if dir != "" {
		path := filepath.Join(dir, ".env")
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			v.SetConfigType("env")
			if err := v.ReadInConfig(); err != nil {
				return ServerConfig{}, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	var errs []error
	cfg := ServerConfig{
		Environment:            strings.ToLower(str(v, "APP_ENV")),
		LogLevel:               strings.ToLower(str(v, "LOG_LEVEL")),
		HTTPAddr:               str(v, "HTTP_ADDR"),
		MetricsAddr:            str(v, "METRICS_ADDR"),
		ReadTimeout:            duration(v, "HTTP_READ_TIMEOUT", &errs),
		WriteTimeout:           duration(v, "HTTP_WRITE_TIMEOUT", &errs),
		IdleTimeout:            duration(v, "HTTP_IDLE_TIMEOUT", &errs),
		ShutdownTimeout:        duration(v, "HTTP_SHUTDOWN_TIMEOUT", &errs),
		StoreBackend:           strings.ToLower(str(v, "STORE_BACKEND")),
		RedisAddr:              str(v, "REDIS_ADDR"),
		RedisPassword:          v.GetString("REDIS_PASSWORD"),
		PGDSN:                  str(v, "PG_DSN"),
		RunMigrations:          boolean(v, "MIGRATE", &errs),
		KafkaBrokers:           splitAndTrim(v.GetString("KAFKA_BROKERS")),
		KafkaLocationTopic:     str(v, "KAFKA_LOCATION_TOPIC"),
		KafkaNotificationTopic: str(v, "KAFKA_NOTIFICATION_TOPIC"),
		KafkaGroup:             str(v, "KAFKA_GROUP"),
		OSRMURL:                strings.TrimRight(str(v, "OSRM_URL"), "/"),
		ETACacheTTL:            duration(v, "ETA_CACHE_TTL", &errs),
		FCMEndpoint:            str(v, "FCM_ENDPOINT"),
		FCMKey:                 v.GetString("FCM_KEY"),
		RetentionWindow:        duration(v, "RETENTION_WINDOW", &errs),
	}

	switch cfg.StoreBackend {
	case "memory":
	case "redis":
		if cfg.RedisAddr == "" {
			errs = append(errs, fmt.Errorf("REDIS_ADDR is required when STORE_BACKEND=redis"))
		}
	case "postgres":
		if cfg.PGDSN == "" {
			errs = append(errs, fmt.Errorf("PG_DSN is required when STORE_BACKEND=postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend))
	}
	if cfg.RetentionWindow <= 0 {
		errs = append(errs, fmt.Errorf("RETENTION_WINDOW must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

func str(v *viper.Viper, key string) string { return strings.TrimSpace(v.GetString(key)) }

func duration(v *viper.Viper, key string, errs *[]error) time.Duration {
	raw := str(v, key)
	if raw == "" {
		return 0
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
		return 0
	}
	return d
}

func boolean(v *viper.Viper, key string, errs *[]error) bool {
	raw := str(v, key)
	if raw == "" {
		return false
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
		return false
	}
	return b
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
