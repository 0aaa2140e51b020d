package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront-orders/internal/app"
	"github.com/vladislavdragonenkov/storefront-orders/internal/version"
)

const (
	envHTTPAddr            = "OMS_HTTP_ADDR"
	envGRPCAddr            = "OMS_GRPC_ADDR"
	envMetricsAddr         = "OMS_METRICS_ADDR"
	envStorageDriver       = "OMS_STORAGE_DRIVER"
	envPostgresDSN         = "OMS_POSTGRES_DSN"
	envPostgresAutoMigrate = "OMS_POSTGRES_AUTO_MIGRATE"
	envMongoURI            = "OMS_MONGO_URI"
	envMongoDatabase       = "OMS_MONGO_DATABASE"
	envRedisAddr           = "OMS_REDIS_ADDR"
	envRedisPassword       = "OMS_REDIS_PASSWORD"
	envRedisDB             = "OMS_REDIS_DB"
	envRedisTTL            = "OMS_REDIS_TTL"
	envKafkaBrokers        = "OMS_KAFKA_BROKERS"
	envKafkaClientID       = "OMS_KAFKA_CLIENT_ID"
	envKafkaDLQTopic       = "OMS_KAFKA_DLQ_TOPIC"
	envOutboxPollInterval  = "OMS_OUTBOX_POLL_INTERVAL"
	envOutboxBatchSize     = "OMS_OUTBOX_BATCH_SIZE"
	envOutboxMaxAttempts   = "OMS_OUTBOX_MAX_ATTEMPTS"
	envOutboxRetryDelay    = "OMS_OUTBOX_RETRY_DELAY"
	envOutboxRetention     = "OMS_OUTBOX_RETENTION"
	envOutboxCleanup       = "OMS_OUTBOX_CLEANUP_INTERVAL"
	envOutboxStaleAfter    = "OMS_OUTBOX_STALE_AFTER"
	envStripeSecretKey     = "OMS_STRIPE_SECRET_KEY"
	envPaymentCurrency     = "OMS_PAYMENT_CURRENCY"
	envOrderSaveAttempts   = "OMS_ORDER_SAVE_ATTEMPTS"
	envHTTPBodyLimit       = "OMS_HTTP_BODY_LIMIT"
	envCORSAllowedOrigin   = "OMS_CORS_ALLOWED_ORIGIN"
	envLogLevel            = "OMS_LOG_LEVEL"
)

type envLookup func(key string) (string, bool)

// setupLogger настраивает формат и уровень логирования для сервиса.
func setupLogger(level string) error {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(log.InfoLevel)

	level = strings.TrimSpace(level)
	if level == "" {
		return nil
	}
	parsed, err := log.ParseLevel(level)
	if err != nil {
		return err
	}
	log.SetLevel(parsed)
	return nil
}

// readConfigFromEnv собирает конфигурацию из окружения.
// Некорректные значения не прерывают запуск: остаётся значение по умолчанию, а в warnings попадает причина.
func readConfigFromEnv(lookup envLookup) (app.Config, []string) {
	cfg := app.DefaultConfig()
	var warnings []string

	str := func(key string, target *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*target = strings.TrimSpace(v)
		}
	}
	warn := func(key, value string, err error) {
		warnings = append(warnings, fmt.Sprintf("%s=%q ignored: %v", key, value, err))
	}
	intVar := func(key string, target *int, valid func(int) bool, rule string) {
		if v, ok := lookup(key); ok {
			parsed, err := parseInt(v, valid, rule)
			if err != nil {
				warn(key, v, err)
				return
			}
			*target = parsed
		}
	}
	durationVar := func(key string, target *time.Duration, valid func(time.Duration) bool, rule string) {
		if v, ok := lookup(key); ok {
			parsed, err := parseDuration(v, valid, rule)
			if err != nil {
				warn(key, v, err)
				return
			}
			*target = parsed
		}
	}

	str(envHTTPAddr, &cfg.HTTPAddr)
	str(envGRPCAddr, &cfg.GRPCAddr)
	str(envMetricsAddr, &cfg.MetricsAddr)
	str(envStorageDriver, &cfg.StorageDriver)
	cfg.StorageDriver = strings.ToLower(cfg.StorageDriver)
	str(envPostgresDSN, &cfg.PostgresDSN)
	if v, ok := lookup(envPostgresAutoMigrate); ok {
		parsed, err := parseBool(v)
		if err != nil {
			warn(envPostgresAutoMigrate, v, err)
		} else {
			cfg.PostgresAutoMigrate = parsed
		}
	}
	str(envMongoURI, &cfg.MongoURI)
	str(envMongoDatabase, &cfg.MongoDatabase)

	str(envRedisAddr, &cfg.RedisAddr)
	str(envRedisPassword, &cfg.RedisPassword)
	intVar(envRedisDB, &cfg.RedisDB, func(v int) bool { return v >= 0 }, "must be >= 0")
	durationVar(envRedisTTL, &cfg.RedisTTL, func(v time.Duration) bool { return v > 0 }, "must be > 0")

	str(envKafkaBrokers, &cfg.KafkaBrokers)
	str(envKafkaClientID, &cfg.KafkaClientID)
	str(envKafkaDLQTopic, &cfg.KafkaDLQTopic)
	durationVar(envOutboxPollInterval, &cfg.OutboxPollInterval, func(v time.Duration) bool { return v > 0 }, "must be > 0")
	intVar(envOutboxBatchSize, &cfg.OutboxBatchSize, func(v int) bool { return v > 0 }, "must be > 0")
	intVar(envOutboxMaxAttempts, &cfg.OutboxMaxAttempts, func(v int) bool { return v > 0 }, "must be > 0")
	durationVar(envOutboxRetryDelay, &cfg.OutboxRetryDelay, func(v time.Duration) bool { return v >= 0 }, "must be >= 0")
	durationVar(envOutboxRetention, &cfg.OutboxRetention, func(v time.Duration) bool { return v >= 0 }, "must be >= 0")
	durationVar(envOutboxCleanup, &cfg.OutboxCleanupInterval, func(v time.Duration) bool { return v > 0 }, "must be > 0")
	durationVar(envOutboxStaleAfter, &cfg.OutboxStaleAfter, func(v time.Duration) bool { return v >= 0 }, "must be >= 0")

	str(envStripeSecretKey, &cfg.StripeSecretKey)
	str(envPaymentCurrency, &cfg.PaymentCurrency)
	cfg.PaymentCurrency = strings.ToLower(cfg.PaymentCurrency)
	intVar(envOrderSaveAttempts, &cfg.OrderSaveAttempts, func(v int) bool { return v > 0 }, "must be > 0")

	if v, ok := lookup(envHTTPBodyLimit); ok {
		parsed, err := parseInt(v, func(v int) bool { return v > 0 }, "must be > 0")
		if err != nil {
			warn(envHTTPBodyLimit, v, err)
		} else {
			cfg.HTTPBodyLimit = int64(parsed)
		}
	}
	str(envCORSAllowedOrigin, &cfg.CORSAllowedOrigin)

	return cfg, warnings
}

func parseBool(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "y", "on":
		return true, nil
	case "0", "false", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid bool value %q", raw)
	}
}

func parseInt(raw string, valid func(int) bool, rule string) (int, error) {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	if !valid(value) {
		return 0, errors.New(rule)
	}
	return value, nil
}

func parseDuration(raw string, valid func(time.Duration) bool, rule string) (time.Duration, error) {
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	if !valid(value) {
		return 0, errors.New(rule)
	}
	return value, nil
}

func main() {
	if err := setupLogger(os.Getenv(envLogLevel)); err != nil {
		log.WithError(err).Warn("invalid log level, using info")
	}
	cfg, warnings := readConfigFromEnv(os.LookupEnv)
	for _, warning := range warnings {
		log.Warn(warning)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(log.Fields{
		"version":        version.GetVersion(),
		"http_addr":      cfg.HTTPAddr,
		"grpc_addr":      cfg.GRPCAddr,
		"metrics_addr":   cfg.MetricsAddr,
		"storage_driver": cfg.StorageDriver,
		"order_cache":    cfg.RedisAddr != "",
		"kafka":          cfg.KafkaBrokers != "",
		"stripe":         cfg.StripeSecretKey != "",
	}).Info("запускаем storefront order service")

	if err := app.Run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("приложение завершилось с ошибкой")
	}

	log.Info("storefront order service остановлен")
}
