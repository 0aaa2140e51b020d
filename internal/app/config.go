package app

import "time"

// Поддерживаемые хранилища заказов.
const (
	StorageDriverMemory   = "memory"
	StorageDriverPostgres = "postgres"
	StorageDriverMongo    = "mongo"
)

// Config описывает настройки запуска приложения.
type Config struct {
	HTTPAddr    string
	GRPCAddr    string
	MetricsAddr string

	StorageDriver       string
	PostgresDSN         string
	PostgresAutoMigrate bool
	MongoURI            string
	MongoDatabase       string

	// RedisAddr включает кэш чтения заказов. Пустое значение отключает кэш.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTTL      time.Duration

	// KafkaBrokers — список через запятую. Пустое значение отключает outbox worker.
	KafkaBrokers  string
	KafkaClientID string
	KafkaDLQTopic string

	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxMaxAttempts  int
	OutboxRetryDelay   time.Duration

	// OutboxRetention — сколько хранить опубликованные сообщения. Ноль отключает очистку.
	OutboxRetention       time.Duration
	OutboxCleanupInterval time.Duration
	// OutboxStaleAfter — возраст самого старого pending-события, после которого
	// readiness помечает outbox как degraded. Ноль отключает проверку.
	OutboxStaleAfter time.Duration

	// StripeSecretKey включает настоящий платёжный шлюз. Пустое значение — mock.
	StripeSecretKey string
	PaymentCurrency string

	OrderSaveAttempts int
	HTTPBodyLimit     int64
	CORSAllowedOrigin string
}

// DefaultConfig возвращает конфигурацию для локального запуска без внешних зависимостей.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:              ":8080",
		GRPCAddr:              ":50051",
		MetricsAddr:           ":9090",
		StorageDriver:         StorageDriverMemory,
		PostgresAutoMigrate:   true,
		MongoDatabase:         "storefront",
		RedisTTL:              5 * time.Minute,
		KafkaClientID:         "storefront-orders",
		KafkaDLQTopic:         "storefront.dlq",
		OutboxPollInterval:    time.Second,
		OutboxBatchSize:       100,
		OutboxMaxAttempts:     3,
		OutboxRetryDelay:      100 * time.Millisecond,
		OutboxRetention:       24 * time.Hour,
		OutboxCleanupInterval: 10 * time.Minute,
		OutboxStaleAfter:      5 * time.Minute,
		PaymentCurrency:       "usd",
		OrderSaveAttempts:     3,
		HTTPBodyLimit:         3 << 20,
		CORSAllowedOrigin:     "*",
	}
}
