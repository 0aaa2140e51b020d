package app

import (
	"context"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront-orders/internal/domain"
	"github.com/vladislavdragonenkov/storefront-orders/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/storefront-orders/internal/service/outbox"
)

// splitBrokers разбирает список брокеров через запятую, пропуская пустые элементы.
func splitBrokers(brokers string) []string {
	var out []string
	for _, broker := range strings.Split(brokers, ",") {
		if broker = strings.TrimSpace(broker); broker != "" {
			out = append(out, broker)
		}
	}
	return out
}

// outboxPendingLimitWithoutKafka ограничивает in-memory outbox, когда события некому публиковать.
const outboxPendingLimitWithoutKafka = 10000

// initKafkaProducer инициализирует Kafka producer, если заданы брокеры.
// Возвращает nil при пустом списке брокеров и при ошибке подключения (ошибка пишется в лог).
func initKafkaProducer(cfg Config, logger *log.Entry) *kafka.Producer {
	brokers := splitBrokers(cfg.KafkaBrokers)
	if len(brokers) == 0 {
		return nil
	}

	producer, err := kafka.NewProducer(kafka.ProducerConfig{
		Brokers:  brokers,
		ClientID: cfg.KafkaClientID,
	}, logger.WithField("layer", "kafka"))
	if err != nil {
		logger.WithError(err).Warn("failed to create kafka producer, continuing without kafka")
		return nil
	}

	logger.WithField("brokers", brokers).Info("kafka producer initialized")
	return producer
}

// pendingLimiter реализуют хранилища outbox, живущие в памяти процесса.
type pendingLimiter interface {
	LimitPending(n int)
}

// limitOutboxWithoutKafka не даёт in-memory outbox расти без ограничений, пока нет паблишера.
// Outbox в PostgreSQL не ограничивается: backlog уйдёт в Kafka после её подключения.
func limitOutboxWithoutKafka(repo domain.OutboxRepository, limit int, logger *log.Entry) bool {
	limiter, ok := repo.(pendingLimiter)
	if !ok || limit <= 0 {
		return false
	}
	limiter.LimitPending(limit)
	logger.WithField("pending_limit", limit).Warn("kafka is not configured, in-memory outbox keeps only the newest events")
	return true
}

// closeKafkaProducer закрывает Kafka producer, если он не nil.
func closeKafkaProducer(producer *kafka.Producer, logger *log.Entry) {
	if producer == nil {
		return
	}

	if err := producer.Close(); err != nil {
		logger.WithError(err).Warn("failed to close kafka producer")
	} else {
		logger.Info("kafka producer closed")
	}
}

// startOutboxWorker запускает публикацию outbox в Kafka.
// Без producer worker не запускается, см. limitOutboxWithoutKafka.
func startOutboxWorker(
	ctx context.Context,
	cfg Config,
	repo domain.OutboxRepository,
	producer *kafka.Producer,
	logger *log.Entry,
) (context.CancelFunc, <-chan struct{}) {
	if producer == nil {
		logger.Warn("kafka is not configured, outbox worker is disabled")
		return nil, nil
	}

	worker := outbox.NewWorker(
		repo,
		kafka.NewOutboxPublisher(producer, ""),
		outbox.WithLogger(logger.WithField("layer", "outbox")),
		outbox.WithDLQPublisher(kafka.NewDLQPublisher(producer, cfg.KafkaDLQTopic)),
		outbox.WithPollInterval(cfg.OutboxPollInterval),
		outbox.WithBatchSize(cfg.OutboxBatchSize),
		outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
		outbox.WithRetryBaseDelay(cfg.OutboxRetryDelay),
	)

	workerCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(workerCtx)
	}()
	return cancel, done
}

// shutdownOutboxWorker останавливает worker и ждёт завершения текущего цикла.
func shutdownOutboxWorker(cancel context.CancelFunc, done <-chan struct{}, logger *log.Entry) {
	if cancel == nil {
		return
	}
	cancel()
	if done != nil {
		<-done
	}
	logger.Info("outbox worker stopped")
}
