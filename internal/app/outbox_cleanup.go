package app

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront-orders/internal/domain"
	"github.com/vladislavdragonenkov/storefront-orders/internal/service/retention"
)

// startOutboxCleanup запускает удаление старых опубликованных outbox-сообщений.
// Возвращает nil, nil если очистка выключена или хранилище её не поддерживает.
func startOutboxCleanup(ctx context.Context, cfg Config, repo domain.OutboxRepository, logger *log.Entry) (context.CancelFunc, <-chan struct{}) {
	if cfg.OutboxRetention <= 0 {
		return nil, nil
	}
	purger, ok := repo.(domain.OutboxPurger)
	if !ok {
		logger.Warn("outbox storage does not support purging, cleanup disabled")
		return nil, nil
	}

	worker := retention.NewCleanupWorker(purger,
		retention.WithLogger(logger.WithField("layer", "outbox-cleanup")),
		retention.WithRetention(cfg.OutboxRetention),
		retention.WithInterval(cfg.OutboxCleanupInterval),
		retention.WithBatchSize(cfg.OutboxBatchSize),
	)

	cleanupCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(cleanupCtx)
	}()

	logger.WithField("retention", cfg.OutboxRetention).Info("outbox cleanup worker started")
	return cancel, done
}
