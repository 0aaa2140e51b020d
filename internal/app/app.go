package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	healthcheck "github.com/vladislavdragonenkov/storefront-orders/internal/health"
	"github.com/vladislavdragonenkov/storefront-orders/internal/metrics"
	"github.com/vladislavdragonenkov/storefront-orders/internal/service/orders"
	"github.com/vladislavdragonenkov/storefront-orders/internal/service/payment"
	"github.com/vladislavdragonenkov/storefront-orders/internal/service/reporting"
	"github.com/vladislavdragonenkov/storefront-orders/internal/transport/httpapi"
	"github.com/vladislavdragonenkov/storefront-orders/internal/version"
)

// Run поднимает хранилище, сервисы и серверы и блокируется до отмены ctx
// или фатальной ошибки одного из серверов.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")

	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := deps.closeFn(); err != nil {
			logger.WithError(err).Warn("failed to close storage")
		}
	}()

	orderMetrics := metrics.NewOrderMetrics()

	orderService := orders.NewService(deps.repo, deps.outboxRepo, deps.timelineRepo,
		orders.WithLogger(logger.WithField("layer", "orders")),
		orders.WithMetrics(orderMetrics),
		orders.WithSaveAttempts(cfg.OrderSaveAttempts),
	)
	reportingService := reporting.NewService(deps.repo, logger.WithField("layer", "reporting"))
	paymentService := payment.NewService(newPaymentGateway(cfg, logger), deps.repo, deps.outboxRepo,
		payment.WithLogger(logger.WithField("layer", "payment")),
		payment.WithMetrics(orderMetrics),
		payment.WithCurrency(cfg.PaymentCurrency),
	)

	producer := initKafkaProducer(cfg, logger)
	defer closeKafkaProducer(producer, logger)
	if producer == nil {
		limitOutboxWithoutKafka(deps.outboxRepo, outboxPendingLimitWithoutKafka, logger)
	}
	outboxCancel, outboxDone := startOutboxWorker(ctx, cfg, deps.outboxRepo, producer, logger)
	defer shutdownOutboxWorker(outboxCancel, outboxDone, logger)
	cleanupCancel, cleanupDone := startOutboxCleanup(ctx, cfg, deps.outboxRepo, logger)
	defer shutdownOutboxWorker(cleanupCancel, cleanupDone, logger.WithField("worker", "outbox-cleanup"))

	healthHandler := healthcheck.NewHandler(version.GetVersion())
	if deps.storageChecker != nil {
		healthHandler.RegisterChecker("storage", deps.storageChecker)
	}
	if deps.cacheChecker != nil {
		healthHandler.RegisterChecker("cache", deps.cacheChecker)
	}
	if cfg.OutboxStaleAfter > 0 {
		healthHandler.RegisterChecker("outbox", healthcheck.NewOutboxChecker(deps.outboxRepo, cfg.OutboxStaleAfter))
	}
	metricsSrv := startMetricsServer(ctx, cfg.MetricsAddr, logger, healthHandler)
	defer shutdownHTTP(metricsSrv, logger)

	gin.SetMode(gin.ReleaseMode)
	router := httpapi.NewRouter(
		httpapi.NewHandler(orderService, reportingService, paymentService, logger.WithField("layer", "http")),
		httpapi.RouterOptions{
			Logger:        logger.WithField("layer", "http"),
			Metrics:       orderMetrics,
			BodyLimit:     cfg.HTTPBodyLimit,
			AllowedOrigin: cfg.CORSAllowedOrigin,
		},
	)

	errCh := make(chan error, 2)
	apiSrv, err := startAPIServer(cfg.HTTPAddr, router, logger, errCh)
	if err != nil {
		return fmt.Errorf("listen http api: %w", err)
	}
	defer shutdownHTTP(apiSrv, logger)

	probe, err := startProbeServer(cfg.GRPCAddr, logger, errCh)
	if err != nil {
		return fmt.Errorf("listen grpc health: %w", err)
	}
	defer probe.stop(logger)

	select {
	case <-ctx.Done():
		logger.Info("получен сигнал остановки, останавливаем серверы")
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// newPaymentGateway выбирает Stripe при наличии ключа, иначе mock.
func newPaymentGateway(cfg Config, logger *log.Entry) payment.Gateway {
	key := strings.TrimSpace(cfg.StripeSecretKey)
	if key == "" {
		logger.Warn("stripe key is not configured, using mock payment gateway")
		return payment.NewMockGateway()
	}
	return payment.NewStripeGateway(payment.NewStripeClient(key, nil))
}
