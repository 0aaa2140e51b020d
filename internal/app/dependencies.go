package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront-orders/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/storefront-orders/internal/health"
	"github.com/vladislavdragonenkov/storefront-orders/internal/storage/cache"
	"github.com/vladislavdragonenkov/storefront-orders/internal/storage/memory"
	"github.com/vladislavdragonenkov/storefront-orders/internal/storage/mongodb"
	"github.com/vladislavdragonenkov/storefront-orders/internal/storage/postgres"
)

// runtimeDependencies — хранилища и проверки, выбранные по конфигурации.
type runtimeDependencies struct {
	repo         domain.OrderRepository
	outboxRepo   domain.OutboxRepository
	timelineRepo domain.TimelineRepository

	storageChecker healthcheck.Checker
	cacheChecker   healthcheck.Checker

	closers []func() error
}

// closeFn закрывает ресурсы в обратном порядке открытия.
func (d *runtimeDependencies) closeFn() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}

func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.StorageDriver))
	if driver == "" {
		driver = StorageDriverMemory
	}

	var (
		deps *runtimeDependencies
		err  error
	)
	switch driver {
	case StorageDriverMemory:
		deps = initMemoryStorage()
	case StorageDriverPostgres:
		deps, err = initPostgresStorage(ctx, cfg, logger)
	case StorageDriverMongo:
		deps, err = initMongoStorage(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(cfg.RedisAddr) != "" {
		initOrderCache(ctx, cfg, deps, logger)
	}

	logger.WithField("storage_driver", driver).Info("storage initialized")
	return deps, nil
}

func initMemoryStorage() *runtimeDependencies {
	return &runtimeDependencies{
		repo:         memory.NewOrderRepository(),
		outboxRepo:   memory.NewOutboxRepository(),
		timelineRepo: memory.NewTimelineRepository(),
	}
}

func initPostgresStorage(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	dsn := strings.TrimSpace(cfg.PostgresDSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required for postgres storage driver")
	}

	store, err := postgres.Open(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if cfg.PostgresAutoMigrate {
		if err := store.MigrateUp(ctx, 0); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("apply postgres migrations: %w", err)
		}
		logger.Info("postgres migrations applied")
	}

	return &runtimeDependencies{
		repo:           postgres.NewOrderRepository(store),
		outboxRepo:     postgres.NewOutboxRepository(store),
		timelineRepo:   postgres.NewTimelineRepository(store),
		storageChecker: healthcheck.NewSimpleChecker("postgres", store.Ping),
		closers:        []func() error{store.Close},
	}, nil
}

// initMongoStorage хранит заказы в MongoDB. Outbox и история остаются в памяти процесса.
func initMongoStorage(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	uri := strings.TrimSpace(cfg.MongoURI)
	if uri == "" {
		return nil, errors.New("mongo uri is required for mongo storage driver")
	}

	store, err := mongodb.Open(ctx, uri, cfg.MongoDatabase)
	if err != nil {
		return nil, err
	}
	if err := store.EnsureIndexes(ctx); err != nil {
		_ = store.Close(context.Background())
		return nil, err
	}
	logger.WithField("database", cfg.MongoDatabase).Warn("mongo storage keeps outbox and timeline in memory")

	return &runtimeDependencies{
		repo:           mongodb.NewOrderRepository(store),
		outboxRepo:     memory.NewOutboxRepository(),
		timelineRepo:   memory.NewTimelineRepository(),
		storageChecker: healthcheck.NewSimpleChecker("mongo", store.Ping),
		closers: []func() error{func() error {
			return store.Close(context.Background())
		}},
	}, nil
}

// initOrderCache оборачивает репозиторий заказов кэшем Redis.
// Недоступный Redis не мешает запуску: сервис работает без кэша.
func initOrderCache(ctx context.Context, cfg Config, deps *runtimeDependencies, logger *log.Entry) {
	client, err := cache.Open(ctx, cache.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		logger.WithError(err).Warn("redis is unavailable, continuing without order cache")
		return
	}

	deps.repo = cache.NewOrderRepository(deps.repo, client, cfg.RedisTTL, logger.WithField("layer", "cache"))
	deps.cacheChecker = healthcheck.NewOptionalChecker("redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
	deps.closers = append(deps.closers, client.Close)
	logger.WithField("addr", cfg.RedisAddr).Info("order cache enabled")
}
