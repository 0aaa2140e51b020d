package app

import (
	"context"
	"errors"
	"strings"
	"testing"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront-orders/internal/storage/cache"
)

func TestInitRuntimeDependencies_Memory(t *testing.T) {
	t.Parallel()

	deps, err := initRuntimeDependencies(context.Background(), Config{
		StorageDriver: StorageDriverMemory,
	}, log.WithField("test", "memory-storage"))
	if err != nil {
		t.Fatalf("initRuntimeDependencies(memory) failed: %v", err)
	}
	if deps.repo == nil {
		t.Fatal("repo should not be nil for memory storage")
	}
	if deps.outboxRepo == nil {
		t.Fatal("outboxRepo should not be nil for memory storage")
	}
	if deps.timelineRepo == nil {
		t.Fatal("timelineRepo should not be nil for memory storage")
	}
	if deps.storageChecker != nil {
		t.Fatal("memory storage has nothing to check")
	}
	if err := deps.closeFn(); err != nil {
		t.Fatalf("closeFn returned error: %v", err)
	}
}

func TestInitRuntimeDependencies_EmptyDriverDefaultsToMemory(t *testing.T) {
	t.Parallel()

	deps, err := initRuntimeDependencies(context.Background(), Config{}, log.WithField("test", "empty-driver"))
	if err != nil {
		t.Fatalf("initRuntimeDependencies(empty) failed: %v", err)
	}
	if deps.repo == nil {
		t.Fatal("repo should not be nil")
	}
}

func TestInitRuntimeDependencies_RequiresConnectionSettings(t *testing.T) {
	t.Parallel()

	for _, driver := range []string{StorageDriverPostgres, StorageDriverMongo} {
		_, err := initRuntimeDependencies(context.Background(), Config{
			StorageDriver: driver,
		}, log.WithField("test", "missing-dsn"))
		if err == nil {
			t.Fatalf("expected error when %s driver is selected without connection settings", driver)
		}
	}
}

func TestInitRuntimeDependencies_UnsupportedDriver(t *testing.T) {
	t.Parallel()

	_, err := initRuntimeDependencies(context.Background(), Config{
		StorageDriver: "sqlite",
	}, log.WithField("test", "unsupported-driver"))
	if err == nil || !strings.Contains(err.Error(), "unsupported storage driver") {
		t.Fatalf("expected unsupported storage driver error, got %v", err)
	}
}

func TestInitRuntimeDependencies_UnavailableRedisKeepsPlainRepository(t *testing.T) {
	t.Parallel()

	deps, err := initRuntimeDependencies(context.Background(), Config{
		StorageDriver: StorageDriverMemory,
		RedisAddr:     "127.0.0.1:1",
	}, log.WithField("test", "redis-down"))
	if err != nil {
		t.Fatalf("unavailable redis must not fail startup: %v", err)
	}
	if _, cached := deps.repo.(*cache.OrderRepository); cached {
		t.Fatal("order cache must stay disabled when redis is unavailable")
	}
	if deps.cacheChecker != nil {
		t.Fatal("cache checker must not be registered without redis")
	}
}

func TestRuntimeDependencies_CloseFnOrder(t *testing.T) {
	var calls []string
	deps := &runtimeDependencies{closers: []func() error{
		func() error { calls = append(calls, "storage"); return errors.New("storage close failed") },
		func() error { calls = append(calls, "cache"); return nil },
	}}

	err := deps.closeFn()
	if err == nil || !strings.Contains(err.Error(), "storage close failed") {
		t.Fatalf("expected joined close error, got %v", err)
	}
	if strings.Join(calls, ",") != "cache,storage" {
		t.Fatalf("expected reverse close order, got %v", calls)
	}
	if err := deps.closeFn(); err != nil {
		t.Fatalf("second closeFn must be a no-op, got %v", err)
	}
}
