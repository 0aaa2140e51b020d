package cache

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/storefront-orders/internal/domain"
	"github.com/vladislavdragonenkov/storefront-orders/internal/storage/memory"
)

// countingRepository считает обращения к Get нижележащего хранилища.
type countingRepository struct {
	domain.OrderRepository
	gets int
}

func (r *countingRepository) Get(ctx context.Context, id string) (domain.Order, error) {
	r.gets++
	return r.OrderRepository.Get(ctx, id)
}

// pausingRepository останавливает первое чтение после загрузки заказа из хранилища.
type pausingRepository struct {
	domain.OrderRepository
	loaded  chan struct{}
	release chan struct{}
	paused  bool
}

func (r *pausingRepository) Get(ctx context.Context, id string) (domain.Order, error) {
	order, err := r.OrderRepository.Get(ctx, id)
	if !r.paused {
		r.paused = true
		close(r.loaded)
		<-r.release
	}
	return order, err
}

func newMiniredisClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return server, client
}

func quietLogger() *log.Entry {
	logger := log.New()
	logger.SetOutput(io.Discard)
	return logger.WithField("component", "order-cache-test")
}

func cachedOrder(id string) domain.Order {
	now := time.Now().UTC()
	return domain.Order{
		ID:      id,
		UserRef: "user-1",
		Lines: []domain.PriceLine{{
			InventoryRef: "sku-1",
			Quantity:     2,
			UnitPrice:    decimal.RequireFromString("4.5"),
			LineTotal:    decimal.RequireFromString("9"),
		}},
		OverallTotal: decimal.RequireFromString("9"),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestOrderRepository_FallsBackWhenRedisIsDown(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = client.Close() })

	backing := &countingRepository{OrderRepository: memory.NewOrderRepository()}
	repo := NewOrderRepository(backing, client, time.Minute, quietLogger())
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, cachedOrder("o-1")))

	got, err := repo.Get(ctx, "o-1")
	require.NoError(t, err)
	require.Equal(t, "o-1", got.ID)

	got.IsPaid = true
	require.NoError(t, repo.Save(ctx, got))

	_, err = repo.Get(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrOrderNotFound)
	require.Equal(t, 2, backing.gets)
}

func TestOrderRepository_ReadThroughAndInvalidate(t *testing.T) {
	addr := os.Getenv("OMS_REDIS_TEST_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client, err := Open(context.Background(), Options{Addr: addr, DB: 15})
	if err != nil {
		t.Skipf("redis is not available: %v", err)
	}
	t.Cleanup(func() {
		_ = client.FlushDB(context.Background()).Err()
		_ = client.Close()
	})

	backing := &countingRepository{OrderRepository: memory.NewOrderRepository()}
	repo := NewOrderRepository(backing, client, time.Minute, quietLogger())
	ctx := context.Background()

	id := "cache-" + time.Now().Format("150405.000000000")
	require.NoError(t, repo.Create(ctx, cachedOrder(id)))

	first, err := repo.Get(ctx, id)
	require.NoError(t, err)
	second, err := repo.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, 1, backing.gets, "second read must be served from redis")
	require.True(t, first.OverallTotal.Equal(second.OverallTotal))
	require.Equal(t, first.Lines[0].InventoryRef, second.Lines[0].InventoryRef)

	second.IsPacked = true
	require.NoError(t, repo.Save(ctx, second))

	third, err := repo.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, 2, backing.gets)
	require.True(t, third.IsPacked)
	require.Equal(t, second.Version+1, third.Version)
}

func TestOrderRepository_SlowReaderDoesNotOverwriteNewerVersion(t *testing.T) {
	_, client := newMiniredisClient(t)
	backing := &pausingRepository{
		OrderRepository: memory.NewOrderRepository(),
		loaded:          make(chan struct{}),
		release:         make(chan struct{}),
	}
	repo := NewOrderRepository(backing, client, time.Minute, quietLogger())
	ctx := context.Background()

	require.NoError(t, backing.OrderRepository.Create(ctx, cachedOrder("o-race")))

	readDone := make(chan domain.Order)
	go func() {
		order, err := repo.Get(ctx, "o-race")
		if err != nil {
			t.Errorf("slow read failed: %v", err)
		}
		readDone <- order
	}()
	<-backing.loaded

	// Пока читатель держит версию 0, писатель сохраняет версию 1.
	current, err := backing.OrderRepository.Get(ctx, "o-race")
	require.NoError(t, err)
	current.IsPacked = true
	require.NoError(t, repo.Save(ctx, current))

	close(backing.release)
	stale := <-readDone
	require.Equal(t, int64(0), stale.Version)

	cached, err := repo.Get(ctx, "o-race")
	require.NoError(t, err)
	require.Equal(t, int64(1), cached.Version)
	require.True(t, cached.IsPacked)

	cached.IsDelivered = true
	require.NoError(t, repo.Save(ctx, cached), "update after the race must not conflict")
}

func TestOrderRepository_ConflictDropsStaleEntry(t *testing.T) {
	_, client := newMiniredisClient(t)
	backing := memory.NewOrderRepository()
	repo := NewOrderRepository(backing, client, time.Minute, quietLogger())
	ctx := context.Background()

	order := cachedOrder("o-stale")
	require.NoError(t, backing.Create(ctx, order))
	stale, err := json.Marshal(order)
	require.NoError(t, err)

	fresh := order
	fresh.IsPaid = true
	require.NoError(t, backing.Save(ctx, fresh))

	// В кэше осталась версия 0, хотя хранилище уже на версии 1.
	require.NoError(t, client.HSet(ctx, orderKeyPrefix+order.ID, "version", 0, "data", stale).Err())

	got, err := repo.Get(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, int64(0), got.Version)

	got.IsPacked = true
	require.ErrorIs(t, repo.Save(ctx, got), domain.ErrOrderVersionConflict)

	retried, err := repo.Get(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), retried.Version)
	require.True(t, retried.IsPaid)

	retried.IsPacked = true
	require.NoError(t, repo.Save(ctx, retried))
}

func TestOrderRepository_SaveRefreshesEntryWithTTL(t *testing.T) {
	server, client := newMiniredisClient(t)
	backing := &countingRepository{OrderRepository: memory.NewOrderRepository()}
	repo := NewOrderRepository(backing, client, 2*time.Minute, quietLogger())
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, cachedOrder("o-ttl")))
	order, err := repo.Get(ctx, "o-ttl")
	require.NoError(t, err)

	order.IsPacked = true
	require.NoError(t, repo.Save(ctx, order))
	require.Equal(t, 2*time.Minute, server.TTL(orderKeyPrefix+"o-ttl"))

	got, err := repo.Get(ctx, "o-ttl")
	require.NoError(t, err)
	require.Equal(t, 1, backing.gets, "saved version must be served from redis")
	require.Equal(t, int64(1), got.Version)
	require.True(t, got.IsPacked)
}
