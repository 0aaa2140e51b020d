package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront-orders/internal/domain"
)

const (
	orderKeyPrefix  = "order:"
	defaultCacheTTL = 5 * time.Minute
)

// Options описывает подключение к Redis.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// storeIfNewer кладёт заказ в хэш, только если в кэше нет записи той же или более новой версии.
// KEYS[1] ключ заказа, ARGV[1] версия, ARGV[2] JSON заказа, ARGV[3] TTL в миллисекундах.
var storeIfNewer = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'version')
if current and tonumber(current) >= tonumber(ARGV[1]) then
	return 0
end
redis.call('HSET', KEYS[1], 'version', ARGV[1], 'data', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

// Open создаёт клиента Redis и проверяет подключение.
func Open(ctx context.Context, opts Options) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// OrderRepository кэширует чтение заказа по id поверх другого репозитория.
// Списки всегда идут в хранилище. Ошибки Redis не ломают запрос, а только логируются.
type OrderRepository struct {
	next   domain.OrderRepository
	client *redis.Client
	ttl    time.Duration
	logger *log.Entry
}

// NewOrderRepository оборачивает next кэшем. ttl <= 0 заменяется значением по умолчанию.
func NewOrderRepository(next domain.OrderRepository, client *redis.Client, ttl time.Duration, logger *log.Entry) *OrderRepository {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	if logger == nil {
		logger = log.New().WithField("component", "order-cache")
	}
	return &OrderRepository{
		next:   next,
		client: client,
		ttl:    ttl,
		logger: logger,
	}
}

func (r *OrderRepository) Create(ctx context.Context, order domain.Order) error {
	return r.next.Create(ctx, order)
}

func (r *OrderRepository) Get(ctx context.Context, id string) (domain.Order, error) {
	if order, ok := r.lookup(ctx, id); ok {
		return order, nil
	}

	order, err := r.next.Get(ctx, id)
	if err != nil {
		return domain.Order{}, err
	}
	r.store(ctx, order)
	return order, nil
}

// Save пишет в хранилище и кладёт в кэш сохранённую версию.
// Запись кэша со старой версией после этого не перезапишет новую.
// При конфликте версий запись сбрасывается, чтобы повтор прочитал хранилище.
func (r *OrderRepository) Save(ctx context.Context, order domain.Order) error {
	if err := r.next.Save(ctx, order); err != nil {
		if domain.IsVersionConflict(err) {
			r.invalidate(ctx, order.ID)
		}
		return err
	}

	saved := order
	saved.Version++
	if !r.store(ctx, saved) {
		r.invalidate(ctx, order.ID)
	}
	return nil
}

func (r *OrderRepository) List(ctx context.Context, filter domain.OrderFilter) ([]domain.Order, error) {
	return r.next.List(ctx, filter)
}

func (r *OrderRepository) lookup(ctx context.Context, id string) (domain.Order, bool) {
	data, err := r.client.HGet(ctx, orderKeyPrefix+id, "data").Bytes()
	if errors.Is(err, redis.Nil) {
		r.logger.WithField("order_id", id).Debug("cache miss")
		return domain.Order{}, false
	}
	if err != nil {
		r.logger.WithError(err).WithField("order_id", id).Warn("cache get failed")
		return domain.Order{}, false
	}

	var order domain.Order
	if err := json.Unmarshal(data, &order); err != nil {
		r.logger.WithError(err).WithField("order_id", id).Warn("cache entry is corrupted")
		r.invalidate(ctx, id)
		return domain.Order{}, false
	}
	return order, true
}

// store возвращает false, если записать в Redis не удалось.
func (r *OrderRepository) store(ctx context.Context, order domain.Order) bool {
	data, err := json.Marshal(order)
	if err != nil {
		r.logger.WithError(err).WithField("order_id", order.ID).Warn("cache encode failed")
		return false
	}
	keys := []string{orderKeyPrefix + order.ID}
	stored, err := storeIfNewer.Run(ctx, r.client, keys, order.Version, data, r.ttl.Milliseconds()).Int()
	if err != nil {
		r.logger.WithError(err).WithField("order_id", order.ID).Warn("cache set failed")
		return false
	}
	if stored == 0 {
		r.logger.WithFields(log.Fields{
			"order_id": order.ID,
			"version":  order.Version,
		}).Debug("cache already holds a newer version")
	}
	return true
}

func (r *OrderRepository) invalidate(ctx context.Context, id string) {
	if err := r.client.Del(ctx, orderKeyPrefix+id).Err(); err != nil {
		r.logger.WithError(err).WithField("order_id", id).Warn("cache delete failed")
	}
}

var _ domain.OrderRepository = (*OrderRepository)(nil)
