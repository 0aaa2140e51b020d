package orders

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront-orders/internal/domain"
	"github.com/vladislavdragonenkov/storefront-orders/internal/metrics"
)

const (
	defaultSaveAttempts   = 3
	defaultRetryBaseDelay = 10 * time.Millisecond
)

// Service реализует операции над заказами поверх репозитория.
// Каждая успешная запись добавляет событие в timeline и сообщение в outbox.
type Service struct {
	orders   domain.OrderRepository
	outbox   domain.OutboxRepository
	timeline domain.TimelineRepository
	logger   *log.Entry
	metrics  *metrics.OrderMetrics

	saveAttempts   int
	retryBaseDelay time.Duration
	now            func() time.Time
	newID          func() string
}

// Option настраивает Service.
type Option func(*Service)

// WithLogger задаёт logger сервиса.
func WithLogger(logger *log.Entry) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithMetrics включает запись метрик.
func WithMetrics(m *metrics.OrderMetrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithSaveAttempts задаёт число попыток read-modify-write при конфликте версий.
func WithSaveAttempts(attempts int) Option {
	return func(s *Service) {
		s.saveAttempts = attempts
	}
}

// WithRetryBaseDelay задаёт базовую паузу между попытками.
func WithRetryBaseDelay(delay time.Duration) Option {
	return func(s *Service) {
		s.retryBaseDelay = delay
	}
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithIDGenerator подменяет генератор идентификаторов заказов.
func WithIDGenerator(newID func() string) Option {
	return func(s *Service) {
		s.newID = newID
	}
}

// NewService создаёт сервис заказов. outbox и timeline могут быть nil.
func NewService(
	orders domain.OrderRepository,
	outbox domain.OutboxRepository,
	timeline domain.TimelineRepository,
	options ...Option,
) *Service {
	s := &Service{
		orders:         orders,
		outbox:         outbox,
		timeline:       timeline,
		saveAttempts:   defaultSaveAttempts,
		retryBaseDelay: defaultRetryBaseDelay,
		now:            func() time.Time { return time.Now().UTC() },
		newID:          uuid.NewString,
	}
	for _, option := range options {
		option(s)
	}

	if s.logger == nil {
		s.logger = log.New().WithField("component", "order-service")
	}
	if s.saveAttempts <= 0 {
		s.saveAttempts = defaultSaveAttempts
	}
	if s.retryBaseDelay < 0 {
		s.retryBaseDelay = 0
	}
	return s
}

// Create валидирует позиции, считает суммы и сохраняет новый заказ.
func (s *Service) Create(ctx context.Context, in domain.NewOrderInput) (domain.Order, error) {
	defer s.observe("create", time.Now())

	order, err := domain.NewOrder(s.newID(), in, s.now())
	if err != nil {
		return domain.Order{}, err
	}
	if err := s.orders.Create(ctx, order); err != nil {
		s.logger.WithError(err).WithField("order_id", order.ID).Error("failed to persist new order")
		return domain.Order{}, err
	}

	s.metrics.RecordOrderCreated()
	s.logger.WithFields(log.Fields{
		"order_id": order.ID,
		"user_id":  order.UserRef,
		"lines":    len(order.Lines),
		"total":    order.OverallTotal.String(),
	}).Info("order created")

	s.emit(ctx, order, domain.EventOrderCreated, domain.TimelineOrderCreated, "", newOrderEvent(order))
	return order, nil
}

// Get возвращает заказ по идентификатору.
func (s *Service) Get(ctx context.Context, id string) (domain.Order, error) {
	return s.orders.Get(ctx, id)
}

// Patch применяет частичное обновление. Если в патче указана версия,
// её несовпадение сразу возвращает ErrOrderVersionConflict без повторов.
func (s *Service) Patch(ctx context.Context, id string, patch domain.OrderPatch) (domain.Order, error) {
	defer s.observe("patch", time.Now())

	order, err := s.mutate(ctx, id, "patch", func(order *domain.Order) error {
		return order.ApplyPatch(patch, s.now())
	})
	if err != nil {
		return domain.Order{}, err
	}

	s.metrics.RecordOrderPatched()
	fields := patchedFields(patch)
	s.logger.WithFields(log.Fields{
		"order_id": order.ID,
		"fields":   fields,
		"version":  order.Version,
	}).Info("order patched")

	event := newOrderEvent(order)
	event.Fields = fields
	s.emit(ctx, order, domain.EventOrderUpdated, domain.TimelineOrderPatched, "fields: "+strings.Join(fields, ","), event)
	return order, nil
}

// UpdateLineQuantity меняет количество позиции и пересчитывает суммы.
func (s *Service) UpdateLineQuantity(ctx context.Context, id, inventoryRef string, quantity int) (domain.Order, error) {
	defer s.observe("update_line_quantity", time.Now())

	// Количество проверяется до чтения заказа.
	if quantity < 1 {
		return domain.Order{}, domain.ErrQuantityInvalid
	}

	order, err := s.mutate(ctx, id, "update_line_quantity", func(order *domain.Order) error {
		return order.SetLineQuantity(inventoryRef, quantity, s.now())
	})
	if err != nil {
		return domain.Order{}, err
	}

	s.metrics.RecordLineQuantityUpdated()
	s.logger.WithFields(log.Fields{
		"order_id":     order.ID,
		"inventory_id": inventoryRef,
		"quantity":     quantity,
		"total":        order.OverallTotal.String(),
	}).Info("order line quantity updated")

	event := newOrderEvent(order)
	event.InventoryID = inventoryRef
	event.Quantity = quantity
	reason := fmt.Sprintf("inventory_id=%s quantity=%d", inventoryRef, quantity)
	s.emit(ctx, order, domain.EventOrderLineQuantityChanged, domain.TimelineLineQuantityChanged, reason, event)
	return order, nil
}

// ListUnpaid возвращает все неоплаченные заказы.
func (s *Service) ListUnpaid(ctx context.Context) ([]domain.Order, error) {
	return s.list(ctx, "", false)
}

// ListPaid возвращает все оплаченные заказы.
func (s *Service) ListPaid(ctx context.Context) ([]domain.Order, error) {
	return s.list(ctx, "", true)
}

// ListUserUnpaid возвращает неоплаченные заказы пользователя.
func (s *Service) ListUserUnpaid(ctx context.Context, userRef string) ([]domain.Order, error) {
	userRef = strings.TrimSpace(userRef)
	if userRef == "" {
		return nil, domain.ErrUserRequired
	}
	return s.list(ctx, userRef, false)
}

// ListUserPaid возвращает оплаченные заказы пользователя.
func (s *Service) ListUserPaid(ctx context.Context, userRef string) ([]domain.Order, error) {
	userRef = strings.TrimSpace(userRef)
	if userRef == "" {
		return nil, domain.ErrUserRequired
	}
	return s.list(ctx, userRef, true)
}

// Timeline возвращает историю заказа.
func (s *Service) Timeline(ctx context.Context, id string) ([]domain.TimelineEvent, error) {
	if _, err := s.orders.Get(ctx, id); err != nil {
		return nil, err
	}
	if s.timeline == nil {
		return []domain.TimelineEvent{}, nil
	}
	return s.timeline.List(ctx, id)
}

func (s *Service) list(ctx context.Context, userRef string, paid bool) ([]domain.Order, error) {
	orders, err := s.orders.List(ctx, domain.OrderFilter{UserRef: userRef, Paid: &paid})
	if err != nil {
		s.logger.WithError(err).WithFields(log.Fields{
			"user_id": userRef,
			"paid":    paid,
		}).Error("failed to list orders")
		return nil, err
	}
	return orders, nil
}

// mutate выполняет read-modify-write с повтором при конфликте версий.
// Ошибки из fn возвращаются сразу: это ошибки ввода, повтор их не исправит.
func (s *Service) mutate(ctx context.Context, id, operation string, fn func(*domain.Order) error) (domain.Order, error) {
	for attempt := 1; ; attempt++ {
		order, err := s.orders.Get(ctx, id)
		if err != nil {
			return domain.Order{}, err
		}
		if err := fn(&order); err != nil {
			if domain.IsVersionConflict(err) {
				s.metrics.RecordVersionConflict()
			}
			return domain.Order{}, err
		}

		err = s.orders.Save(ctx, order)
		if err == nil {
			order.Version++
			return order, nil
		}
		if !domain.IsVersionConflict(err) {
			s.logger.WithError(err).WithFields(log.Fields{
				"order_id":  id,
				"operation": operation,
			}).Error("failed to save order")
			return domain.Order{}, err
		}

		s.metrics.RecordVersionConflict()
		if attempt >= s.saveAttempts {
			s.logger.WithFields(log.Fields{
				"order_id":  id,
				"operation": operation,
				"attempts":  attempt,
			}).Warn("version conflict, attempts exhausted")
			return domain.Order{}, err
		}

		s.logger.WithFields(log.Fields{
			"order_id":  id,
			"operation": operation,
			"attempt":   attempt,
			"version":   order.Version,
		}).Warn("version conflict detected, retrying")

		if err := s.sleep(ctx, attempt); err != nil {
			return domain.Order{}, err
		}
	}
}

func (s *Service) sleep(ctx context.Context, attempt int) error {
	if s.retryBaseDelay <= 0 {
		return nil
	}
	delay := s.retryBaseDelay * time.Duration(1<<uint(attempt-1))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

func (s *Service) observe(operation string, start time.Time) {
	s.metrics.RecordOperationDuration(operation, time.Since(start))
}

// orderEvent — полезная нагрузка событий заказа в outbox.
type orderEvent struct {
	OrderID      string          `json:"order_id"`
	UserID       string          `json:"user_id"`
	OverallTotal decimal.Decimal `json:"overall_total_price"`
	IsPaid       bool            `json:"ispayed"`
	IsPacked     bool            `json:"ispacked"`
	IsDelivered  bool            `json:"isdelivered"`
	Lines        int             `json:"lines"`
	Version      int64           `json:"version"`
	Fields       []string        `json:"fields,omitempty"`
	InventoryID  string          `json:"inventory_id,omitempty"`
	Quantity     int             `json:"quantity,omitempty"`
	Timestamp    time.Time       `json:"ts"`
}

func newOrderEvent(order domain.Order) orderEvent {
	return orderEvent{
		OrderID:      order.ID,
		UserID:       order.UserRef,
		OverallTotal: order.OverallTotal,
		IsPaid:       order.IsPaid,
		IsPacked:     order.IsPacked,
		IsDelivered:  order.IsDelivered,
		Lines:        len(order.Lines),
		Version:      order.Version,
		Timestamp:    order.UpdatedAt,
	}
}

func (s *Service) emit(ctx context.Context, order domain.Order, eventType, timelineType, reason string, event orderEvent) {
	fields := log.Fields{
		"order_id": order.ID,
		"event":    eventType,
	}

	if s.outbox != nil {
		payload, err := json.Marshal(event)
		if err != nil {
			s.logger.WithError(err).WithFields(fields).Error("marshal event failed")
		} else if _, err := s.outbox.Enqueue(ctx, domain.OutboxMessage{
			AggregateType: domain.AggregateOrder,
			AggregateID:   order.ID,
			EventType:     eventType,
			Payload:       payload,
		}); err != nil {
			s.logger.WithError(err).WithFields(fields).Error("enqueue event failed")
		} else {
			s.metrics.RecordOutboxEvent()
		}
	}

	if s.timeline != nil {
		if err := s.timeline.Append(ctx, domain.TimelineEvent{
			OrderID:  order.ID,
			Type:     timelineType,
			Reason:   reason,
			Occurred: order.UpdatedAt,
		}); err != nil {
			s.logger.WithError(err).WithFields(fields).Warn("append timeline event failed")
		} else {
			s.metrics.RecordTimelineEvent()
		}
	}
}

func patchedFields(p domain.OrderPatch) []string {
	fields := make([]string, 0, 5)
	if p.Lines != nil {
		fields = append(fields, "products")
	}
	if p.IsPaid != nil {
		fields = append(fields, "ispayed")
	}
	if p.IsPacked != nil {
		fields = append(fields, "ispacked")
	}
	if p.IsDelivered != nil {
		fields = append(fields, "isdelivered")
	}
	if p.ShippingAddress != nil {
		fields = append(fields, "place_address")
	}
	return fields
}
