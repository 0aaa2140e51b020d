package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront-orders/internal/domain"
	"github.com/vladislavdragonenkov/storefront-orders/internal/metrics"
)

const defaultCurrency = "usd"

var minorUnitsPerMajor = decimal.NewFromInt(100)

// AuthorizeInput — данные запроса на оплату от клиента.
type AuthorizeInput struct {
	AmountMinor int64
	UserRef     string
	CartItems   []json.RawMessage
	// OrderIDs, если заданы, сверяются с суммой и владельцем.
	OrderIDs []string
}

// Service авторизует платежи через Gateway и фиксирует PayRecord в outbox.
type Service struct {
	gateway  Gateway
	orders   domain.OrderRepository
	outbox   domain.OutboxRepository
	currency string
	logger   *log.Entry
	metrics  *metrics.OrderMetrics
	now      func() time.Time
}

// Option настраивает Service.
type Option func(*Service)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(s *Service) { s.logger = logger }
}

// WithMetrics включает запись метрик.
func WithMetrics(m *metrics.OrderMetrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithCurrency задаёт валюту авторизации.
func WithCurrency(currency string) Option {
	return func(s *Service) { s.currency = strings.ToLower(strings.TrimSpace(currency)) }
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService создаёт платёжный сервис. orders нужен только для сверки, outbox может быть nil.
func NewService(gateway Gateway, orders domain.OrderRepository, outbox domain.OutboxRepository, options ...Option) *Service {
	s := &Service{
		gateway:  gateway,
		orders:   orders,
		outbox:   outbox,
		currency: defaultCurrency,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, option := range options {
		option(s)
	}
	if s.logger == nil {
		s.logger = log.New().WithField("component", "payment-service")
	}
	if s.currency == "" {
		s.currency = defaultCurrency
	}
	return s
}

// Authorize проверяет запрос, при наличии OrderIDs сверяет сумму с заказами
// и один раз обращается к процессору.
func (s *Service) Authorize(ctx context.Context, in AuthorizeInput) (Authorization, error) {
	userRef := strings.TrimSpace(in.UserRef)
	if in.AmountMinor <= 0 {
		s.metrics.RecordPaymentAuthorization(metrics.PaymentResultRejected)
		return Authorization{}, domain.ErrAmountInvalid
	}
	if len(in.OrderIDs) > 0 {
		// Без владельца сверять заказы не с чем. Без OrderIDs userRef уходит процессору как есть.
		if userRef == "" {
			s.metrics.RecordPaymentAuthorization(metrics.PaymentResultRejected)
			return Authorization{}, domain.ErrUserRequired
		}
		if err := s.reconcile(ctx, userRef, in.AmountMinor, in.OrderIDs); err != nil {
			s.metrics.RecordPaymentAuthorization(metrics.PaymentResultRejected)
			return Authorization{}, err
		}
	}

	auth, err := s.gateway.Authorize(ctx, AuthorizeRequest{
		AmountMinor: in.AmountMinor,
		Currency:    s.currency,
		UserRef:     userRef,
		CartItems:   in.CartItems,
	})
	if err != nil {
		s.metrics.RecordPaymentAuthorization(metrics.PaymentResultGateway)
		s.logger.WithError(err).WithFields(log.Fields{
			"user_id":      userRef,
			"amount_minor": in.AmountMinor,
		}).Error("payment authorization failed")
		if !domain.IsGateway(err) {
			err = &domain.GatewayError{Message: err.Error(), Err: err}
		}
		return Authorization{}, err
	}

	s.metrics.RecordPaymentAuthorization(metrics.PaymentResultAuthorized)
	s.logger.WithFields(log.Fields{
		"user_id":      userRef,
		"charge_id":    auth.ChargeID,
		"amount_minor": in.AmountMinor,
		"orders":       len(in.OrderIDs),
	}).Info("payment authorized")

	s.record(ctx, domain.PayRecord{
		ChargeID:    auth.ChargeID,
		UserRef:     userRef,
		OrderIDs:    in.OrderIDs,
		AmountMinor: in.AmountMinor,
		Currency:    s.currency,
		CartItems:   in.CartItems,
		Status:      domain.PayRecordPending,
		CreatedAt:   s.now(),
	})
	return auth, nil
}

// reconcile требует, чтобы все заказы принадлежали пользователю, были не оплачены
// и сумма в минорных единицах совпадала с суммой заказов.
func (s *Service) reconcile(ctx context.Context, userRef string, amountMinor int64, orderIDs []string) error {
	total := decimal.Zero
	for _, id := range orderIDs {
		order, err := s.orders.Get(ctx, id)
		if err != nil {
			return err
		}
		if order.UserRef != userRef {
			return fmt.Errorf("%w: %s", domain.ErrOrderOwnerMismatch, id)
		}
		if order.IsPaid {
			return fmt.Errorf("%w: %s", domain.ErrOrderAlreadyPaid, id)
		}
		total = total.Add(order.OverallTotal)
	}

	expected := ToMinorUnits(total)
	if expected != amountMinor {
		return fmt.Errorf("%w: expected %d, got %d", domain.ErrAmountMismatch, expected, amountMinor)
	}
	return nil
}

// ToMinorUnits переводит сумму в минорные единицы с округлением половины вверх.
func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(minorUnitsPerMajor).Round(0).IntPart()
}

// payRecordEvent — полезная нагрузка события payment.authorized.
type payRecordEvent struct {
	ChargeID    string            `json:"charge_id"`
	UserID      string            `json:"user_id"`
	OrderIDs    []string          `json:"order_ids,omitempty"`
	AmountMinor int64             `json:"amount"`
	Currency    string            `json:"currency"`
	CartItems   []json.RawMessage `json:"cart_items,omitempty"`
	Status      string            `json:"status"`
	CreatedAt   time.Time         `json:"createdAt"`
}

func (s *Service) record(ctx context.Context, rec domain.PayRecord) {
	fields := log.Fields{"charge_id": rec.ChargeID, "user_id": rec.UserRef}

	if errs := rec.Validate(); len(errs) > 0 {
		s.logger.WithFields(fields).WithField("errors", errs).Warn("pay record is incomplete")
	}
	if s.outbox == nil {
		return
	}

	payload, err := json.Marshal(payRecordEvent{
		ChargeID:    rec.ChargeID,
		UserID:      rec.UserRef,
		OrderIDs:    rec.OrderIDs,
		AmountMinor: rec.AmountMinor,
		Currency:    rec.Currency,
		CartItems:   rec.CartItems,
		Status:      string(rec.Status),
		CreatedAt:   rec.CreatedAt,
	})
	if err != nil {
		s.logger.WithError(err).WithFields(fields).Error("marshal pay record failed")
		return
	}

	if _, err := s.outbox.Enqueue(ctx, domain.OutboxMessage{
		AggregateType: domain.AggregatePayment,
		AggregateID:   rec.ChargeID,
		EventType:     domain.EventPaymentAuthorized,
		Payload:       payload,
	}); err != nil {
		s.logger.WithError(err).WithFields(fields).Error("enqueue pay record failed")
		return
	}
	s.metrics.RecordOutboxEvent()
}
