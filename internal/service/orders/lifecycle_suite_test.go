package orders_test

import (
	"context"
	"io"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/vladislavdragonenkov/storefront-orders/internal/domain"
	"github.com/vladislavdragonenkov/storefront-orders/internal/service/orders"
	"github.com/vladislavdragonenkov/storefront-orders/internal/service/outbox"
	"github.com/vladislavdragonenkov/storefront-orders/internal/service/payment"
	"github.com/vladislavdragonenkov/storefront-orders/internal/service/reporting"
	"github.com/vladislavdragonenkov/storefront-orders/internal/storage/memory"
)

// OrderLifecycleTestSuite прогоняет заказ витрины через все сервисы поверх памяти.
type OrderLifecycleTestSuite struct {
	suite.Suite

	repo      domain.OrderRepository
	outbox    *memory.OutboxRepository
	orders    *orders.Service
	reporting *reporting.Service
	payments  *payment.Service
	gateway   *payment.MockGateway
	published *recordingPublisher
	worker    *outbox.Worker
}

func (s *OrderLifecycleTestSuite) SetupTest() {
	baseLogger := log.New()
	baseLogger.SetOutput(io.Discard)
	logger := baseLogger.WithField("component", "lifecycle-test")

	s.repo = memory.NewOrderRepository()
	s.outbox = memory.NewOutboxRepository()
	s.orders = orders.NewService(s.repo, s.outbox, memory.NewTimelineRepository(),
		orders.WithLogger(logger),
		orders.WithRetryBaseDelay(0),
	)
	s.reporting = reporting.NewService(s.repo, logger)
	s.gateway = payment.NewMockGateway()
	s.payments = payment.NewService(s.gateway, s.repo, s.outbox, payment.WithLogger(logger))
	s.published = &recordingPublisher{}
	s.worker = outbox.NewWorker(s.outbox, s.published, outbox.WithLogger(logger), outbox.WithRetryBaseDelay(0))
}

func (s *OrderLifecycleTestSuite) TestCheckoutLifecycle() {
	ctx := context.Background()
	t := s.T()

	// 1. Корзина из двух позиций
	order, err := s.orders.Create(ctx, domain.NewOrderInput{
		UserRef: "user-1",
		Lines: []domain.LineInput{
			line("laptop-pro", 1, "1999.00"),
			line("mouse-wireless", 2, "49.99"),
		},
		ShippingAddress: "Main street 1",
	})
	require.NoError(t, err)
	require.True(t, order.OverallTotal.Equal(decimal.RequireFromString("2098.98")), "total=%s", order.OverallTotal)

	// 2. Покупатель меняет количество мышей
	order, err = s.orders.UpdateLineQuantity(ctx, order.ID, "mouse-wireless", 1)
	require.NoError(t, err)
	require.True(t, order.OverallTotal.Equal(decimal.RequireFromString("2048.99")), "total=%s", order.OverallTotal)

	// 3. Авторизация платежа со сверкой суммы
	auth, err := s.payments.Authorize(ctx, payment.AuthorizeInput{
		AmountMinor: 204899,
		UserRef:     "user-1",
		OrderIDs:    []string{order.ID},
	})
	require.NoError(t, err)
	require.NotEmpty(t, auth.ClientSecret)
	require.Equal(t, 1, s.gateway.Calls)

	// 4. Витрина отмечает оплату
	paid := true
	order, err = s.orders.Patch(ctx, order.ID, domain.OrderPatch{IsPaid: &paid, Version: &order.Version})
	require.NoError(t, err)
	require.True(t, order.IsPaid)

	revenue, err := s.reporting.TotalPaidRevenue(ctx)
	require.NoError(t, err)
	require.True(t, revenue.Equal(decimal.RequireFromString("2048.99")), "revenue=%s", revenue)

	userPaid, err := s.orders.ListUserPaid(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, userPaid, 1)

	// 5. Timeline и события outbox
	timeline, err := s.orders.Timeline(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, []string{
		domain.TimelineOrderCreated,
		domain.TimelineLineQuantityChanged,
		domain.TimelineOrderPatched,
	}, timelineTypes(timeline))

	require.Equal(t, 4, s.worker.ProcessOnce(ctx))
	require.Equal(t, []string{
		domain.EventOrderCreated,
		domain.EventOrderLineQuantityChanged,
		domain.EventPaymentAuthorized,
		domain.EventOrderUpdated,
	}, s.published.eventTypes())
	require.Empty(t, s.outbox.AllPending())
}

func (s *OrderLifecycleTestSuite) TestPaymentRejectedForPaidOrder() {
	ctx := context.Background()
	t := s.T()

	paid := true
	order, err := s.orders.Create(ctx, domain.NewOrderInput{
		UserRef: "user-2",
		Lines:   []domain.LineInput{line("book", 1, "15")},
		IsPaid:  paid,
	})
	require.NoError(t, err)

	_, err = s.payments.Authorize(ctx, payment.AuthorizeInput{
		AmountMinor: 1500,
		UserRef:     "user-2",
		OrderIDs:    []string{order.ID},
	})
	require.ErrorIs(t, err, domain.ErrOrderAlreadyPaid)
	require.Zero(t, s.gateway.Calls)
}

func (s *OrderLifecycleTestSuite) TestStaleVersionIsRejected() {
	ctx := context.Background()
	t := s.T()

	order, err := s.orders.Create(ctx, domain.NewOrderInput{
		UserRef: "user-3",
		Lines:   []domain.LineInput{line("pen", 3, "2.50")},
	})
	require.NoError(t, err)
	staleVersion := order.Version

	_, err = s.orders.UpdateLineQuantity(ctx, order.ID, "pen", 4)
	require.NoError(t, err)

	packed := true
	_, err = s.orders.Patch(ctx, order.ID, domain.OrderPatch{IsPacked: &packed, Version: &staleVersion})
	require.ErrorIs(t, err, domain.ErrOrderVersionConflict)

	current, err := s.orders.Get(ctx, order.ID)
	require.NoError(t, err)
	require.False(t, current.IsPacked)
	require.True(t, current.OverallTotal.Equal(decimal.NewFromInt(10)), "total=%s", current.OverallTotal)
}

func TestOrderLifecycleSuite(t *testing.T) {
	suite.Run(t, new(OrderLifecycleTestSuite))
}

func line(inventoryRef string, quantity int, unitPrice string) domain.LineInput {
	price := decimal.RequireFromString(unitPrice)
	return domain.LineInput{InventoryRef: inventoryRef, Quantity: &quantity, UnitPrice: &price}
}

func timelineTypes(events []domain.TimelineEvent) []string {
	types := make([]string, 0, len(events))
	for _, event := range events {
		types = append(types, event.Type)
	}
	return types
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.OutboxMessage
}

func (p *recordingPublisher) Publish(_ context.Context, event domain.OutboxMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) eventTypes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	types := make([]string, 0, len(p.events))
	for _, event := range p.events {
		types = append(types, event.EventType)
	}
	return types
}

var _ domain.OutboxPublisher = (*recordingPublisher)(nil)
