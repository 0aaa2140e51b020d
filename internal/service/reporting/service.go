package reporting

import (
	"context"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront-orders/internal/domain"
)

// Service считает производные показатели по заказам. Результаты не кэшируются.
type Service struct {
	orders domain.OrderRepository
	logger *log.Entry
}

// NewService создаёт сервис отчётов.
func NewService(orders domain.OrderRepository, logger *log.Entry) *Service {
	if logger == nil {
		logger = log.New().WithField("component", "reporting")
	}
	return &Service{orders: orders, logger: logger}
}

// TotalPaidRevenue возвращает сумму overall_total_price всех оплаченных заказов.
func (s *Service) TotalPaidRevenue(ctx context.Context) (decimal.Decimal, error) {
	paid := true
	orders, err := s.orders.List(ctx, domain.OrderFilter{Paid: &paid})
	if err != nil {
		s.logger.WithError(err).Error("failed to load paid orders")
		return decimal.Zero, err
	}

	total := decimal.Zero
	for _, order := range orders {
		total = total.Add(order.OverallTotal)
	}

	s.logger.WithFields(log.Fields{
		"orders": len(orders),
		"total":  total.String(),
	}).Debug("paid revenue computed")
	return total, nil
}
