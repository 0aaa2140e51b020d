package payment

import (
	"context"
	"fmt"
	"sync"

	"github.com/vladislavdragonenkov/storefront-orders/internal/domain"
)

// MockGateway — конфигурируемая заглушка Gateway для тестов и локального запуска.
type MockGateway struct {
	mu sync.Mutex

	Status domain.PayRecordStatus
	Err    error

	Calls       int
	LastRequest AuthorizeRequest
}

// NewMockGateway возвращает mock с успешным сценарием по умолчанию.
func NewMockGateway() *MockGateway {
	return &MockGateway{Status: domain.PayRecordPending}
}

// Authorize возвращает заранее настроенный результат и считает вызовы.
func (m *MockGateway) Authorize(_ context.Context, req AuthorizeRequest) (Authorization, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls++
	m.LastRequest = req
	if m.Err != nil {
		return Authorization{}, m.Err
	}

	chargeID := fmt.Sprintf("pi_mock_%d", m.Calls)
	return Authorization{
		ChargeID:     chargeID,
		ClientSecret: chargeID + "_secret",
		Status:       m.Status,
	}, nil
}

var _ Gateway = (*MockGateway)(nil)
