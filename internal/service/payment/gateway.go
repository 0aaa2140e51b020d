package payment

import (
	"context"
	"encoding/json"

	"github.com/vladislavdragonenkov/storefront-orders/internal/domain"
)

// AuthorizeRequest — запрос на создание намерения оплаты у процессора.
type AuthorizeRequest struct {
	AmountMinor int64
	Currency    string
	UserRef     string
	// CartItems передаётся процессору как непрозрачные метаданные.
	CartItems []json.RawMessage
}

// Authorization — ответ процессора.
type Authorization struct {
	ChargeID string
	// ClientSecret — токен, которым клиент завершает оплату. Возвращается без изменений.
	ClientSecret string
	Status       domain.PayRecordStatus
}

// Gateway авторизует платежи во внешнем процессоре. Один вызов, без повторов.
type Gateway interface {
	Authorize(ctx context.Context, req AuthorizeRequest) (Authorization, error)
}
