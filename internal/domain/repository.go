package domain

import "context"

// OrderFilter задаёт условия выборки заказов. Пустые поля не ограничивают выборку.
type OrderFilter struct {
	UserRef string
	Paid    *bool
}

// Matches проверяет, подходит ли заказ под фильтр.
func (f OrderFilter) Matches(order Order) bool {
	if f.UserRef != "" && order.UserRef != f.UserRef {
		return false
	}
	if f.Paid != nil && order.IsPaid != *f.Paid {
		return false
	}
	return true
}

// OrderRepository описывает требования к хранилищу заказов.
type OrderRepository interface {
	// Create сохраняет новый заказ. Возвращает ErrOrderVersionConflict, если ID уже занят.
	Create(ctx context.Context, order Order) error
	// Get возвращает заказ по идентификатору или ErrOrderNotFound, если его нет.
	Get(ctx context.Context, id string) (Order, error)
	// Save применяет обновления к заказу с учётом optimistic locking и увеличивает Version.
	Save(ctx context.Context, order Order) error
	// List возвращает заказы по фильтру в стабильном порядке (created_at, id).
	List(ctx context.Context, filter OrderFilter) ([]Order, error)
}
