package domain

import (
	"strings"
	"time"
)

// OrderPatch — частичное обновление заказа. Применяются только заданные поля.
type OrderPatch struct {
	Lines           *[]LineInput
	IsPaid          *bool
	IsPacked        *bool
	IsDelivered     *bool
	ShippingAddress *string
	// Version, если задан, должен совпасть с текущей версией заказа.
	Version *int64
}

// Empty сообщает, что патч не меняет ни одного поля.
func (p OrderPatch) Empty() bool {
	return p.Lines == nil &&
		p.IsPaid == nil &&
		p.IsPacked == nil &&
		p.IsDelivered == nil &&
		p.ShippingAddress == nil
}

// ApplyPatch применяет патч к заказу. Все проверки выполняются до изменения состояния.
func (o *Order) ApplyPatch(p OrderPatch, now time.Time) error {
	if p.Version != nil && *p.Version != o.Version {
		return ErrOrderVersionConflict
	}

	var lines []PriceLine
	if p.Lines != nil {
		if len(*p.Lines) == 0 {
			return ErrLinesRequired
		}
		built, err := buildLines(*p.Lines)
		if err != nil {
			return err
		}
		lines = built
	}

	if lines != nil {
		o.Lines = lines
		o.Recalculate()
	}
	if p.IsPaid != nil {
		o.IsPaid = *p.IsPaid
	}
	if p.IsPacked != nil {
		o.IsPacked = *p.IsPacked
	}
	if p.IsDelivered != nil {
		o.IsDelivered = *p.IsDelivered
	}
	if p.ShippingAddress != nil {
		o.ShippingAddress = strings.TrimSpace(*p.ShippingAddress)
	}
	o.UpdatedAt = now

	return nil
}
