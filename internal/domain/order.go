package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Order агрегирует состояние заказа и его позиции.
// Флаги оплаты, сборки и доставки независимы друг от друга.
type Order struct {
	ID              string
	UserRef         string
	Lines           []PriceLine
	OverallTotal    decimal.Decimal
	IsPaid          bool
	IsPacked        bool
	IsDelivered     bool
	ShippingAddress string
	// Version — токен optimistic locking, увеличивается хранилищем при каждом Save.
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewOrderInput — данные для создания заказа.
type NewOrderInput struct {
	UserRef         string
	Lines           []LineInput
	IsPaid          bool
	IsPacked        bool
	IsDelivered     bool
	ShippingAddress string
}

// NewOrder валидирует все позиции и собирает новый заказ.
// Ошибка в любой позиции отменяет создание целиком.
func NewOrder(id string, in NewOrderInput, now time.Time) (Order, error) {
	userRef := strings.TrimSpace(in.UserRef)
	if userRef == "" {
		return Order{}, ErrUserRequired
	}
	if len(in.Lines) == 0 {
		return Order{}, ErrLinesRequired
	}

	lines, err := buildLines(in.Lines)
	if err != nil {
		return Order{}, err
	}

	order := Order{
		ID:              id,
		UserRef:         userRef,
		Lines:           lines,
		IsPaid:          in.IsPaid,
		IsPacked:        in.IsPacked,
		IsDelivered:     in.IsDelivered,
		ShippingAddress: strings.TrimSpace(in.ShippingAddress),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	order.Recalculate()
	return order, nil
}

// Recalculate пересчитывает общую сумму заказа по всем позициям.
func (o *Order) Recalculate() {
	o.OverallTotal = sumLines(o.Lines)
}

// SetLineQuantity меняет количество первой позиции с указанным товаром
// и пересчитывает сумму позиции и заказа.
func (o *Order) SetLineQuantity(inventoryRef string, quantity int, now time.Time) error {
	if quantity < 1 {
		return ErrQuantityInvalid
	}

	for i := range o.Lines {
		if o.Lines[i].InventoryRef != inventoryRef {
			continue
		}
		lines := o.cloneLines()
		lines[i] = lines[i].withQuantity(quantity)
		o.Lines = lines
		o.Recalculate()
		o.UpdatedAt = now
		return nil
	}

	return ErrLineNotFound
}

// Clone возвращает копию заказа, не разделяющую слайс позиций с оригиналом.
func (o Order) Clone() Order {
	o.Lines = o.cloneLines()
	return o
}

func (o Order) cloneLines() []PriceLine {
	if o.Lines == nil {
		return nil
	}
	lines := make([]PriceLine, len(o.Lines))
	copy(lines, o.Lines)
	return lines
}

// ValidateInvariants проверяет базовые инварианты заказа и возвращает список замечаний.
func (o *Order) ValidateInvariants() []error {
	var errs []error

	if o.UserRef == "" {
		errs = append(errs, ErrUserRequired)
	}
	if len(o.Lines) == 0 {
		errs = append(errs, ErrLinesRequired)
	}

	for _, line := range o.Lines {
		if line.InventoryRef == "" || line.Quantity < 1 || line.UnitPrice.IsNegative() {
			errs = append(errs, ErrLineInvalid)
			continue
		}
		if !line.Consistent() {
			errs = append(errs, ErrLineTotalMismatch)
		}
	}

	if o.OverallTotal.IsNegative() || !o.OverallTotal.Equal(sumLines(o.Lines)) {
		errs = append(errs, ErrOverallTotalMismatch)
	}

	return errs
}
