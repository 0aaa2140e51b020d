package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

// lineTotalTolerance — допустимое расхождение между сохранённой суммой позиции и quantity * unit_price.
var lineTotalTolerance = decimal.New(1, -2)

// LineInput — сырые данные позиции, пришедшие от клиента.
// Nil-поля означают, что значение не передано.
type LineInput struct {
	InventoryRef string
	Quantity     *int
	UnitPrice    *decimal.Decimal
	// LineTotal учитывается только при частичном обновлении заказа.
	LineTotal *decimal.Decimal
}

// PriceLine описывает одну позицию заказа: количество, цену за единицу и сумму.
type PriceLine struct {
	InventoryRef string
	Quantity     int
	UnitPrice    decimal.Decimal
	LineTotal    decimal.Decimal
}

// NewPriceLine проверяет входные данные позиции и вычисляет её сумму.
func NewPriceLine(in LineInput) (PriceLine, error) {
	ref := strings.TrimSpace(in.InventoryRef)
	if ref == "" || in.Quantity == nil || in.UnitPrice == nil {
		return PriceLine{}, ErrLineInvalid
	}
	if *in.Quantity < 1 || in.UnitPrice.IsNegative() {
		return PriceLine{}, ErrLineInvalid
	}

	line := PriceLine{
		InventoryRef: ref,
		Quantity:     *in.Quantity,
		UnitPrice:    *in.UnitPrice,
	}
	line.LineTotal = line.expectedTotal()
	return line, nil
}

// Consistent сообщает, укладывается ли LineTotal в допуск относительно quantity * unit_price.
func (l PriceLine) Consistent() bool {
	return l.LineTotal.Sub(l.expectedTotal()).Abs().LessThan(lineTotalTolerance)
}

func (l PriceLine) expectedTotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// withQuantity возвращает копию позиции с новым количеством и пересчитанной суммой.
func (l PriceLine) withQuantity(quantity int) PriceLine {
	l.Quantity = quantity
	l.LineTotal = l.expectedTotal()
	return l
}

// buildLines валидирует все позиции целиком; при любой ошибке ничего не возвращается.
// Переданная клиентом сумма позиции принимается только как проверка и затем пересчитывается.
func buildLines(inputs []LineInput) ([]PriceLine, error) {
	lines := make([]PriceLine, 0, len(inputs))
	for _, in := range inputs {
		line, err := NewPriceLine(in)
		if err != nil {
			return nil, err
		}
		if in.LineTotal != nil {
			supplied := line
			supplied.LineTotal = *in.LineTotal
			if in.LineTotal.IsNegative() || !supplied.Consistent() {
				return nil, ErrLineTotalMismatch
			}
		}
		lines = append(lines, line)
	}
	return lines, nil
}

// sumLines складывает суммы позиций в порядке их следования.
func sumLines(lines []PriceLine) decimal.Decimal {
	total := decimal.Zero
	for _, line := range lines {
		total = total.Add(line.LineTotal)
	}
	return total
}
