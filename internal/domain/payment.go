package domain

import (
	"encoding/json"
	"time"
)

// PayRecordStatus описывает состояние платёжной записи.
type PayRecordStatus string

const (
	// PayRecordPending — намерение оплаты создано, клиент ещё не подтвердил списание.
	PayRecordPending PayRecordStatus = "pending"
	// PayRecordSucceeded — процессор подтвердил списание.
	PayRecordSucceeded PayRecordStatus = "succeeded"
	// PayRecordFailed — процессор отклонил списание.
	PayRecordFailed PayRecordStatus = "failed"
)

// Valid проверяет, что статус входит в допустимый набор.
func (s PayRecordStatus) Valid() bool {
	switch s {
	case PayRecordPending, PayRecordSucceeded, PayRecordFailed:
		return true
	default:
		return false
	}
}

// PayRecord связывает идентификатор списания у процессора с пользователем,
// оплачиваемыми заказами и снимком корзины.
type PayRecord struct {
	ChargeID    string
	UserRef     string
	OrderIDs    []string
	AmountMinor int64
	Currency    string
	// CartItems хранится как есть: состав позиции корзины сервису не важен.
	CartItems []json.RawMessage
	Status    PayRecordStatus
	CreatedAt time.Time
}

// Validate проверяет корректность полей платёжной записи.
func (p *PayRecord) Validate() []error {
	var errs []error

	if p.ChargeID == "" {
		errs = append(errs, ErrPayRecordChargeRequired)
	}
	if p.UserRef == "" {
		errs = append(errs, ErrUserRequired)
	}
	if p.AmountMinor <= 0 {
		errs = append(errs, ErrAmountInvalid)
	}
	if !p.Status.Valid() {
		errs = append(errs, ErrPayRecordStatusInvalid)
	}

	return errs
}
