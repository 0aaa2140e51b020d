package domain

import (
	"errors"
	"fmt"
)

var (
	// Ошибка отсутствующего идентификатора пользователя.
	ErrUserRequired = errors.New("user id required")
	// Ошибка отсутствия хотя бы одной позиции в заказе.
	ErrLinesRequired = errors.New("products array cannot be empty")
	// Ошибка позиции без товара, количества или цены либо с недопустимыми значениями.
	ErrLineInvalid = errors.New("missing or invalid product details")
	// Ошибка несоответствия переданной суммы позиции и quantity * unit_price.
	ErrLineTotalMismatch = errors.New("total price calculation is incorrect")
	// Ошибка несоответствия суммы заказа и сумм позиций.
	ErrOverallTotalMismatch = errors.New("overall total does not match lines sum")
	// Ошибка при некорректном количестве (< 1).
	ErrQuantityInvalid = errors.New("invalid quantity")
	// Ошибка неположительной суммы авторизации.
	ErrAmountInvalid = errors.New("amount must be a positive integer in minor units")
	// Ошибка несоответствия суммы авторизации и суммы оплачиваемых заказов.
	ErrAmountMismatch = errors.New("amount does not match orders total")
	// Ошибка повторной оплаты заказа.
	ErrOrderAlreadyPaid = errors.New("order is already paid")
	// Ошибка оплаты чужого заказа.
	ErrOrderOwnerMismatch = errors.New("order belongs to another user")
	// Ошибка отсутствующего идентификатора списания.
	ErrPayRecordChargeRequired = errors.New("charge id is required")
	// Ошибка неизвестного статуса платёжной записи.
	ErrPayRecordStatusInvalid = errors.New("payment status is invalid")

	// ErrOrderNotFound возвращается, если заказ не найден в репозитории.
	ErrOrderNotFound = errors.New("order not found")
	// ErrLineNotFound возвращается, если в заказе нет позиции с указанным товаром.
	ErrLineNotFound = errors.New("product not found in order")
	// ErrOrderVersionConflict сигнализирует о конфликте версий при сохранении.
	ErrOrderVersionConflict = errors.New("order version conflict")
	// ErrOutboxPublish — ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")
)

var validationErrors = []error{
	ErrUserRequired,
	ErrLinesRequired,
	ErrLineInvalid,
	ErrLineTotalMismatch,
	ErrOverallTotalMismatch,
	ErrQuantityInvalid,
	ErrAmountInvalid,
	ErrAmountMismatch,
	ErrOrderAlreadyPaid,
	ErrOrderOwnerMismatch,
	ErrPayRecordChargeRequired,
	ErrPayRecordStatusInvalid,
}

// IsValidation проверяет, что ошибка вызвана некорректным вводом клиента.
func IsValidation(err error) bool {
	if err == nil {
		return false
	}
	for _, target := range validationErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsNotFound проверяет, что не найден заказ или позиция в нём.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrOrderNotFound) || errors.Is(err, ErrLineNotFound)
}

// IsVersionConflict проверяет, является ли ошибка конфликтом версий.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrOrderVersionConflict)
}

// GatewayError описывает отказ внешнего платёжного процессора.
// Message передаётся клиенту без изменений.
type GatewayError struct {
	Message string
	Err     error
}

func (e *GatewayError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("payment gateway: %s", e.Message)
	}
	return fmt.Sprintf("payment gateway: %s: %v", e.Message, e.Err)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// IsGateway проверяет, что ошибка пришла от платёжного процессора.
func IsGateway(err error) bool {
	var gwErr *GatewayError
	return errors.As(err, &gwErr)
}
