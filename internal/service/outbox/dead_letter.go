package outbox

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/storefront-orders/internal/domain"
)

// DeadLetterSuffix дописывается к типу события при отправке в DLQ.
const DeadLetterSuffix = ".dead_letter"

// ErrDeadLetterEmpty возвращается, если в письме DLQ нет исходного события.
var ErrDeadLetterEmpty = errors.New("dead letter does not contain original event payload")

// DeadLetter — тело сообщения в DLQ: исходное событие и причина, по которой оно не ушло.
// BlockedBy заполнен, если событие не публиковалось, потому что более раннее
// событие того же агрегата уже ушло в DLQ.
type DeadLetter struct {
	OutboxID       string          `json:"outbox_id"`
	AggregateType  string          `json:"aggregate_type"`
	AggregateID    string          `json:"aggregate_id"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	PublishError   string          `json:"publish_error"`
	Attempts       int             `json:"attempts"`
	BlockedBy      string          `json:"blocked_by,omitempty"`
	Payment        *DeadPayment    `json:"payment,omitempty"`
	DeadLetteredAt time.Time       `json:"dlq_published_at"`
}

// DeadPayment выносит из payment.authorized то, что нужно для ручной сверки с процессором.
type DeadPayment struct {
	ChargeID    string   `json:"charge_id"`
	OrderIDs    []string `json:"order_ids,omitempty"`
	AmountMinor int64    `json:"amount"`
	Currency    string   `json:"currency"`
}

func newDeadLetter(event domain.OutboxMessage, reason error, attempts int, at time.Time) DeadLetter {
	letter := DeadLetter{
		OutboxID:       event.ID,
		AggregateType:  event.AggregateType,
		AggregateID:    event.AggregateID,
		EventType:      event.EventType,
		Payload:        json.RawMessage(event.Payload),
		Attempts:       attempts,
		DeadLetteredAt: at,
	}
	if reason != nil {
		letter.PublishError = reason.Error()
	}
	if event.AggregateType == domain.AggregatePayment {
		var payment DeadPayment
		if err := json.Unmarshal(event.Payload, &payment); err == nil && payment.ChargeID != "" {
			letter.Payment = &payment
		}
	}
	return letter
}

// message упаковывает письмо в outbox-сообщение для DLQ-паблишера.
func (l DeadLetter) message() (domain.OutboxMessage, error) {
	body, err := json.Marshal(l)
	if err != nil {
		return domain.OutboxMessage{}, fmt.Errorf("marshal dead letter: %w", err)
	}
	return domain.OutboxMessage{
		ID:            l.OutboxID,
		AggregateType: l.AggregateType,
		AggregateID:   l.AggregateID,
		EventType:     l.EventType + DeadLetterSuffix,
		Payload:       body,
	}, nil
}

// DecodeDeadLetter разбирает тело письма из DLQ.
func DecodeDeadLetter(data []byte) (DeadLetter, error) {
	var letter DeadLetter
	if err := json.Unmarshal(data, &letter); err != nil {
		return DeadLetter{}, fmt.Errorf("decode dead letter: %w", err)
	}
	if len(letter.Payload) == 0 || bytes.Equal(letter.Payload, []byte("null")) {
		return DeadLetter{}, ErrDeadLetterEmpty
	}
	return letter, nil
}

// Original восстанавливает исходное outbox-сообщение для повторной публикации.
func (l DeadLetter) Original() domain.OutboxMessage {
	return domain.OutboxMessage{
		ID:            l.OutboxID,
		AggregateType: l.AggregateType,
		AggregateID:   l.AggregateID,
		EventType:     strings.TrimSuffix(l.EventType, DeadLetterSuffix),
		Payload:       []byte(l.Payload),
	}
}
