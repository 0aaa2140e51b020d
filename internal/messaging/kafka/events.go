package kafka

import (
	"encoding/json"
	"time"

	"github.com/vladislavdragonenkov/storefront-orders/internal/domain"
)

// Topics для Kafka
const (
	TopicOrderEvents     = "storefront.order.events"
	TopicPaymentEvents   = "storefront.payment.events"
	TopicDeadLetterQueue = "storefront.dlq" // Dead Letter Queue для failed messages
)

// Kafka headers
const (
	HeaderEventType     = "x-event-type"
	HeaderAggregateType = "x-aggregate-type"
	HeaderOutboxID      = "x-outbox-id"
	HeaderOriginalTopic = "x-original-topic"
)

// OutboxEnvelope — тело сообщения, которое получают подписчики.
type OutboxEnvelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishedAt   time.Time       `json:"published_at"`
}

// NewOutboxEnvelope оборачивает outbox-сообщение. Пустой payload заменяется на {}.
func NewOutboxEnvelope(msg domain.OutboxMessage, publishedAt time.Time) OutboxEnvelope {
	payload := json.RawMessage(msg.Payload)
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	return OutboxEnvelope{
		ID:            msg.ID,
		AggregateType: msg.AggregateType,
		AggregateID:   msg.AggregateID,
		EventType:     msg.EventType,
		Payload:       payload,
		PublishedAt:   publishedAt,
	}
}

// TopicForAggregate выбирает topic по типу агрегата.
func TopicForAggregate(aggregateType string) string {
	switch aggregateType {
	case domain.AggregatePayment:
		return TopicPaymentEvents
	default:
		return TopicOrderEvents
	}
}
