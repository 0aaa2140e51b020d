package httpapi

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/storefront-orders/internal/domain"
)

// amount сериализует decimal числом, без кавычек: витрина ждёт number.
type amount decimal.Decimal

func (a amount) MarshalJSON() ([]byte, error) {
	return []byte(decimal.Decimal(a).String()), nil
}

type envelope struct {
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

type lineRequest struct {
	InventoryID string           `json:"inventory_id"`
	Quantity    *int             `json:"quantity"`
	UnitPrice   *decimal.Decimal `json:"unit_price"`
	TotalPrice  *decimal.Decimal `json:"total_price"`
}

func (r lineRequest) toInput() domain.LineInput {
	return domain.LineInput{
		InventoryRef: r.InventoryID,
		Quantity:     r.Quantity,
		UnitPrice:    r.UnitPrice,
		LineTotal:    r.TotalPrice,
	}
}

func toLineInputs(lines []lineRequest) []domain.LineInput {
	inputs := make([]domain.LineInput, 0, len(lines))
	for _, line := range lines {
		inputs = append(inputs, line.toInput())
	}
	return inputs
}

type createOrderRequest struct {
	UserID       string        `json:"user_id"`
	Products     []lineRequest `json:"products"`
	IsPayed      bool          `json:"ispayed"`
	IsPacked     bool          `json:"ispacked"`
	IsDelivered  bool          `json:"isdelivered"`
	PlaceAddress string        `json:"place_address"`
}

func (r createOrderRequest) toInput() domain.NewOrderInput {
	in := domain.NewOrderInput{
		UserRef:         r.UserID,
		IsPaid:          r.IsPayed,
		IsPacked:        r.IsPacked,
		IsDelivered:     r.IsDelivered,
		ShippingAddress: r.PlaceAddress,
	}
	// Сумма позиции при создании всегда вычисляется сервером.
	for _, line := range r.Products {
		line.TotalPrice = nil
		in.Lines = append(in.Lines, line.toInput())
	}
	return in
}

// patchOrderRequest содержит только изменяемые поля.
// user_id и overall_total_price, если пришли, игнорируются.
type patchOrderRequest struct {
	Products     *[]lineRequest `json:"products"`
	IsPayed      *bool          `json:"ispayed"`
	IsPacked     *bool          `json:"ispacked"`
	IsDelivered  *bool          `json:"isdelivered"`
	PlaceAddress *string        `json:"place_address"`
	Version      *int64         `json:"version"`
}

func (r patchOrderRequest) toPatch() domain.OrderPatch {
	patch := domain.OrderPatch{
		IsPaid:          r.IsPayed,
		IsPacked:        r.IsPacked,
		IsDelivered:     r.IsDelivered,
		ShippingAddress: r.PlaceAddress,
		Version:         r.Version,
	}
	if r.Products != nil {
		lines := toLineInputs(*r.Products)
		patch.Lines = &lines
	}
	return patch
}

type updateQuantityRequest struct {
	Quantity *int `json:"quantity"`
}

type paymentIntentRequest struct {
	Amount    *int64            `json:"amount"`
	CartItems []json.RawMessage `json:"cartItems"`
	UserID    string            `json:"userId"`
	OrderIDs  []string          `json:"orderIds"`
}

type paymentIntentResponse struct {
	ClientSecret string `json:"client_secret"`
}

type lineResponse struct {
	InventoryID string `json:"inventory_id"`
	Quantity    int    `json:"quantity"`
	UnitPrice   amount `json:"unit_price"`
	TotalPrice  amount `json:"total_price"`
}

type orderResponse struct {
	ID                string         `json:"_id"`
	UserID            string         `json:"user_id"`
	Products          []lineResponse `json:"products"`
	OverallTotalPrice amount         `json:"overall_total_price"`
	IsPayed           bool           `json:"ispayed"`
	IsPacked          bool           `json:"ispacked"`
	IsDelivered       bool           `json:"isdelivered"`
	PlaceAddress      string         `json:"place_address"`
	Version           int64          `json:"version"`
	CreatedAt         time.Time      `json:"createdAt"`
	UpdatedAt         time.Time      `json:"updatedAt"`
}

func newOrderResponse(order domain.Order) orderResponse {
	products := make([]lineResponse, 0, len(order.Lines))
	for _, line := range order.Lines {
		products = append(products, lineResponse{
			InventoryID: line.InventoryRef,
			Quantity:    line.Quantity,
			UnitPrice:   amount(line.UnitPrice),
			TotalPrice:  amount(line.LineTotal),
		})
	}
	return orderResponse{
		ID:                order.ID,
		UserID:            order.UserRef,
		Products:          products,
		OverallTotalPrice: amount(order.OverallTotal),
		IsPayed:           order.IsPaid,
		IsPacked:          order.IsPacked,
		IsDelivered:       order.IsDelivered,
		PlaceAddress:      order.ShippingAddress,
		Version:           order.Version,
		CreatedAt:         order.CreatedAt,
		UpdatedAt:         order.UpdatedAt,
	}
}

func newOrderListResponse(orders []domain.Order) []orderResponse {
	out := make([]orderResponse, 0, len(orders))
	for _, order := range orders {
		out = append(out, newOrderResponse(order))
	}
	return out
}

type timelineEventResponse struct {
	Type     string    `json:"type"`
	Reason   string    `json:"reason"`
	Occurred time.Time `json:"occurred"`
}

func newTimelineResponse(events []domain.TimelineEvent) []timelineEventResponse {
	out := make([]timelineEventResponse, 0, len(events))
	for _, event := range events {
		out = append(out, timelineEventResponse{
			Type:     event.Type,
			Reason:   event.Reason,
			Occurred: event.Occurred,
		})
	}
	return out
}
