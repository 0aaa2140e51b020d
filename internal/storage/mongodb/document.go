package mongodb

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/vladislavdragonenkov/storefront-orders/internal/domain"
)

// orderDocument — форма заказа в коллекции orders.
type orderDocument struct {
	ID                string               `bson:"_id"`
	UserID            string               `bson:"user_id"`
	Products          []lineDocument       `bson:"products"`
	OverallTotalPrice primitive.Decimal128 `bson:"overall_total_price"`
	IsPayed           bool                 `bson:"ispayed"`
	IsPacked          bool                 `bson:"ispacked"`
	IsDelivered       bool                 `bson:"isdelivered"`
	PlaceAddress      string               `bson:"place_address,omitempty"`
	Version           int64                `bson:"version"`
	CreatedAt         time.Time            `bson:"createdAt"`
	UpdatedAt         time.Time            `bson:"updatedAt"`
}

type lineDocument struct {
	InventoryID string               `bson:"inventory_id"`
	Quantity    int                  `bson:"quantity"`
	UnitPrice   primitive.Decimal128 `bson:"unit_price"`
	TotalPrice  primitive.Decimal128 `bson:"total_price"`
}

func toDecimal128(d decimal.Decimal) (primitive.Decimal128, error) {
	v, err := primitive.ParseDecimal128(d.String())
	if err != nil {
		return primitive.Decimal128{}, fmt.Errorf("convert %s to decimal128: %w", d, err)
	}
	return v, nil
}

func fromDecimal128(v primitive.Decimal128) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(v.String())
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("convert decimal128 %s: %w", v, err)
	}
	return d, nil
}

func newOrderDocument(order domain.Order) (orderDocument, error) {
	total, err := toDecimal128(order.OverallTotal)
	if err != nil {
		return orderDocument{}, err
	}

	products := make([]lineDocument, 0, len(order.Lines))
	for _, line := range order.Lines {
		unit, err := toDecimal128(line.UnitPrice)
		if err != nil {
			return orderDocument{}, err
		}
		lineTotal, err := toDecimal128(line.LineTotal)
		if err != nil {
			return orderDocument{}, err
		}
		products = append(products, lineDocument{
			InventoryID: line.InventoryRef,
			Quantity:    line.Quantity,
			UnitPrice:   unit,
			TotalPrice:  lineTotal,
		})
	}

	return orderDocument{
		ID:                order.ID,
		UserID:            order.UserRef,
		Products:          products,
		OverallTotalPrice: total,
		IsPayed:           order.IsPaid,
		IsPacked:          order.IsPacked,
		IsDelivered:       order.IsDelivered,
		PlaceAddress:      order.ShippingAddress,
		Version:           order.Version,
		CreatedAt:         order.CreatedAt.UTC(),
		UpdatedAt:         order.UpdatedAt.UTC(),
	}, nil
}

func (d orderDocument) toDomain() (domain.Order, error) {
	total, err := fromDecimal128(d.OverallTotalPrice)
	if err != nil {
		return domain.Order{}, err
	}

	lines := make([]domain.PriceLine, 0, len(d.Products))
	for _, p := range d.Products {
		unit, err := fromDecimal128(p.UnitPrice)
		if err != nil {
			return domain.Order{}, err
		}
		lineTotal, err := fromDecimal128(p.TotalPrice)
		if err != nil {
			return domain.Order{}, err
		}
		lines = append(lines, domain.PriceLine{
			InventoryRef: p.InventoryID,
			Quantity:     p.Quantity,
			UnitPrice:    unit,
			LineTotal:    lineTotal,
		})
	}

	return domain.Order{
		ID:              d.ID,
		UserRef:         d.UserID,
		Lines:           lines,
		OverallTotal:    total,
		IsPaid:          d.IsPayed,
		IsPacked:        d.IsPacked,
		IsDelivered:     d.IsDelivered,
		ShippingAddress: d.PlaceAddress,
		Version:         d.Version,
		CreatedAt:       d.CreatedAt.UTC(),
		UpdatedAt:       d.UpdatedAt.UTC(),
	}, nil
}
