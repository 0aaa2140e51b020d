package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"

	"github.com/vladislavdragonenkov/storefront-orders/internal/domain"
)

const (
	metadataUserID    = "user_id"
	metadataCartItems = "cart_items"
)

// StripeGateway создаёт PaymentIntent через Stripe API.
type StripeGateway struct {
	api *client.API
}

// NewStripeClient создаёт клиента Stripe с ключом key.
// backends позволяет подменить адрес API, nil означает настройки по умолчанию.
func NewStripeClient(key string, backends *stripe.Backends) *client.API {
	return client.New(key, backends)
}

// NewStripeGateway оборачивает готового клиента.
func NewStripeGateway(api *client.API) *StripeGateway {
	return &StripeGateway{api: api}
}

// Authorize создаёт PaymentIntent для карты и возвращает его client secret.
func (g *StripeGateway) Authorize(ctx context.Context, req AuthorizeRequest) (Authorization, error) {
	if g == nil || g.api == nil {
		return Authorization{}, &domain.GatewayError{Message: "stripe client is not configured"}
	}

	cart, err := json.Marshal(cartOrEmpty(req.CartItems))
	if err != nil {
		return Authorization{}, fmt.Errorf("marshal cart items: %w", err)
	}

	currency := strings.ToLower(req.Currency)
	if currency == "" {
		currency = string(stripe.CurrencyUSD)
	}

	params := &stripe.PaymentIntentParams{
		Amount:             stripe.Int64(req.AmountMinor),
		Currency:           stripe.String(currency),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
	}
	params.Context = ctx
	params.AddMetadata(metadataUserID, req.UserRef)
	params.AddMetadata(metadataCartItems, string(cart))

	intent, err := g.api.PaymentIntents.New(params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.Msg != "" {
			return Authorization{}, &domain.GatewayError{Message: stripeErr.Msg, Err: err}
		}
		return Authorization{}, &domain.GatewayError{Message: err.Error(), Err: err}
	}

	return Authorization{
		ChargeID:     intent.ID,
		ClientSecret: intent.ClientSecret,
		Status:       statusFromIntent(intent.Status),
	}, nil
}

func statusFromIntent(status stripe.PaymentIntentStatus) domain.PayRecordStatus {
	switch status {
	case stripe.PaymentIntentStatusSucceeded:
		return domain.PayRecordSucceeded
	case stripe.PaymentIntentStatusCanceled:
		return domain.PayRecordFailed
	default:
		return domain.PayRecordPending
	}
}

func cartOrEmpty(items []json.RawMessage) []json.RawMessage {
	if items == nil {
		return []json.RawMessage{}
	}
	return items
}

var _ Gateway = (*StripeGateway)(nil)
