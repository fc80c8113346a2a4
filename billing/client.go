// Package billing keeps local subscriptions in step with the payment provider.
package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
)

// ErrInvalidSignature is returned for webhook payloads that fail verification
var ErrInvalidSignature = errors.New("invalid webhook signature")

// BillingClient is the provider surface the service depends on
type BillingClient interface {
	ConstructEvent(payload []byte, signature string) (stripe.Event, error)
	GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error)
}

// StripeClient implements BillingClient with a per-instance API client
type StripeClient struct {
	api           *client.API
	webhookSecret string
	tolerance     time.Duration
}

func NewStripeClient(secretKey, webhookSecret string) *StripeClient {
	api := &client.API{}
	api.Init(secretKey, nil)
	return &StripeClient{
		api:           api,
		webhookSecret: webhookSecret,
		tolerance:     5 * time.Minute, // clock drift
	}
}

func (s *StripeClient) ConstructEvent(payload []byte, signature string) (stripe.Event, error) {
	if signature == "" {
		return stripe.Event{}, fmt.Errorf("%w: missing Stripe-Signature header", ErrInvalidSignature)
	}
	event, err := webhook.ConstructEventWithTolerance(payload, signature, s.webhookSecret, s.tolerance)
	if err != nil {
		return stripe.Event{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return event, nil
}

func (s *StripeClient) GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	sub, err := s.api.Subscriptions.Get(id, params)
	if err != nil {
		return nil, fmt.Errorf("fetching subscription %s: %w", id, err)
	}
	return sub, nil
}
