package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"mailpilot/models"

	"github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v76"
)

// Handled event types
const (
	EventSubscriptionCreated = "customer.subscription.created"
	EventSubscriptionUpdated = "customer.subscription.updated"
	EventSubscriptionDeleted = "customer.subscription.deleted"
	EventPaymentFailed       = "invoice.payment_failed"
)

// SubscriptionStore persists subscriptions. Find* return nil, nil when nothing matches.
type SubscriptionStore interface {
	FindUserByCustomer(ctx context.Context, customerID string) (*models.User, error)
	FindPlanByPrice(ctx context.Context, priceID string) (*models.SubscriptionPlan, error)
	FindByStripeID(ctx context.Context, stripeSubscriptionID string) (*models.UserSubscription, error)
	// SaveSubscription upserts sub; an active sub deactivates the user's other subscriptions
	SaveSubscription(ctx context.Context, sub *models.UserSubscription) error
}

type Service struct {
	client BillingClient
	store  SubscriptionStore
	logger *logrus.Entry
	now    func() time.Time
}

func NewService(client BillingClient, store SubscriptionStore, logger *logrus.Entry) *Service {
	return &Service{client: client, store: store, logger: logger, now: time.Now}
}

// HandleWebhook verifies payload and applies the event it carries
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	event, err := s.client.ConstructEvent(payload, signature)
	if err != nil {
		return err
	}
	return s.HandleEvent(ctx, event)
}

// HandleEvent applies one provider event. Events for unknown customers, plans
// or subscriptions are logged and acknowledged so the provider stops retrying.
func (s *Service) HandleEvent(ctx context.Context, event stripe.Event) error {
	log := s.logger.WithFields(logrus.Fields{
		"event_id":   event.ID,
		"event_type": event.Type,
	})
	if event.Data == nil {
		log.Warn("event without data")
		return nil
	}

	switch string(event.Type) {
	case EventSubscriptionCreated, EventSubscriptionUpdated:
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("decoding subscription: %w", err)
		}
		return s.syncSubscription(ctx, &sub, log)

	case EventSubscriptionDeleted:
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("decoding subscription: %w", err)
		}
		return s.cancelSubscription(ctx, &sub, log)

	case EventPaymentFailed:
		var inv stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return fmt.Errorf("decoding invoice: %w", err)
		}
		return s.paymentFailed(ctx, &inv, log)
	}

	log.Debug("ignoring unhandled event")
	return nil
}

func (s *Service) syncSubscription(ctx context.Context, sub *stripe.Subscription, log *logrus.Entry) error {
	log = log.WithField("stripe_subscription_id", sub.ID)

	local, err := s.store.FindByStripeID(ctx, sub.ID)
	if err != nil {
		return err
	}
	if local == nil {
		if sub.Customer == nil {
			log.Warn("subscription without customer")
			return nil
		}
		user, err := s.store.FindUserByCustomer(ctx, sub.Customer.ID)
		if err != nil {
			return err
		}
		if user == nil {
			log.WithField("customer_id", sub.Customer.ID).Warn("no user for customer")
			return nil
		}
		local = &models.UserSubscription{UserID: user.ID, StripeSubscriptionID: sub.ID}
	}

	if priceID := priceOf(sub); priceID != "" {
		plan, err := s.store.FindPlanByPrice(ctx, priceID)
		if err != nil {
			return err
		}
		if plan == nil {
			log.WithField("price_id", priceID).Warn("no plan for price")
			return nil
		}
		local.PlanID = plan.ID
	}
	if local.PlanID == 0 {
		log.Warn("subscription has no price")
		return nil
	}

	local.Status = string(sub.Status)
	local.IsActive = models.IsActiveStatus(local.Status)
	local.CurrentPeriodStart = unixTime(sub.CurrentPeriodStart)
	local.CurrentPeriodEnd = unixTime(sub.CurrentPeriodEnd)
	local.CanceledAt = unixTime(sub.CanceledAt)

	if err := s.store.SaveSubscription(ctx, local); err != nil {
		return fmt.Errorf("saving subscription %s: %w", sub.ID, err)
	}
	log.WithFields(logrus.Fields{
		"user_id": local.UserID,
		"status":  local.Status,
		"plan_id": local.PlanID,
	}).Info("subscription synced")
	return nil
}

func (s *Service) cancelSubscription(ctx context.Context, sub *stripe.Subscription, log *logrus.Entry) error {
	local, err := s.store.FindByStripeID(ctx, sub.ID)
	if err != nil {
		return err
	}
	if local == nil {
		log.WithField("stripe_subscription_id", sub.ID).Warn("unknown subscription deleted")
		return nil
	}

	canceledAt := unixTime(sub.CanceledAt)
	if canceledAt == nil {
		now := s.now()
		canceledAt = &now
	}
	local.Status = models.SubscriptionCanceled
	local.IsActive = false
	local.CanceledAt = canceledAt

	if err := s.store.SaveSubscription(ctx, local); err != nil {
		return fmt.Errorf("canceling subscription %s: %w", sub.ID, err)
	}
	log.WithField("user_id", local.UserID).Info("subscription canceled")
	return nil
}

func (s *Service) paymentFailed(ctx context.Context, inv *stripe.Invoice, log *logrus.Entry) error {
	if inv.Subscription == nil || inv.Subscription.ID == "" {
		log.Debug("payment failure for invoice without subscription")
		return nil
	}
	subID := inv.Subscription.ID

	local, err := s.store.FindByStripeID(ctx, subID)
	if err != nil {
		return err
	}
	if local == nil {
		log.WithField("stripe_subscription_id", subID).Warn("payment failed for unknown subscription")
		return nil
	}

	status := models.SubscriptionPastDue
	if remote, err := s.client.GetSubscription(ctx, subID); err != nil {
		log.WithError(err).Warn("could not refresh subscription, assuming past_due")
	} else if remote.Status != "" {
		status = string(remote.Status)
	}

	local.Status = status
	local.IsActive = false
	if err := s.store.SaveSubscription(ctx, local); err != nil {
		return fmt.Errorf("saving subscription %s: %w", subID, err)
	}
	log.WithFields(logrus.Fields{
		"user_id": local.UserID,
		"status":  status,
	}).Warn("subscription payment failed")
	return nil
}

func priceOf(sub *stripe.Subscription) string {
	if sub.Items == nil {
		return ""
	}
	for _, item := range sub.Items.Data {
		if item != nil && item.Price != nil && item.Price.ID != "" {
			return item.Price.ID
		}
	}
	return ""
}

func unixTime(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0)
	return &t
}
