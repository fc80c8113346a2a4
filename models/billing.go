package models

import (
	"time"

	"gorm.io/gorm"
)

// ResourceKind names a quota-limited resource
type ResourceKind string

const (
	ResourceTemplates ResourceKind = "templates"
	ResourceContacts  ResourceKind = "contacts"
	ResourceEmails    ResourceKind = "emails"
)

// ResourceKinds lists every kind in display order
var ResourceKinds = []ResourceKind{ResourceTemplates, ResourceContacts, ResourceEmails}

// SubscriptionPlan defines per-plan usage limits. A limit of 0 means unlimited.
type SubscriptionPlan struct {
	gorm.Model
	Name        string `gorm:"not null;uniqueIndex" json:"name"` // free, starter, pro, business
	Description string `json:"description"`
	Price       int    `gorm:"default:0" json:"price"` // in cents

	MaxTemplates      int `gorm:"default:0" json:"max_templates"`
	MaxContacts       int `gorm:"default:0" json:"max_contacts"`
	MaxEmailsPerMonth int `gorm:"default:0" json:"max_emails_per_month"`

	// Plan applied to users without an active subscription
	IsDefault bool `gorm:"default:false" json:"is_default"`

	StripePriceID   string `gorm:"index" json:"stripe_price_id"`
	BillingInterval string `gorm:"default:'monthly'" json:"billing_interval"` // monthly, yearly
}

// LimitFor returns the configured limit for kind
func (p *SubscriptionPlan) LimitFor(kind ResourceKind) int {
	switch kind {
	case ResourceTemplates:
		return p.MaxTemplates
	case ResourceContacts:
		return p.MaxContacts
	case ResourceEmails:
		return p.MaxEmailsPerMonth
	}
	return 0
}

// Subscription statuses mirror the billing provider's vocabulary
const (
	SubscriptionActive     = "active"
	SubscriptionTrialing   = "trialing"
	SubscriptionPastDue    = "past_due"
	SubscriptionCanceled   = "canceled"
	SubscriptionIncomplete = "incomplete"
	SubscriptionUnpaid     = "unpaid"
)

// UserSubscription links a user to a plan for a billing period
type UserSubscription struct {
	gorm.Model
	UserID uint `gorm:"not null;index" json:"user_id"`
	PlanID uint `gorm:"not null;index" json:"plan_id"`

	Status   string `gorm:"default:'active'" json:"status"`
	IsActive bool   `gorm:"default:true" json:"is_active"`

	StripeSubscriptionID string     `gorm:"index" json:"stripe_subscription_id,omitempty"`
	CurrentPeriodStart   *time.Time `json:"current_period_start"`
	CurrentPeriodEnd     *time.Time `json:"current_period_end"`
	CanceledAt           *time.Time `json:"canceled_at"`

	// Relations
	User User             `json:"-"`
	Plan SubscriptionPlan `json:"plan"`
}

// CurrentAt reports whether the subscription grants access at t
func (s *UserSubscription) CurrentAt(t time.Time) bool {
	if !s.IsActive {
		return false
	}
	return s.CurrentPeriodEnd == nil || t.Before(*s.CurrentPeriodEnd)
}

// IsActiveStatus reports whether a provider status keeps the subscription usable
func IsActiveStatus(status string) bool {
	return status == SubscriptionActive || status == SubscriptionTrialing
}
