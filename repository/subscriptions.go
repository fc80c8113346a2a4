package repository

import (
	"context"

	"mailpilot/models"

	"gorm.io/gorm"
)

type SubscriptionRepository struct {
	db *gorm.DB
}

func NewSubscriptionRepository(db *gorm.DB) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

func (r *SubscriptionRepository) FindUserByCustomer(ctx context.Context, customerID string) (*models.User, error) {
	var user models.User
	ok, err := found(r.db.WithContext(ctx).Where("stripe_customer_id = ?", customerID).First(&user).Error)
	if !ok {
		return nil, err
	}
	return &user, nil
}

func (r *SubscriptionRepository) FindPlanByPrice(ctx context.Context, priceID string) (*models.SubscriptionPlan, error) {
	var plan models.SubscriptionPlan
	ok, err := found(r.db.WithContext(ctx).Where("stripe_price_id = ?", priceID).First(&plan).Error)
	if !ok {
		return nil, err
	}
	return &plan, nil
}

func (r *SubscriptionRepository) FindByStripeID(ctx context.Context, stripeSubscriptionID string) (*models.UserSubscription, error) {
	var sub models.UserSubscription
	ok, err := found(r.db.WithContext(ctx).Where("stripe_subscription_id = ?", stripeSubscriptionID).First(&sub).Error)
	if !ok {
		return nil, err
	}
	return &sub, nil
}

// SaveSubscription upserts sub. Activating a subscription deactivates the
// user's other ones so exactly one governs the quota.
func (r *SubscriptionRepository) SaveSubscription(ctx context.Context, sub *models.UserSubscription) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit("User", "Plan").Save(sub).Error; err != nil {
			return err
		}
		if !sub.IsActive {
			return nil
		}
		return tx.Model(&models.UserSubscription{}).
			Where("user_id = ? AND id <> ? AND is_active = ?", sub.UserID, sub.ID, true).
			Update("is_active", false).Error
	})
}
