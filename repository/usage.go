package repository

import (
	"context"
	"time"

	"mailpilot/models"

	"gorm.io/gorm"
)

// UsageRepository counts consumption and resolves plans for the quota evaluator
type UsageRepository struct {
	db *gorm.DB
}

func NewUsageRepository(db *gorm.DB) *UsageRepository {
	return &UsageRepository{db: db}
}

func (r *UsageRepository) CountTemplates(ctx context.Context, userID uint) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.EmailTemplate{}).Where("user_id = ?", userID).Count(&n).Error
	return n, err
}

func (r *UsageRepository) CountContacts(ctx context.Context, userID uint) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.Contact{}).Where("user_id = ?", userID).Count(&n).Error
	return n, err
}

// CountEmails counts logs of the user's templates, deleted templates included
func (r *UsageRepository) CountEmails(ctx context.Context, userID uint, from, to time.Time) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.EmailLog{}).
		Joins("JOIN email_templates ON email_templates.id = email_logs.email_template_id").
		Where("email_templates.user_id = ? AND email_logs.created_at >= ? AND email_logs.created_at < ?", userID, from, to).
		Count(&n).Error
	return n, err
}

// EffectivePlan is the plan of the newest active, current subscription, else
// the default plan, else nil
func (r *UsageRepository) EffectivePlan(ctx context.Context, userID uint, at time.Time) (*models.SubscriptionPlan, error) {
	db := r.db.WithContext(ctx)

	var sub models.UserSubscription
	err := db.Preload("Plan").
		Where("user_id = ? AND is_active = ? AND (current_period_end IS NULL OR current_period_end > ?)", userID, true, at).
		Order("created_at DESC").
		First(&sub).Error
	ok, err := found(err)
	if err != nil {
		return nil, err
	}
	if ok && sub.Plan.ID != 0 {
		return &sub.Plan, nil
	}

	var plan models.SubscriptionPlan
	ok, err = found(db.Where("is_default = ?", true).Order("id").First(&plan).Error)
	if !ok {
		return nil, err
	}
	return &plan, nil
}
