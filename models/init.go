package models

import "gorm.io/gorm"

// CreateDefaultPlans seeds the plan catalogue. The free plan doubles as the fallback
// for users without an active subscription.
func CreateDefaultPlans(db *gorm.DB) error {
	defaultPlans := []SubscriptionPlan{
		{
			Name:              "free",
			Description:       "Try the product with a small audience",
			Price:             0,
			MaxTemplates:      3,
			MaxContacts:       500,
			MaxEmailsPerMonth: 1000,
			IsDefault:         true,
		},
		{
			Name:              "starter",
			Description:       "For small lists and newsletters",
			Price:             1500, // $15
			MaxTemplates:      20,
			MaxContacts:       5000,
			MaxEmailsPerMonth: 25000,
		},
		{
			Name:              "pro",
			Description:       "For growing senders",
			Price:             4900, // $49
			MaxTemplates:      100,
			MaxContacts:       50000,
			MaxEmailsPerMonth: 250000,
		},
		{
			Name:        "business",
			Description: "No limits",
			Price:       19900, // $199
		},
	}
	for _, plan := range defaultPlans {
		if err := db.FirstOrCreate(&plan, "name = ?", plan.Name).Error; err != nil {
			return err
		}
	}
	return nil
}
