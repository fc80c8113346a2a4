package models

import "gorm.io/gorm"

// User represents an account that owns contacts, templates and campaigns
type User struct {
	gorm.Model

	Email    string  `gorm:"uniqueIndex;not null" json:"email"`
	Name     *string `json:"name,omitempty"`
	IsActive bool    `gorm:"default:true" json:"is_active"`
	IsAdmin  bool    `gorm:"default:false" json:"is_admin"`

	// Bumped to invalidate every issued token
	TokenVersion int `gorm:"default:0" json:"-"`

	StripeCustomerID *string `gorm:"index" json:"stripe_customer_id,omitempty"`

	// Relations
	Subscriptions []UserSubscription `gorm:"foreignKey:UserID" json:"subscriptions,omitempty"`
	Templates     []EmailTemplate    `gorm:"foreignKey:UserID" json:"-"`
	Contacts      []Contact          `gorm:"foreignKey:UserID" json:"-"`
	Groups        []Group            `gorm:"foreignKey:UserID" json:"-"`
}
