package models

import (
	"time"

	"gorm.io/gorm"
)

// Contact is a recipient owned by exactly one user. Contacts are deleted for
// real so the (user, email) slot frees up for a later import; email logs keep
// a nullable contact_id.
type Contact struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	UserID uint   `gorm:"not null;uniqueIndex:idx_contacts_user_email" json:"user_id"`
	Name   string `json:"name"`
	Email  string `gorm:"not null;uniqueIndex:idx_contacts_user_email" json:"email"` // always lower-cased

	// Relations
	Groups []Group `gorm:"many2many:group_contacts;" json:"groups,omitempty"`
}

// Group is a named recipient list targeted by campaigns
type Group struct {
	gorm.Model
	UserID uint   `gorm:"not null;index" json:"user_id"`
	Name   string `gorm:"not null" json:"name"`

	// Relations
	Contacts []Contact `gorm:"many2many:group_contacts;" json:"contacts,omitempty"`
}

// GroupContact is the membership join row. CreatedAt orders the recipient snapshot.
type GroupContact struct {
	GroupID   uint      `gorm:"primaryKey"`
	ContactID uint      `gorm:"primaryKey"`
	CreatedAt time.Time `gorm:"index"`
}

func (GroupContact) TableName() string {
	return "group_contacts"
}
