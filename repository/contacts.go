package repository

import (
	"context"
	"strings"

	"mailpilot/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ContactRepository struct {
	db *gorm.DB
}

func NewContactRepository(db *gorm.DB) *ContactRepository {
	return &ContactRepository{db: db}
}

func (r *ContactRepository) FindByEmail(ctx context.Context, userID uint, email string) (*models.Contact, error) {
	var contact models.Contact
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND email = ?", userID, strings.ToLower(strings.TrimSpace(email))).
		First(&contact).Error
	ok, err := found(err)
	if !ok {
		return nil, err
	}
	return &contact, nil
}

func (r *ContactRepository) Create(ctx context.Context, contact *models.Contact) error {
	contact.Email = strings.ToLower(strings.TrimSpace(contact.Email))
	return r.db.WithContext(ctx).Create(contact).Error
}

// UpdateName sets the name only while it is still empty
func (r *ContactRepository) UpdateName(ctx context.Context, contactID uint, name string) error {
	return r.db.WithContext(ctx).Model(&models.Contact{}).
		Where("id = ? AND (name = '' OR name IS NULL)", contactID).
		Update("name", name).Error
}

// AttachToGroup adds a membership; existing memberships keep their original time
func (r *ContactRepository) AttachToGroup(ctx context.Context, groupID, contactID uint) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&models.GroupContact{GroupID: groupID, ContactID: contactID}).Error
}
