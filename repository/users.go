package repository

import (
	"context"

	"mailpilot/models"

	"gorm.io/gorm"
)

type UserRepository struct {
	db *gorm.DB
}

func NewUserRepository(db *gorm.DB) *UserRepository {
	return &UserRepository{db: db}
}

// FindByID returns nil, nil for unknown or deleted users
func (r *UserRepository) FindByID(ctx context.Context, id uint) (*models.User, error) {
	var user models.User
	ok, err := found(r.db.WithContext(ctx).First(&user, id).Error)
	if !ok {
		return nil, err
	}
	return &user, nil
}
