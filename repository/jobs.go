package repository

import (
	"context"

	"mailpilot/models"

	"gorm.io/gorm"
)

type JobRepository struct {
	db *gorm.DB
}

func NewJobRepository(db *gorm.DB) *JobRepository {
	return &JobRepository{db: db}
}

func (r *JobRepository) CreateJob(ctx context.Context, job *models.BackgroundJob) error {
	return r.db.WithContext(ctx).Create(job).Error
}

func (r *JobRepository) UpdateJob(ctx context.Context, id, status string, attempts int, lastError string) error {
	return r.db.WithContext(ctx).Model(&models.BackgroundJob{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     status,
			"attempts":   attempts,
			"last_error": lastError,
		}).Error
}

// FindJob returns the user's job or nil, nil
func (r *JobRepository) FindJob(ctx context.Context, id string, userID uint) (*models.BackgroundJob, error) {
	var job models.BackgroundJob
	ok, err := found(r.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).First(&job).Error)
	if !ok {
		return nil, err
	}
	return &job, nil
}
