package repository

import (
	"context"
	"time"

	"mailpilot/importer"
	"mailpilot/models"

	"gorm.io/gorm"
)

type TemplateRepository struct {
	db *gorm.DB
}

func NewTemplateRepository(db *gorm.DB) *TemplateRepository {
	return &TemplateRepository{db: db}
}

func (r *TemplateRepository) GetTemplate(ctx context.Context, id uint) (*models.EmailTemplate, error) {
	var tpl models.EmailTemplate
	ok, err := found(r.db.WithContext(ctx).First(&tpl, id).Error)
	if !ok {
		return nil, err
	}
	return &tpl, nil
}

func (r *TemplateRepository) SetImportStatus(ctx context.Context, id uint, status, message string) error {
	return r.db.WithContext(ctx).Model(&models.EmailTemplate{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"import_status": status,
			"import_error":  message,
		}).Error
}

func (r *TemplateRepository) SaveImportSummary(ctx context.Context, id uint, s *importer.Summary, at time.Time) error {
	return r.db.WithContext(ctx).Model(&models.EmailTemplate{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"total_processed":        s.Processed,
			"total_sent":             s.Imported,
			"total_skipped":          s.Skipped,
			"total_failed":           s.Failed,
			"last_import_summary_at": at,
			"import_status":          models.ImportCompleted,
			"import_error":           "",
		}).Error
}
