package repository

import (
	"context"
	"fmt"
	"time"

	"mailpilot/dispatcher"
	"mailpilot/models"

	"gorm.io/gorm"
)

// CampaignRepository stores campaigns and their email logs
type CampaignRepository struct {
	db *gorm.DB
}

func NewCampaignRepository(db *gorm.DB) *CampaignRepository {
	return &CampaignRepository{db: db}
}

// CompareAndSwapStatus updates the campaign only while it is still in status from
func (r *CampaignRepository) CompareAndSwapStatus(ctx context.Context, id uint, from, to models.CampaignStatus, fields map[string]interface{}) (bool, error) {
	updates := map[string]interface{}{"status": to}
	for k, v := range fields {
		updates[k] = v
	}

	res := r.db.WithContext(ctx).Model(&models.EmailCampaign{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *CampaignRepository) GetCampaign(ctx context.Context, id uint) (*models.EmailCampaign, error) {
	var c models.EmailCampaign
	ok, err := found(r.db.WithContext(ctx).First(&c, id).Error)
	if !ok {
		return nil, err
	}
	return &c, nil
}

func (r *CampaignRepository) GetTemplate(ctx context.Context, id uint) (*models.EmailTemplate, error) {
	return NewTemplateRepository(r.db).GetTemplate(ctx, id)
}

func (r *CampaignRepository) GetGroup(ctx context.Context, id uint) (*models.Group, error) {
	var g models.Group
	ok, err := found(r.db.WithContext(ctx).First(&g, id).Error)
	if !ok {
		return nil, err
	}
	return &g, nil
}

// Recipients lists members who joined the group at or before asOf, in join order
func (r *CampaignRepository) Recipients(ctx context.Context, groupID uint, asOf time.Time) ([]dispatcher.Recipient, error) {
	var out []dispatcher.Recipient
	err := r.db.WithContext(ctx).Table("group_contacts").
		Select("contacts.id AS contact_id, contacts.email AS email, contacts.name AS name").
		Joins("JOIN contacts ON contacts.id = group_contacts.contact_id").
		Where("group_contacts.group_id = ? AND group_contacts.created_at <= ?", groupID, asOf).
		Order("group_contacts.created_at ASC, group_contacts.contact_id ASC").
		Scan(&out).Error
	return out, err
}

func (r *CampaignRepository) SetTotalRecipients(ctx context.Context, campaignID uint, total int) error {
	return r.db.WithContext(ctx).Model(&models.EmailCampaign{}).
		Where("id = ?", campaignID).
		Update("total_recipients", total).Error
}

// SaveProgress writes running counts while the campaign is still sending
func (r *CampaignRepository) SaveProgress(ctx context.Context, campaignID uint, sent, failed int) error {
	return r.db.WithContext(ctx).Model(&models.EmailCampaign{}).
		Where("id = ? AND status = ?", campaignID, models.CampaignSending).
		Updates(map[string]interface{}{
			"sent_count":   sent,
			"failed_count": failed,
		}).Error
}

func (r *CampaignRepository) ListLogs(ctx context.Context, campaignID uint) ([]models.EmailLog, error) {
	var logs []models.EmailLog
	err := r.db.WithContext(ctx).Where("email_campaign_id = ?", campaignID).Order("id").Find(&logs).Error
	return logs, err
}

func (r *CampaignRepository) CreateLog(ctx context.Context, log *models.EmailLog) error {
	return r.db.WithContext(ctx).Create(log).Error
}

// MarkLog finalises a pending log. Final logs are never changed again.
func (r *CampaignRepository) MarkLog(ctx context.Context, logID uint, status models.EmailLogStatus, errMsg string, sentAt *time.Time) error {
	res := r.db.WithContext(ctx).Model(&models.EmailLog{}).
		Where("id = ? AND status = ?", logID, models.EmailPending).
		Updates(map[string]interface{}{
			"status":        status,
			"error_message": errMsg,
			"sent_at":       sentAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("log %d: %w", logID, dispatcher.ErrLogNotPending)
	}
	return nil
}

// StaleSending finds campaigns in sending whose row has not changed since before
func (r *CampaignRepository) StaleSending(ctx context.Context, before time.Time) ([]models.EmailCampaign, error) {
	var out []models.EmailCampaign
	err := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", models.CampaignSending, before).
		Order("id").
		Limit(100).
		Find(&out).Error
	return out, err
}

func (r *CampaignRepository) Touch(ctx context.Context, campaignID uint) error {
	return r.db.WithContext(ctx).Model(&models.EmailCampaign{}).
		Where("id = ?", campaignID).
		Update("updated_at", time.Now()).Error
}
