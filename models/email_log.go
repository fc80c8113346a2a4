package models

import "time"

// EmailLogStatus moves only pending -> sent or pending -> failed
type EmailLogStatus string

const (
	EmailPending EmailLogStatus = "pending"
	EmailSent    EmailLogStatus = "sent"
	EmailFailed  EmailLogStatus = "failed"
)

// EmailLog is the append-only record of one recipient of one campaign.
// Rows are never soft-deleted so monthly usage stays stable.
type EmailLog struct {
	ID              uint           `gorm:"primarykey" json:"id"`
	EmailCampaignID uint           `gorm:"not null;uniqueIndex:idx_email_logs_campaign_email" json:"email_campaign_id"`
	EmailTemplateID uint           `gorm:"not null;index" json:"email_template_id"`
	ContactID       *uint          `gorm:"index" json:"contact_id"` // contact may be deleted later
	Email           string         `gorm:"not null;uniqueIndex:idx_email_logs_campaign_email" json:"email"`
	Subject         string         `json:"subject"`
	Status          EmailLogStatus `gorm:"type:varchar(16);default:'pending';index" json:"status"`
	ErrorMessage    string         `gorm:"type:text" json:"error_message,omitempty"`
	SentAt          *time.Time     `json:"sent_at"`
	CreatedAt       time.Time      `gorm:"index" json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}
