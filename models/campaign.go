package models

import (
	"time"

	"gorm.io/gorm"
)

// CampaignStatus is the lifecycle state of an EmailCampaign
type CampaignStatus string

const (
	CampaignDraft   CampaignStatus = "draft"
	CampaignSending CampaignStatus = "sending"
	CampaignSent    CampaignStatus = "sent"
	CampaignFailed  CampaignStatus = "failed"
)

// IsTerminal reports whether no further dispatch may happen
func (s CampaignStatus) IsTerminal() bool {
	return s == CampaignSent || s == CampaignFailed
}

// EmailCampaign is one bulk send of a template to a group
type EmailCampaign struct {
	gorm.Model
	UserID          uint `gorm:"not null;index" json:"user_id"`
	EmailTemplateID uint `gorm:"not null;index" json:"email_template_id"`
	GroupID         uint `gorm:"not null;index" json:"group_id"`

	Name         string `json:"name"`
	Subject      string `gorm:"not null" json:"subject"`
	FromName     string `json:"from_name"`
	ReplyToEmail string `json:"reply_to_email"`

	Status    CampaignStatus `gorm:"type:varchar(16);default:'draft';index" json:"status"`
	StartedAt *time.Time     `json:"started_at"`
	SentAt    *time.Time     `json:"sent_at"`
	LastError string         `json:"last_error,omitempty"`

	// Statistics
	TotalRecipients int `gorm:"default:0" json:"total_recipients"`
	SentCount       int `gorm:"default:0" json:"sent_count"`
	FailedCount     int `gorm:"default:0" json:"failed_count"`

	// Relations
	Template EmailTemplate `gorm:"foreignKey:EmailTemplateID" json:"template,omitempty"`
	Group    Group         `gorm:"foreignKey:GroupID" json:"group,omitempty"`
}
