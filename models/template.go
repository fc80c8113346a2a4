package models

import (
	"time"

	"gorm.io/gorm"
)

// Import statuses for the last contact import against a template
const (
	ImportIdle       = "idle"
	ImportQueued     = "queued"
	ImportProcessing = "processing"
	ImportCompleted  = "completed"
	ImportFailed     = "failed"
)

// EmailTemplate holds campaign content and the summary of its last contact import
type EmailTemplate struct {
	gorm.Model
	UserID uint `gorm:"not null;index" json:"user_id"`

	Name         string `gorm:"not null" json:"name"`
	Subject      string `gorm:"not null" json:"subject"`
	FromName     string `json:"from_name"`
	ReplyToEmail string `json:"reply_to_email"`

	EditorContent string `gorm:"type:text" json:"editor_content"` // opaque editor design
	HTMLContent   string `gorm:"type:text" json:"html_content"`
	ThumbnailRef  string `json:"thumbnail_ref"`
	CSVFileRef    string `json:"csv_file_ref"`

	// Import summary, written only when an import runs to completion
	TotalProcessed      int        `gorm:"default:0" json:"total_processed"`
	TotalSent           int        `gorm:"default:0" json:"total_sent"` // contacts imported
	TotalSkipped        int        `gorm:"default:0" json:"total_skipped"`
	TotalFailed         int        `gorm:"default:0" json:"total_failed"`
	LastImportSummaryAt *time.Time `json:"last_import_summary_at"`

	ImportStatus string `gorm:"default:'idle'" json:"import_status"`
	ImportError  string `json:"import_error,omitempty"`

	// Relations
	User User `json:"-"`
}
