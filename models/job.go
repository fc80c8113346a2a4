package models

import "time"

// Background job statuses
const (
	JobQueued    = "queued"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// BackgroundJob tracks one queued unit of work so callers can poll its outcome
type BackgroundJob struct {
	ID        string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	UserID    uint      `gorm:"index" json:"user_id"`
	Type      string    `gorm:"not null;index" json:"type"` // import_contacts, send_campaign
	Payload   string    `gorm:"type:text" json:"payload"`
	Status    string    `gorm:"default:'queued';index" json:"status"`
	Attempts  int       `gorm:"default:0" json:"attempts"`
	LastError string    `gorm:"type:text" json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
