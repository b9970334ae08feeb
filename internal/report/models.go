package report

import "time"

type Status string

const (
	StatusPending Status = "pending"
	StatusReady   Status = "ready"
	StatusFailed  Status = "failed"
)

type Report struct {
	ID        string    `gorm:"primaryKey;type:char(26)" json:"report_id"`
	SessionID string    `gorm:"type:varchar(64);not null;index" json:"session_id"`
	Status    Status    `gorm:"type:varchar(16);not null" json:"status"`
	Path      string    `gorm:"type:varchar(512)" json:"-"`
	Records   int       `gorm:"not null" json:"records"`
	Error     string    `gorm:"type:text" json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Report) TableName() string { return "session_reports" }
