package model

import (
	"time"
)

const (
	URLStatusPending    = "PENDING"
	URLStatusQueued     = "QUEUED"
	URLStatusProcessing = "PROCESSING"
	URLStatusCompleted  = "COMPLETED"
	URLStatusFailed     = "FAILED"
)

// URL is one backlink to check. IsIndexed stays nil until a check succeeds.
type URL struct {
	ID           int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	ProjectID    string    `gorm:"type:varchar(64);not null;uniqueIndex:idx_url_project_url,priority:1;index:idx_url_project_status,priority:1" json:"project_id"`
	URL          string    `gorm:"column:url;type:varchar(768);not null;uniqueIndex:idx_url_project_url,priority:2" json:"url"`
	Domain       string    `gorm:"type:varchar(255);index;not null" json:"domain"`
	Status       string    `gorm:"type:varchar(20);not null;default:PENDING;index:idx_url_project_status,priority:2" json:"status"`
	IsIndexed    *bool     `json:"is_indexed"`
	ErrorMessage string    `gorm:"type:varchar(512)" json:"error_message,omitempty"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime;index" json:"updated_at"`
}

func (URL) TableName() string {
	return "url"
}

// Domain records each host seen in a project's imports.
type Domain struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	ProjectID string    `gorm:"type:varchar(64);not null;uniqueIndex:idx_domain_project_domain,priority:1" json:"project_id"`
	Domain    string    `gorm:"type:varchar(255);not null;uniqueIndex:idx_domain_project_domain,priority:2" json:"domain"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (Domain) TableName() string {
	return "domain"
}
