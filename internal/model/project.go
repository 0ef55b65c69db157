package model

import (
	"time"
)

const (
	ProjectStatusIdle       = "IDLE"
	ProjectStatusImported   = "IMPORTED"
	ProjectStatusQueued     = "QUEUED"
	ProjectStatusProcessing = "PROCESSING"
	ProjectStatusCompleted  = "COMPLETED"
	ProjectStatusFailed     = "FAILED"
)

// ValidProjectTransitions lists every legal status change. COMPLETED and FAILED
// are terminal.
var ValidProjectTransitions = map[string][]string{
	ProjectStatusIdle:       {ProjectStatusImported, ProjectStatusQueued},
	ProjectStatusImported:   {ProjectStatusQueued},
	ProjectStatusQueued:     {ProjectStatusProcessing, ProjectStatusFailed},
	ProjectStatusProcessing: {ProjectStatusCompleted, ProjectStatusFailed},
}

func CanProjectTransitionTo(currentStatus, targetStatus string) bool {
	allowedStatuses, exists := ValidProjectTransitions[currentStatus]
	if !exists {
		return false
	}
	for _, s := range allowedStatuses {
		if s == targetStatus {
			return true
		}
	}
	return false
}

func IsValidProjectStatus(status string) bool {
	switch status {
	case ProjectStatusIdle, ProjectStatusImported, ProjectStatusQueued,
		ProjectStatusProcessing, ProjectStatusCompleted, ProjectStatusFailed:
		return true
	}
	return false
}

type Project struct {
	ID              string     `gorm:"type:varchar(64);primaryKey" json:"id"`
	Name            string     `gorm:"type:varchar(128);not null" json:"name"`
	Status          string     `gorm:"type:varchar(20);index;not null;default:IDLE" json:"status"`
	TotalURLs       int64      `gorm:"column:total_urls;not null;default:0" json:"total_urls"`
	ProcessedCount  int64      `gorm:"not null;default:0" json:"processed_count"`
	IndexedCount    int64      `gorm:"not null;default:0" json:"indexed_count"`
	NotIndexedCount int64      `gorm:"not null;default:0" json:"not_indexed_count"`
	ErrorCount      int64      `gorm:"not null;default:0" json:"error_count"`
	CreditsReserved int64      `gorm:"not null;default:0" json:"credits_reserved"`
	CreditsUsed     int64      `gorm:"not null;default:0" json:"credits_used"`
	StartedAt       *time.Time `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at"`
	CreatedAt       time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Project) TableName() string {
	return "project"
}
