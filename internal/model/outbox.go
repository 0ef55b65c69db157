package model

import (
	"time"
)

const (
	OutboxStatusPending = "PENDING"
	OutboxStatusSent    = "SENT"
	OutboxStatusFailed  = "FAILED"
)

// OutboxMessage is written in the same transaction as the state change it
// announces and published later by the outbox sender.
type OutboxMessage struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	MessageKey string    `gorm:"type:varchar(64);index;not null" json:"message_key"`
	Topic      string    `gorm:"type:varchar(64);not null" json:"topic"`
	Payload    string    `gorm:"type:text;not null" json:"payload"`
	Status     string    `gorm:"type:varchar(20);index;not null;default:PENDING" json:"status"`
	RetryCount int       `gorm:"not null;default:0" json:"retry_count"`
	CreatedAt  time.Time `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (OutboxMessage) TableName() string {
	return "outbox_message"
}

// CheckJob is the work unit handed to the check workers: a batch of URL ids of
// one project.
type CheckJob struct {
	ProjectID  string    `json:"project_id"`
	URLIDs     []int64   `json:"url_ids"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// CheckResult is what a worker reports back for a single URL. A nil IsIndexed
// together with a non-empty Error means the check itself failed.
type CheckResult struct {
	URLID     int64  `json:"url_id"`
	IsIndexed *bool  `json:"is_indexed"`
	Error     string `json:"error,omitempty"`
}

// CompensationAlert is published when a reservation could not be released after
// a failed start, so it can be reconciled offline.
type CompensationAlert struct {
	ProjectID  string    `json:"project_id"`
	Operation  string    `json:"operation"`
	Cause      string    `json:"cause"`
	OccurredAt time.Time `json:"occurred_at"`
}
