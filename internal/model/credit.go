package model

import (
	"time"
)

// CreditConfigID is the fixed key of the ledger singleton row.
const CreditConfigID = "main"

// CreditConfig is the global credit pool shared by every project.
//
// Only the ledger service mutates it, always inside a transaction that holds the
// row lock and bumps Version.
type CreditConfig struct {
	ID              string    `gorm:"type:varchar(32);primaryKey" json:"id"`
	TotalCredits    int64     `gorm:"not null;default:0" json:"total_credits"`
	UsedCredits     int64     `gorm:"not null;default:0" json:"used_credits"`
	ReservedCredits int64     `gorm:"not null;default:0" json:"reserved_credits"`
	CreditsPerCheck int64     `gorm:"not null;default:10" json:"credits_per_check"`
	Version         int       `gorm:"not null;default:0" json:"version"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (CreditConfig) TableName() string {
	return "credit_config"
}

// Available never goes below zero even if the raw counters over-commit.
func (c *CreditConfig) Available() int64 {
	available := c.TotalCredits - c.UsedCredits - c.ReservedCredits
	if available < 0 {
		return 0
	}
	return available
}

const (
	CreditOperationReservation = "RESERVATION"
	CreditOperationConsumption = "CONSUMPTION"
	CreditOperationRelease     = "RELEASE"
)

// CreditLog is the audit trail of the ledger. Rows are only ever inserted, in the
// same transaction as the counter change they describe.
//
// Amount is positive for reservations and consumptions, negative for releases.
type CreditLog struct {
	ID           int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Amount       int64     `gorm:"not null" json:"amount"`
	Operation    string    `gorm:"type:varchar(20);not null" json:"operation"`
	BalanceAfter int64     `gorm:"not null" json:"balance_after"`
	Description  string    `gorm:"type:varchar(256)" json:"description"`
	ProjectID    string    `gorm:"type:varchar(64);index" json:"project_id"`
	CreatedAt    time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

func (CreditLog) TableName() string {
	return "credit_log"
}

const (
	ReservationStatusActive   = "ACTIVE"
	ReservationStatusConsumed = "CONSUMED"
	ReservationStatusReleased = "RELEASED"
)

// CreditReservation is one earmark of credits for a project. Consumption draws
// Remaining down; release zeroes it. A project's CreditsReserved is the sum of
// Remaining over its ACTIVE reservations.
type CreditReservation struct {
	ID            int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	ReservationNo string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"reservation_no"`
	ProjectID     string    `gorm:"type:varchar(64);index:idx_reservation_project_status,priority:1;not null" json:"project_id"`
	Amount        int64     `gorm:"not null" json:"amount"`
	Remaining     int64     `gorm:"not null" json:"remaining"`
	Status        string    `gorm:"type:varchar(20);index:idx_reservation_project_status,priority:2;not null" json:"status"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (CreditReservation) TableName() string {
	return "credit_reservation"
}
