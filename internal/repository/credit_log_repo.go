package repository

import (
	"context"
	"time"

	"indexcheck/internal/model"

	"gorm.io/gorm"
)

type CreditLogRepository struct {
	db *gorm.DB
}

func NewCreditLogRepository(db *gorm.DB) *CreditLogRepository {
	return &CreditLogRepository{db: db}
}

func (r *CreditLogRepository) Create(ctx context.Context, tx *gorm.DB, entry *model.CreditLog) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(entry).Error
}

// CreditLogView is a log row joined with the name of its project.
type CreditLogView struct {
	ID           int64     `json:"id"`
	Amount       int64     `json:"amount"`
	Operation    string    `json:"operation"`
	BalanceAfter int64     `json:"balance_after"`
	Description  string    `json:"description"`
	ProjectID    string    `json:"project_id"`
	ProjectName  string    `json:"project_name"`
	CreatedAt    time.Time `json:"created_at"`
}

// List returns the newest entries first, optionally for one project only.
func (r *CreditLogRepository) List(ctx context.Context, projectID string, limit int) ([]*CreditLogView, error) {
	var entries []*CreditLogView

	query := r.db.WithContext(ctx).
		Table("credit_log").
		Select("credit_log.id, credit_log.amount, credit_log.operation, credit_log.balance_after, " +
			"credit_log.description, credit_log.project_id, COALESCE(project.name, '') AS project_name, credit_log.created_at").
		Joins("LEFT JOIN project ON project.id = credit_log.project_id")
	if projectID != "" {
		query = query.Where("credit_log.project_id = ?", projectID)
	}

	err := query.
		Order("credit_log.created_at DESC").
		Order("credit_log.id DESC").
		Limit(limit).
		Scan(&entries).Error
	return entries, err
}
