package repository

import (
	"context"
	"errors"

	"indexcheck/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrCreditConfigNotFound = errors.New("credit configuration not found")
	ErrCreditNotEnough      = errors.New("available credits not enough")
	ErrOptimisticLock       = errors.New("optimistic lock conflict, retry")
)

type CreditRepository struct {
	db *gorm.DB
}

func NewCreditRepository(db *gorm.DB) *CreditRepository {
	return &CreditRepository{db: db}
}

func (r *CreditRepository) Get(ctx context.Context, tx *gorm.DB) (*model.CreditConfig, error) {
	if tx == nil {
		tx = r.db
	}
	var cfg model.CreditConfig
	err := tx.WithContext(ctx).Where("id = ?", model.CreditConfigID).First(&cfg).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCreditConfigNotFound
		}
		return nil, err
	}
	return &cfg, nil
}

// GetForUpdate locks the singleton row for the rest of tx.
func (r *CreditRepository) GetForUpdate(ctx context.Context, tx *gorm.DB) (*model.CreditConfig, error) {
	var cfg model.CreditConfig
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", model.CreditConfigID).
		First(&cfg).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCreditConfigNotFound
		}
		return nil, err
	}
	return &cfg, nil
}

// Provision inserts the singleton if it does not exist yet. An existing row is
// never overwritten.
func (r *CreditRepository) Provision(ctx context.Context, cfg *model.CreditConfig) (*model.CreditConfig, error) {
	cfg.ID = model.CreditConfigID
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoNothing: true,
		}).
		Create(cfg).Error
	if err != nil {
		return nil, err
	}
	return r.Get(ctx, nil)
}

// CreditDelta is applied to the singleton in one conditional UPDATE.
type CreditDelta struct {
	Reserved int64
	Used     int64
	// MinAvailable, when positive, makes the update fail unless
	// total - used - reserved >= MinAvailable before the change.
	MinAvailable int64
}

// Apply updates the counters only if the row still has the version the caller
// read, so a stale read can never overwrite a concurrent change.
func (r *CreditRepository) Apply(ctx context.Context, tx *gorm.DB, version int, delta CreditDelta) error {
	query := tx.WithContext(ctx).
		Model(&model.CreditConfig{}).
		Where("id = ? AND version = ?", model.CreditConfigID, version)
	if delta.MinAvailable > 0 {
		query = query.Where("total_credits - used_credits - reserved_credits >= ?", delta.MinAvailable)
	}

	result := query.Updates(map[string]interface{}{
		"reserved_credits": gorm.Expr("reserved_credits + ?", delta.Reserved),
		"used_credits":     gorm.Expr("used_credits + ?", delta.Used),
		"version":          gorm.Expr("version + 1"),
	})
	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		current, err := r.Get(ctx, tx)
		if err != nil {
			return err
		}
		if delta.MinAvailable > 0 && current.Available() < delta.MinAvailable {
			return ErrCreditNotEnough
		}
		return ErrOptimisticLock
	}
	return nil
}
