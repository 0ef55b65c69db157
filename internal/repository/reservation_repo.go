package repository

import (
	"context"

	"indexcheck/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ReservationRepository struct {
	db *gorm.DB
}

func NewReservationRepository(db *gorm.DB) *ReservationRepository {
	return &ReservationRepository{db: db}
}

func (r *ReservationRepository) Create(ctx context.Context, tx *gorm.DB, reservation *model.CreditReservation) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(reservation).Error
}

// ListActiveForUpdate returns the project's active reservations, oldest first,
// locked for the rest of tx.
func (r *ReservationRepository) ListActiveForUpdate(ctx context.Context, tx *gorm.DB, projectID string) ([]*model.CreditReservation, error) {
	var reservations []*model.CreditReservation
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("project_id = ? AND status = ?", projectID, model.ReservationStatusActive).
		Order("id ASC").
		Find(&reservations).Error
	return reservations, err
}

func (r *ReservationRepository) SumActive(ctx context.Context, tx *gorm.DB, projectID string) (int64, error) {
	if tx == nil {
		tx = r.db
	}
	var sum int64
	err := tx.WithContext(ctx).
		Model(&model.CreditReservation{}).
		Where("project_id = ? AND status = ?", projectID, model.ReservationStatusActive).
		Select("COALESCE(SUM(remaining), 0)").
		Scan(&sum).Error
	return sum, err
}

func (r *ReservationRepository) UpdateRemaining(ctx context.Context, tx *gorm.DB, id int64, remaining int64) error {
	status := model.ReservationStatusActive
	if remaining == 0 {
		status = model.ReservationStatusConsumed
	}
	return tx.WithContext(ctx).
		Model(&model.CreditReservation{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"remaining": remaining,
			"status":    status,
		}).Error
}

// ReleaseActive closes every active reservation of the project.
func (r *ReservationRepository) ReleaseActive(ctx context.Context, tx *gorm.DB, projectID string) (int64, error) {
	result := tx.WithContext(ctx).
		Model(&model.CreditReservation{}).
		Where("project_id = ? AND status = ?", projectID, model.ReservationStatusActive).
		Updates(map[string]interface{}{
			"remaining": 0,
			"status":    model.ReservationStatusReleased,
		})
	return result.RowsAffected, result.Error
}

func (r *ReservationRepository) ListByProject(ctx context.Context, projectID string) ([]*model.CreditReservation, error) {
	var reservations []*model.CreditReservation
	err := r.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("id ASC").
		Find(&reservations).Error
	return reservations, err
}
