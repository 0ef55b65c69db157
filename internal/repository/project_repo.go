package repository

import (
	"context"
	"errors"

	"indexcheck/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrProjectNotFound      = errors.New("project not found")
	ErrProjectStatusInvalid = errors.New("project status invalid")
)

type ProjectRepository struct {
	db *gorm.DB
}

func NewProjectRepository(db *gorm.DB) *ProjectRepository {
	return &ProjectRepository{db: db}
}

func (r *ProjectRepository) Create(ctx context.Context, tx *gorm.DB, project *model.Project) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(project).Error
}

func (r *ProjectRepository) GetByID(ctx context.Context, tx *gorm.DB, id string) (*model.Project, error) {
	if tx == nil {
		tx = r.db
	}
	var project model.Project
	err := tx.WithContext(ctx).Where("id = ?", id).First(&project).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrProjectNotFound
		}
		return nil, err
	}
	return &project, nil
}

func (r *ProjectRepository) GetByIDForUpdate(ctx context.Context, tx *gorm.DB, id string) (*model.Project, error) {
	var project model.Project
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&project).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrProjectNotFound
		}
		return nil, err
	}
	return &project, nil
}

// UpdateStatus moves the project from fromStatus to toStatus, guarded by the
// current status in the WHERE clause. extra columns are written in the same
// statement.
func (r *ProjectRepository) UpdateStatus(ctx context.Context, tx *gorm.DB, id string, fromStatus, toStatus string, extra map[string]interface{}) error {
	if !model.CanProjectTransitionTo(fromStatus, toStatus) {
		return ErrProjectStatusInvalid
	}

	if tx == nil {
		tx = r.db
	}

	updates := map[string]interface{}{
		"status": toStatus,
	}
	for k, v := range extra {
		updates[k] = v
	}

	result := tx.WithContext(ctx).
		Model(&model.Project{}).
		Where("id = ? AND status = ?", id, fromStatus).
		Updates(updates)

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrProjectStatusInvalid
	}

	return nil
}

// SetCreditsReserved overwrites the project's reserved credits. Callers hold the
// project row lock, so a missing row has already been reported.
func (r *ProjectRepository) SetCreditsReserved(ctx context.Context, tx *gorm.DB, id string, amount int64) error {
	return tx.WithContext(ctx).
		Model(&model.Project{}).
		Where("id = ?", id).
		Update("credits_reserved", amount).Error
}

// MoveReservedToUsed shifts amount from the project's reserved to used credits.
func (r *ProjectRepository) MoveReservedToUsed(ctx context.Context, tx *gorm.DB, id string, amount int64) error {
	result := tx.WithContext(ctx).
		Model(&model.Project{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"credits_reserved": gorm.Expr("credits_reserved - ?", amount),
			"credits_used":     gorm.Expr("credits_used + ?", amount),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrProjectNotFound
	}
	return nil
}

// CheckCounters is the increment applied to a project's progress counters for
// one finished check.
type CheckCounters struct {
	Processed  int64
	Indexed    int64
	NotIndexed int64
	Errors     int64
}

func (r *ProjectRepository) IncrementCounters(ctx context.Context, tx *gorm.DB, id string, c CheckCounters) error {
	return tx.WithContext(ctx).
		Model(&model.Project{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"processed_count":   gorm.Expr("processed_count + ?", c.Processed),
			"indexed_count":     gorm.Expr("indexed_count + ?", c.Indexed),
			"not_indexed_count": gorm.Expr("not_indexed_count + ?", c.NotIndexed),
			"error_count":       gorm.Expr("error_count + ?", c.Errors),
		}).Error
}

func (r *ProjectRepository) List(ctx context.Context, page, pageSize int) ([]*model.Project, int64, error) {
	var projects []*model.Project
	var total int64

	query := r.db.WithContext(ctx).Model(&model.Project{})

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&projects).Error

	return projects, total, err
}

// ListStrandedReservations finds projects that hold credits while not queued or
// processing, which only happens after a failed release.
func (r *ProjectRepository) ListStrandedReservations(ctx context.Context, limit int) ([]*model.Project, error) {
	var projects []*model.Project
	err := r.db.WithContext(ctx).
		Where("status NOT IN ? AND credits_reserved > 0",
			[]string{model.ProjectStatusQueued, model.ProjectStatusProcessing}).
		Order("updated_at ASC").
		Limit(limit).
		Find(&projects).Error
	return projects, err
}
