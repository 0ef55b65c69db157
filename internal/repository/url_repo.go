package repository

import (
	"context"
	"errors"

	"indexcheck/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrURLNotFound = errors.New("url not found")

type URLRepository struct {
	db *gorm.DB
}

func NewURLRepository(db *gorm.DB) *URLRepository {
	return &URLRepository{db: db}
}

// CreateBatch inserts urls, skipping ones already present for the project, and
// returns how many rows were written.
func (r *URLRepository) CreateBatch(ctx context.Context, tx *gorm.DB, urls []*model.URL) (int64, error) {
	if len(urls) == 0 {
		return 0, nil
	}
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "project_id"}, {Name: "url"}},
			DoNothing: true,
		}).
		CreateInBatches(urls, 500)
	return result.RowsAffected, result.Error
}

// ExistingURLs returns which of the given urls the project already has.
func (r *URLRepository) ExistingURLs(ctx context.Context, tx *gorm.DB, projectID string, urls []string) (map[string]struct{}, error) {
	if tx == nil {
		tx = r.db
	}
	existing := make(map[string]struct{}, len(urls))
	const chunk = 500
	for start := 0; start < len(urls); start += chunk {
		end := start + chunk
		if end > len(urls) {
			end = len(urls)
		}
		var found []string
		err := tx.WithContext(ctx).
			Model(&model.URL{}).
			Where("project_id = ? AND url IN ?", projectID, urls[start:end]).
			Pluck("url", &found).Error
		if err != nil {
			return nil, err
		}
		for _, u := range found {
			existing[u] = struct{}{}
		}
	}
	return existing, nil
}

func (r *URLRepository) CountByStatus(ctx context.Context, tx *gorm.DB, projectID, status string) (int64, error) {
	if tx == nil {
		tx = r.db
	}
	var count int64
	err := tx.WithContext(ctx).
		Model(&model.URL{}).
		Where("project_id = ? AND status = ?", projectID, status).
		Count(&count).Error
	return count, err
}

func (r *URLRepository) ListIDsByStatus(ctx context.Context, tx *gorm.DB, projectID, status string) ([]int64, error) {
	if tx == nil {
		tx = r.db
	}
	var ids []int64
	err := tx.WithContext(ctx).
		Model(&model.URL{}).
		Where("project_id = ? AND status = ?", projectID, status).
		Order("id ASC").
		Pluck("id", &ids).Error
	return ids, err
}

// TransitionStatuses moves every URL of the project in one of fromStatuses to
// toStatus and returns the number of rows changed.
func (r *URLRepository) TransitionStatuses(ctx context.Context, tx *gorm.DB, projectID string, fromStatuses []string, toStatus, errorMessage string) (int64, error) {
	if tx == nil {
		tx = r.db
	}
	updates := map[string]interface{}{
		"status": toStatus,
	}
	if errorMessage != "" {
		updates["error_message"] = errorMessage
	}
	result := tx.WithContext(ctx).
		Model(&model.URL{}).
		Where("project_id = ? AND status IN ?", projectID, fromStatuses).
		Updates(updates)
	return result.RowsAffected, result.Error
}

func (r *URLRepository) GetByID(ctx context.Context, tx *gorm.DB, id int64) (*model.URL, error) {
	if tx == nil {
		tx = r.db
	}
	var u model.URL
	err := tx.WithContext(ctx).Where("id = ?", id).First(&u).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrURLNotFound
		}
		return nil, err
	}
	return &u, nil
}

func (r *URLRepository) GetByIDForUpdate(ctx context.Context, tx *gorm.DB, id int64) (*model.URL, error) {
	var u model.URL
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&u).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrURLNotFound
		}
		return nil, err
	}
	return &u, nil
}

// SaveResult records a finished check on a non-terminal URL.
func (r *URLRepository) SaveResult(ctx context.Context, tx *gorm.DB, id int64, fromStatus, toStatus string, isIndexed *bool, errorMessage string) error {
	result := tx.WithContext(ctx).
		Model(&model.URL{}).
		Where("id = ? AND status = ?", id, fromStatus).
		Updates(map[string]interface{}{
			"status":        toStatus,
			"is_indexed":    isIndexed,
			"error_message": errorMessage,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrURLNotFound
	}
	return nil
}

// StatusBreakdown counts the project's URLs per status.
func (r *URLRepository) StatusBreakdown(ctx context.Context, projectID string) (map[string]int64, error) {
	var rows []struct {
		Status string
		Count  int64
	}
	err := r.db.WithContext(ctx).
		Model(&model.URL{}).
		Select("status, COUNT(*) AS count").
		Where("project_id = ?", projectID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	breakdown := make(map[string]int64, len(rows))
	for _, row := range rows {
		breakdown[row.Status] = row.Count
	}
	return breakdown, nil
}

const (
	IndexedFilterAll        = "all"
	IndexedFilterIndexed    = "indexed"
	IndexedFilterNotIndexed = "not-indexed"
)

type URLQuery struct {
	Page          int
	PageSize      int
	Search        string
	IndexedFilter string
	SortBy        string
	SortDesc      bool
}

var urlSortColumns = map[string]string{
	"url":        "url",
	"domain":     "domain",
	"updated_at": "updated_at",
}

func (r *URLRepository) List(ctx context.Context, projectID string, q URLQuery) ([]*model.URL, int64, error) {
	var urls []*model.URL
	var total int64

	query := r.db.WithContext(ctx).Model(&model.URL{}).Where("project_id = ?", projectID)
	if q.Search != "" {
		like := "%" + q.Search + "%"
		query = query.Where("(url LIKE ? OR domain LIKE ?)", like, like)
	}
	switch q.IndexedFilter {
	case IndexedFilterIndexed:
		query = query.Where("is_indexed = ?", true)
	case IndexedFilterNotIndexed:
		query = query.Where("is_indexed = ?", false)
	}

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	column, ok := urlSortColumns[q.SortBy]
	if !ok {
		column = "updated_at"
	}

	err = query.
		Order(clause.OrderByColumn{Column: clause.Column{Name: column}, Desc: q.SortDesc}).
		Order("id ASC").
		Offset((q.Page - 1) * q.PageSize).
		Limit(q.PageSize).
		Find(&urls).Error

	return urls, total, err
}

func (r *URLRepository) CountIndexed(ctx context.Context, projectID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.URL{}).
		Where("project_id = ? AND is_indexed = ?", projectID, true).
		Count(&count).Error
	return count, err
}
