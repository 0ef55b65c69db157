package repository

import (
	"context"

	"indexcheck/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type DomainRepository struct {
	db *gorm.DB
}

func NewDomainRepository(db *gorm.DB) *DomainRepository {
	return &DomainRepository{db: db}
}

// EnsureDomains inserts the project's domains that are not recorded yet.
func (r *DomainRepository) EnsureDomains(ctx context.Context, tx *gorm.DB, projectID string, domains []string) error {
	if len(domains) == 0 {
		return nil
	}
	if tx == nil {
		tx = r.db
	}
	rows := make([]*model.Domain, 0, len(domains))
	for _, d := range domains {
		rows = append(rows, &model.Domain{ProjectID: projectID, Domain: d})
	}
	return tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "project_id"}, {Name: "domain"}},
			DoNothing: true,
		}).
		Create(&rows).Error
}

func (r *DomainRepository) ListByProject(ctx context.Context, projectID string) ([]string, error) {
	var domains []string
	err := r.db.WithContext(ctx).
		Model(&model.Domain{}).
		Where("project_id = ?", projectID).
		Order("domain ASC").
		Pluck("domain", &domains).Error
	return domains, err
}
