package service

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"strings"

	"indexcheck/internal/infrastructure/lock"
	"indexcheck/internal/model"
	"indexcheck/internal/repository"

	"gorm.io/gorm"
)

const maxImportBatch = 50000

// ImportService adds URLs to a project ahead of a start.
type ImportService struct {
	db          *gorm.DB
	locker      lock.Locker
	projectRepo *repository.ProjectRepository
	urlRepo     *repository.URLRepository
	domainRepo  *repository.DomainRepository
}

func NewImportService(db *gorm.DB, locker lock.Locker) *ImportService {
	return &ImportService{
		db:          db,
		locker:      locker,
		projectRepo: repository.NewProjectRepository(db),
		urlRepo:     repository.NewURLRepository(db),
		domainRepo:  repository.NewDomainRepository(db),
	}
}

type ImportResult struct {
	Imported   int64 `json:"imported"`
	Duplicates int64 `json:"duplicates"`
	Invalid    int64 `json:"invalid"`
	Total      int64 `json:"total"`
	Pending    int64 `json:"pending"`
}

// NormalizeURL returns the canonical absolute form of raw and its host. Only
// http and https URLs are accepted; a missing scheme defaults to https.
func NormalizeURL(raw string) (string, string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", "", fmt.Errorf("empty url")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", "", err
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return "", "", fmt.Errorf("missing host")
	}
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String(), u.Hostname(), nil
}

func canImportInto(status string) bool {
	return status == model.ProjectStatusIdle || status == model.ProjectStatusImported
}

// ImportURLs normalizes rawURLs and stores the ones the project does not have
// yet as PENDING. The first successful import moves an IDLE project to
// IMPORTED.
func (s *ImportService) ImportURLs(ctx context.Context, projectID string, rawURLs []string) (*ImportResult, error) {
	if len(rawURLs) == 0 {
		return nil, fmt.Errorf("%w: no urls provided", ErrInvalidArgument)
	}
	if len(rawURLs) > maxImportBatch {
		return nil, fmt.Errorf("%w: at most %d urls per import", ErrInvalidArgument, maxImportBatch)
	}

	var result *ImportResult
	err := withProjectLock(ctx, s.locker, projectID, func() error {
		var err error
		result, err = s.importURLs(ctx, projectID, rawURLs)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *ImportService) importURLs(ctx context.Context, projectID string, rawURLs []string) (*ImportResult, error) {
	result := &ImportResult{Total: int64(len(rawURLs))}

	seen := make(map[string]struct{}, len(rawURLs))
	domainSet := make(map[string]struct{})
	var (
		normalized []string
		domains    []string
		rows       []*model.URL
	)
	for _, raw := range rawURLs {
		u, host, err := NormalizeURL(raw)
		if err != nil {
			result.Invalid++
			continue
		}
		if _, dup := seen[u]; dup {
			result.Duplicates++
			continue
		}
		seen[u] = struct{}{}
		normalized = append(normalized, u)
		rows = append(rows, &model.URL{
			ProjectID: projectID,
			URL:       u,
			Domain:    host,
			Status:    model.URLStatusPending,
		})
		if _, ok := domainSet[host]; !ok {
			domainSet[host] = struct{}{}
			domains = append(domains, host)
		}
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		project, err := s.projectRepo.GetByIDForUpdate(ctx, tx, projectID)
		if err != nil {
			return err
		}
		if !canImportInto(project.Status) {
			return &InvalidStateError{Current: project.Status, Target: model.ProjectStatusImported}
		}

		existing, err := s.urlRepo.ExistingURLs(ctx, tx, projectID, normalized)
		if err != nil {
			return err
		}
		fresh := rows[:0]
		for _, row := range rows {
			if _, ok := existing[row.URL]; ok {
				result.Duplicates++
				continue
			}
			fresh = append(fresh, row)
		}

		if err := s.domainRepo.EnsureDomains(ctx, tx, projectID, domains); err != nil {
			return fmt.Errorf("ensure domains: %w", err)
		}
		imported, err := s.urlRepo.CreateBatch(ctx, tx, fresh)
		if err != nil {
			return fmt.Errorf("insert urls: %w", err)
		}
		result.Imported = imported
		result.Duplicates += int64(len(fresh)) - imported

		if imported > 0 && project.Status == model.ProjectStatusIdle {
			if err := s.projectRepo.UpdateStatus(ctx, tx, projectID, model.ProjectStatusIdle, model.ProjectStatusImported, nil); err != nil {
				return err
			}
		}

		result.Pending, err = s.urlRepo.CountByStatus(ctx, tx, projectID, model.URLStatusPending)
		return err
	})
	if err != nil {
		return nil, normalizeError(err)
	}

	log.Printf("[ImportService] urls imported: projectID=%s, imported=%d, duplicates=%d, invalid=%d",
		projectID, result.Imported, result.Duplicates, result.Invalid)
	return result, nil
}

// CountPending is the number of URLs a start would queue.
func (s *ImportService) CountPending(ctx context.Context, projectID string) (int64, error) {
	if _, err := s.projectRepo.GetByID(ctx, nil, projectID); err != nil {
		return 0, normalizeError(err)
	}
	count, err := s.urlRepo.CountByStatus(ctx, nil, projectID, model.URLStatusPending)
	if err != nil {
		return 0, normalizeError(err)
	}
	return count, nil
}
