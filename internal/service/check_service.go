package service

import (
	"context"
	"errors"
	"fmt"
	"log"

	"indexcheck/internal/infrastructure/metrics"
	"indexcheck/internal/model"
	"indexcheck/internal/repository"

	"gorm.io/gorm"
)

const (
	CheckOutcomeIndexed    = "indexed"
	CheckOutcomeNotIndexed = "not_indexed"
	CheckOutcomeError      = "error"
	CheckOutcomeIgnored    = "ignored"
)

// CheckService records worker reports and bills them against the project's
// reservation.
type CheckService struct {
	db          *gorm.DB
	credits     *CreditService
	projects    *ProjectService
	projectRepo *repository.ProjectRepository
	urlRepo     *repository.URLRepository
}

func NewCheckService(db *gorm.DB, credits *CreditService, projects *ProjectService) *CheckService {
	return &CheckService{
		db:          db,
		credits:     credits,
		projects:    projects,
		projectRepo: repository.NewProjectRepository(db),
		urlRepo:     repository.NewURLRepository(db),
	}
}

type RecordOutcome struct {
	URLID            int64  `json:"url_id"`
	ProjectID        string `json:"project_id"`
	Outcome          string `json:"outcome"`
	CreditsConsumed  int64  `json:"credits_consumed"`
	ProjectCompleted bool   `json:"project_completed"`
	CreditsReleased  int64  `json:"credits_released"`
}

func outcomeOf(result model.CheckResult) (string, string) {
	switch {
	case result.Error != "" || result.IsIndexed == nil:
		return CheckOutcomeError, model.URLStatusFailed
	case *result.IsIndexed:
		return CheckOutcomeIndexed, model.URLStatusCompleted
	default:
		return CheckOutcomeNotIndexed, model.URLStatusCompleted
	}
}

// isInFlight reports whether a result may be recorded: the project was started
// and not finished, and the URL was queued for checking and has no result yet.
func isInFlight(projectStatus, urlStatus string) bool {
	if projectStatus != model.ProjectStatusQueued && projectStatus != model.ProjectStatusProcessing {
		return false
	}
	return urlStatus == model.URLStatusQueued || urlStatus == model.URLStatusProcessing
}

// RecordResult stores one check result. Reports for URLs that are not queued
// under a running project are ignored, so redelivered messages are never billed
// twice and unstarted URLs are never checked for free. Successful
// checks consume one check's worth of credits; the last result of a project
// completes it and releases what is left of its reservation.
func (s *CheckService) RecordResult(ctx context.Context, result model.CheckResult) (*RecordOutcome, error) {
	if result.URLID <= 0 {
		return nil, fmt.Errorf("%w: url_id is required", ErrInvalidArgument)
	}

	target, err := s.urlRepo.GetByID(ctx, nil, result.URLID)
	if err != nil {
		return nil, normalizeError(err)
	}

	var outcome *RecordOutcome
	err = runInTx(ctx, s.db, func(tx *gorm.DB) error {
		outcome = &RecordOutcome{URLID: result.URLID, ProjectID: target.ProjectID}

		project, err := s.projectRepo.GetByIDForUpdate(ctx, tx, target.ProjectID)
		if err != nil {
			return err
		}
		u, err := s.urlRepo.GetByIDForUpdate(ctx, tx, result.URLID)
		if err != nil {
			return err
		}
		if !isInFlight(project.Status, u.Status) {
			log.Printf("[CheckService] result ignored: urlID=%d, urlStatus=%s, projectStatus=%s", u.ID, u.Status, project.Status)
			outcome.Outcome = CheckOutcomeIgnored
			return nil
		}

		label, urlStatus := outcomeOf(result)
		outcome.Outcome = label
		if err := s.urlRepo.SaveResult(ctx, tx, u.ID, u.Status, urlStatus, result.IsIndexed, result.Error); err != nil {
			return err
		}

		if project.Status == model.ProjectStatusQueued {
			if err := s.projects.markProcessingTx(ctx, tx, project); err != nil {
				return err
			}
		}

		counters := repository.CheckCounters{Processed: 1}
		switch label {
		case CheckOutcomeIndexed:
			counters.Indexed = 1
		case CheckOutcomeNotIndexed:
			counters.NotIndexed = 1
		default:
			counters.Errors = 1
		}
		if err := s.projectRepo.IncrementCounters(ctx, tx, project.ID, counters); err != nil {
			return err
		}

		if label != CheckOutcomeError {
			consumed, err := s.credits.ConsumeTx(ctx, tx, project.ID, 1)
			switch {
			case errors.Is(err, ErrReservationExceeded):
				log.Printf("[CheckService] check not billed, reservation exhausted: projectID=%s, urlID=%d", project.ID, u.ID)
			case err != nil:
				return err
			default:
				outcome.CreditsConsumed = consumed
			}
		}

		if project.TotalURLs > 0 && project.ProcessedCount+1 >= project.TotalURLs {
			released, err := s.projects.completeTx(ctx, tx, project)
			if err != nil {
				return err
			}
			outcome.ProjectCompleted = true
			outcome.CreditsReleased = released
		}
		return nil
	})
	if err != nil {
		return nil, normalizeError(err)
	}

	metrics.CheckResults.WithLabelValues(outcome.Outcome).Inc()
	if outcome.CreditsConsumed > 0 {
		metrics.ObserveLedger(model.CreditOperationConsumption, outcome.CreditsConsumed, nil)
	}
	if outcome.ProjectCompleted {
		metrics.ObserveLedger(model.CreditOperationRelease, outcome.CreditsReleased, nil)
		log.Printf("[CheckService] project completed: id=%s, released=%d", outcome.ProjectID, outcome.CreditsReleased)
	}
	return outcome, nil
}
