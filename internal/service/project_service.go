package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"indexcheck/internal/config"
	"indexcheck/internal/infrastructure/lock"
	"indexcheck/internal/infrastructure/metrics"
	"indexcheck/internal/model"
	"indexcheck/internal/repository"
	"indexcheck/pkg/idgen"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	defaultPageSize    = 20
	maxPageSize        = 100
	maxProjectNameLen  = 128
	cancelErrorMessage = "cancelled by user"
)

// CompensationAlerter is told when credits could not be handed back after a
// failed operation and need manual reconciliation.
type CompensationAlerter interface {
	CompensationFailed(ctx context.Context, projectID, operation string, cause error)
}

type ProjectService struct {
	db            *gorm.DB
	cfg           *config.Config
	credits       *CreditService
	locker        lock.Locker
	alerts        CompensationAlerter
	projectRepo   *repository.ProjectRepository
	urlRepo       *repository.URLRepository
	domainRepo    *repository.DomainRepository
	outboxRepo    *repository.OutboxRepository
	reservations  *repository.ReservationRepository
	startStatuses map[string]struct{}
}

func NewProjectService(db *gorm.DB, cfg *config.Config, credits *CreditService, locker lock.Locker, alerts CompensationAlerter) *ProjectService {
	startStatuses := make(map[string]struct{}, len(cfg.Project.StartStatuses))
	for _, status := range cfg.Project.StartStatuses {
		if !model.CanProjectTransitionTo(status, model.ProjectStatusQueued) {
			log.Printf("[ProjectService] ignoring start status %s: cannot move to %s", status, model.ProjectStatusQueued)
			continue
		}
		startStatuses[status] = struct{}{}
	}

	return &ProjectService{
		db:            db,
		cfg:           cfg,
		credits:       credits,
		locker:        locker,
		alerts:        alerts,
		projectRepo:   repository.NewProjectRepository(db),
		urlRepo:       repository.NewURLRepository(db),
		domainRepo:    repository.NewDomainRepository(db),
		outboxRepo:    repository.NewOutboxRepository(db),
		reservations:  repository.NewReservationRepository(db),
		startStatuses: startStatuses,
	}
}

type ProjectDetail struct {
	Project      *model.Project             `json:"project"`
	URLStats     map[string]int64           `json:"url_stats"`
	IndexedURLs  int64                      `json:"indexed_urls"`
	Domains      []string                   `json:"domains"`
	Remaining    int64                      `json:"remaining"`
	Reservations []*model.CreditReservation `json:"reservations"`
	// PendingJobs counts check-job batches not yet handed to the queue.
	PendingJobs int64 `json:"pending_jobs"`
}

type ProjectPage struct {
	Items    []*model.Project `json:"items"`
	Total    int64            `json:"total"`
	Page     int              `json:"page"`
	PageSize int              `json:"page_size"`
}

type URLPage struct {
	Items    []*model.URL `json:"items"`
	Total    int64        `json:"total"`
	Page     int          `json:"page"`
	PageSize int          `json:"page_size"`
}

type StartResult struct {
	ProjectID       string `json:"project_id"`
	URLCount        int64  `json:"url_count"`
	CreditsReserved int64  `json:"credits_reserved"`
	Status          string `json:"status"`
}

type CancelResult struct {
	ProjectID       string `json:"project_id"`
	ReleasedCredits int64  `json:"released_credits"`
	Status          string `json:"status"`
}

func normalizePage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return page, pageSize
}

func (s *ProjectService) CreateProject(ctx context.Context, name string) (*model.Project, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: project name is required", ErrInvalidArgument)
	}
	if len(name) > maxProjectNameLen {
		return nil, fmt.Errorf("%w: project name longer than %d", ErrInvalidArgument, maxProjectNameLen)
	}

	project := &model.Project{
		ID:     idgen.GenerateProjectID(),
		Name:   name,
		Status: model.ProjectStatusIdle,
	}
	if err := s.projectRepo.Create(ctx, nil, project); err != nil {
		return nil, normalizeError(err)
	}

	log.Printf("[ProjectService] project created: id=%s, name=%s", project.ID, project.Name)
	return project, nil
}

// GetProject returns the project with its URL counts per status, its
// reservations and the check jobs still waiting in the outbox.
func (s *ProjectService) GetProject(ctx context.Context, projectID string) (*ProjectDetail, error) {
	project, err := s.projectRepo.GetByID(ctx, nil, projectID)
	if err != nil {
		return nil, normalizeError(err)
	}
	stats, err := s.urlRepo.StatusBreakdown(ctx, projectID)
	if err != nil {
		return nil, normalizeError(err)
	}
	indexed, err := s.urlRepo.CountIndexed(ctx, projectID)
	if err != nil {
		return nil, normalizeError(err)
	}
	domains, err := s.domainRepo.ListByProject(ctx, projectID)
	if err != nil {
		return nil, normalizeError(err)
	}
	reservations, err := s.reservations.ListByProject(ctx, projectID)
	if err != nil {
		return nil, normalizeError(err)
	}
	pendingJobs, err := s.outboxRepo.CountByKeyAndStatus(ctx, projectID, model.OutboxStatusPending)
	if err != nil {
		return nil, normalizeError(err)
	}

	remaining := project.TotalURLs - project.ProcessedCount
	if remaining < 0 {
		remaining = 0
	}
	return &ProjectDetail{
		Project:      project,
		URLStats:     stats,
		IndexedURLs:  indexed,
		Domains:      domains,
		Remaining:    remaining,
		Reservations: reservations,
		PendingJobs:  pendingJobs,
	}, nil
}

func (s *ProjectService) ListProjects(ctx context.Context, page, pageSize int) (*ProjectPage, error) {
	page, pageSize = normalizePage(page, pageSize)
	projects, total, err := s.projectRepo.List(ctx, page, pageSize)
	if err != nil {
		return nil, normalizeError(err)
	}
	return &ProjectPage{Items: projects, Total: total, Page: page, PageSize: pageSize}, nil
}

func (s *ProjectService) ListURLs(ctx context.Context, projectID string, q repository.URLQuery) (*URLPage, error) {
	if _, err := s.projectRepo.GetByID(ctx, nil, projectID); err != nil {
		return nil, normalizeError(err)
	}

	switch q.IndexedFilter {
	case "", repository.IndexedFilterAll, repository.IndexedFilterIndexed, repository.IndexedFilterNotIndexed:
	default:
		return nil, fmt.Errorf("%w: unknown indexed filter %q", ErrInvalidArgument, q.IndexedFilter)
	}
	q.Page, q.PageSize = normalizePage(q.Page, q.PageSize)

	urls, total, err := s.urlRepo.List(ctx, projectID, q)
	if err != nil {
		return nil, normalizeError(err)
	}
	return &URLPage{Items: urls, Total: total, Page: q.Page, PageSize: q.PageSize}, nil
}

// withProjectLock runs fn while holding the project's distributed lock, so start,
// cancel and import never interleave on one project.
func withProjectLock(ctx context.Context, locker lock.Locker, projectID string, fn func() error) error {
	unlock, err := locker.Acquire(ctx, lock.ProjectLockKey(projectID), uuid.NewString())
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrProjectBusy, err)
	}
	defer unlock()
	return fn()
}

// StartProject reserves credits for every pending URL of the project and queues
// them for checking.
func (s *ProjectService) StartProject(ctx context.Context, projectID string) (*StartResult, error) {
	var result *StartResult
	err := withProjectLock(ctx, s.locker, projectID, func() error {
		var err error
		result, err = s.start(ctx, projectID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *ProjectService) start(ctx context.Context, projectID string) (*StartResult, error) {
	project, err := s.projectRepo.GetByID(ctx, nil, projectID)
	if err != nil {
		return nil, normalizeError(err)
	}
	if _, ok := s.startStatuses[project.Status]; !ok {
		return nil, &InvalidStateError{Current: project.Status, Target: model.ProjectStatusQueued}
	}

	pending, err := s.urlRepo.CountByStatus(ctx, nil, projectID, model.URLStatusPending)
	if err != nil {
		return nil, normalizeError(err)
	}
	if pending == 0 {
		return nil, ErrNoPendingURLs
	}

	feasibility, err := s.credits.CheckFeasibility(ctx, pending)
	if err != nil {
		return nil, err
	}
	if !feasibility.CanProceed {
		return nil, insufficientCredits(feasibility)
	}

	reservation, err := s.credits.Reserve(ctx, projectID, pending)
	if err != nil {
		return nil, err
	}

	if err := s.queue(ctx, project, pending); err != nil {
		s.compensate(ctx, projectID, "start", err)
		return nil, fmt.Errorf("%w: queue project: %v", ErrTransactionFailed, err)
	}

	log.Printf("[ProjectService] project started: id=%s, urls=%d, reserved=%d",
		projectID, pending, reservation.ReservedAmount)

	return &StartResult{
		ProjectID:       projectID,
		URLCount:        pending,
		CreditsReserved: reservation.ReservedAmount,
		Status:          model.ProjectStatusQueued,
	}, nil
}

// queue moves the project to QUEUED, marks its pending URLs queued and writes the
// check jobs to the outbox, all in one transaction.
func (s *ProjectService) queue(ctx context.Context, project *model.Project, pending int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		err := s.projectRepo.UpdateStatus(ctx, tx, project.ID, project.Status, model.ProjectStatusQueued, map[string]interface{}{
			"total_urls":        pending,
			"processed_count":   0,
			"indexed_count":     0,
			"not_indexed_count": 0,
			"error_count":       0,
			"started_at":        now,
			"completed_at":      nil,
		})
		if err != nil {
			return fmt.Errorf("update project status: %w", err)
		}

		ids, err := s.urlRepo.ListIDsByStatus(ctx, tx, project.ID, model.URLStatusPending)
		if err != nil {
			return fmt.Errorf("list pending urls: %w", err)
		}
		if _, err := s.urlRepo.TransitionStatuses(ctx, tx, project.ID,
			[]string{model.URLStatusPending}, model.URLStatusQueued, ""); err != nil {
			return fmt.Errorf("queue urls: %w", err)
		}

		msgs, err := s.checkJobMessages(project.ID, ids, now)
		if err != nil {
			return err
		}
		if err := s.outboxRepo.CreateBatch(ctx, tx, msgs); err != nil {
			return fmt.Errorf("write outbox: %w", err)
		}
		return nil
	})
}

func (s *ProjectService) checkJobMessages(projectID string, ids []int64, now time.Time) ([]*model.OutboxMessage, error) {
	batchSize := s.cfg.Business.JobBatchSize
	if batchSize <= 0 {
		batchSize = len(ids)
	}

	msgs := make([]*model.OutboxMessage, 0, len(ids)/batchSize+1)
	for start := 0; start < len(ids); start += batchSize {
		end := start + batchSize
		if end > len(ids) {
			end = len(ids)
		}
		payload, err := json.Marshal(model.CheckJob{
			ProjectID:  projectID,
			URLIDs:     ids[start:end],
			EnqueuedAt: now,
		})
		if err != nil {
			return nil, fmt.Errorf("marshal check job: %w", err)
		}
		msgs = append(msgs, &model.OutboxMessage{
			MessageKey: projectID,
			Topic:      s.cfg.Kafka.Topic.CheckJobs,
			Payload:    string(payload),
			Status:     model.OutboxStatusPending,
		})
	}
	return msgs, nil
}

// compensate hands back the project's reservation after a failure. Its own
// failure is logged and alerted but never replaces the original error.
func (s *ProjectService) compensate(ctx context.Context, projectID, operation string, cause error) {
	log.Printf("[ProjectService] %s failed, releasing reservation: projectID=%s, err=%v", operation, projectID, cause)

	released, err := s.credits.Release(context.WithoutCancel(ctx), projectID)
	if err != nil {
		metrics.CompensationFailures.Inc()
		log.Printf("[ProjectService] compensation failed: projectID=%s, err=%v", projectID, err)
		if s.alerts != nil {
			s.alerts.CompensationFailed(ctx, projectID, operation, errors.Join(cause, err))
		}
		return
	}
	log.Printf("[ProjectService] compensation released %d credits: projectID=%s", released, projectID)
}

// CancelProject stops a queued or running project, returns its reservation to
// the pool and fails its unchecked URLs.
func (s *ProjectService) CancelProject(ctx context.Context, projectID string) (*CancelResult, error) {
	var result *CancelResult
	err := withProjectLock(ctx, s.locker, projectID, func() error {
		var err error
		result, err = s.cancel(ctx, projectID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func isCancellable(status string) bool {
	return status == model.ProjectStatusQueued || status == model.ProjectStatusProcessing
}

func (s *ProjectService) cancel(ctx context.Context, projectID string) (*CancelResult, error) {
	project, err := s.projectRepo.GetByID(ctx, nil, projectID)
	if err != nil {
		return nil, normalizeError(err)
	}
	if !isCancellable(project.Status) {
		return nil, &InvalidStateError{Current: project.Status, Target: model.ProjectStatusFailed}
	}

	var (
		released   int64
		releaseErr error
	)
	err = runInTx(ctx, s.db, func(tx *gorm.DB) error {
		released, releaseErr = 0, nil

		current, err := s.projectRepo.GetByIDForUpdate(ctx, tx, projectID)
		if err != nil {
			return err
		}
		if !isCancellable(current.Status) {
			return &InvalidStateError{Current: current.Status, Target: model.ProjectStatusFailed}
		}

		// The release runs in a savepoint: if it fails the project is still
		// cancelled and the reservation is left for the reconcile job.
		releaseErr = tx.Transaction(func(sp *gorm.DB) error {
			var err error
			released, err = s.credits.ReleaseTx(ctx, sp, projectID)
			return err
		})
		if errors.Is(releaseErr, repository.ErrOptimisticLock) {
			return releaseErr
		}
		if releaseErr != nil {
			released = 0
		}

		if err := s.projectRepo.UpdateStatus(ctx, tx, projectID, current.Status, model.ProjectStatusFailed, map[string]interface{}{
			"completed_at": time.Now(),
		}); err != nil {
			return err
		}
		_, err = s.urlRepo.TransitionStatuses(ctx, tx, projectID,
			[]string{model.URLStatusPending, model.URLStatusQueued}, model.URLStatusFailed, cancelErrorMessage)
		return err
	})
	if err != nil {
		return nil, normalizeError(err)
	}

	if releaseErr != nil {
		metrics.CompensationFailures.Inc()
		log.Printf("[ProjectService] release on cancel failed: projectID=%s, err=%v", projectID, releaseErr)
		if s.alerts != nil {
			s.alerts.CompensationFailed(ctx, projectID, "cancel", releaseErr)
		}
	}
	metrics.ObserveLedger(model.CreditOperationRelease, released, releaseErr)

	log.Printf("[ProjectService] project cancelled: id=%s, released=%d", projectID, released)
	return &CancelResult{
		ProjectID:       projectID,
		ReleasedCredits: released,
		Status:          model.ProjectStatusFailed,
	}, nil
}

// MarkProcessing records that workers picked up the project.
func (s *ProjectService) MarkProcessing(ctx context.Context, projectID string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		project, err := s.projectRepo.GetByIDForUpdate(ctx, tx, projectID)
		if err != nil {
			return err
		}
		return s.markProcessingTx(ctx, tx, project)
	})
	return normalizeError(err)
}

func (s *ProjectService) markProcessingTx(ctx context.Context, tx *gorm.DB, project *model.Project) error {
	if !model.CanProjectTransitionTo(project.Status, model.ProjectStatusProcessing) {
		return &InvalidStateError{Current: project.Status, Target: model.ProjectStatusProcessing}
	}
	if err := s.projectRepo.UpdateStatus(ctx, tx, project.ID, project.Status, model.ProjectStatusProcessing, nil); err != nil {
		return err
	}
	project.Status = model.ProjectStatusProcessing
	return nil
}

// Complete finishes a processing project and releases whatever it still holds.
func (s *ProjectService) Complete(ctx context.Context, projectID string) (int64, error) {
	var released int64
	err := runInTx(ctx, s.db, func(tx *gorm.DB) error {
		project, err := s.projectRepo.GetByIDForUpdate(ctx, tx, projectID)
		if err != nil {
			return err
		}
		released, err = s.completeTx(ctx, tx, project)
		return err
	})
	err = normalizeError(err)
	metrics.ObserveLedger(model.CreditOperationRelease, released, err)
	if err != nil {
		return 0, err
	}
	log.Printf("[ProjectService] project completed: id=%s, released=%d", projectID, released)
	return released, nil
}

func (s *ProjectService) completeTx(ctx context.Context, tx *gorm.DB, project *model.Project) (int64, error) {
	if !model.CanProjectTransitionTo(project.Status, model.ProjectStatusCompleted) {
		return 0, &InvalidStateError{Current: project.Status, Target: model.ProjectStatusCompleted}
	}
	if err := s.projectRepo.UpdateStatus(ctx, tx, project.ID, project.Status, model.ProjectStatusCompleted, map[string]interface{}{
		"completed_at": time.Now(),
	}); err != nil {
		return 0, err
	}
	project.Status = model.ProjectStatusCompleted
	return s.credits.ReleaseTx(ctx, tx, project.ID)
}

// ReconcileReservations releases credits still held by projects that are
// neither queued nor processing. Each project is re-checked under its lock so an
// in-flight start is never touched.
func (s *ProjectService) ReconcileReservations(ctx context.Context, limit int) (int, error) {
	projects, err := s.projectRepo.ListStrandedReservations(ctx, limit)
	if err != nil {
		return 0, normalizeError(err)
	}

	reconciled := 0
	for _, p := range projects {
		err := withProjectLock(ctx, s.locker, p.ID, func() error {
			current, err := s.projectRepo.GetByID(ctx, nil, p.ID)
			if err != nil {
				return normalizeError(err)
			}
			if isCancellable(current.Status) || current.CreditsReserved == 0 {
				return nil
			}
			released, err := s.credits.Release(ctx, p.ID)
			if err != nil {
				return err
			}
			log.Printf("[ProjectService] stranded reservation released: projectID=%s, status=%s, amount=%d",
				p.ID, current.Status, released)
			reconciled++
			return nil
		})
		if err != nil {
			metrics.CompensationFailures.Inc()
			log.Printf("[ProjectService] reconcile failed: projectID=%s, err=%v", p.ID, err)
			if s.alerts != nil {
				s.alerts.CompensationFailed(ctx, p.ID, "reconcile", err)
			}
		}
	}
	return reconciled, nil
}
