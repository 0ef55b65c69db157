package service

import (
	"context"
	"errors"
	"fmt"
	"log"

	"indexcheck/internal/config"
	"indexcheck/internal/infrastructure/metrics"
	"indexcheck/internal/model"
	"indexcheck/internal/repository"
	"indexcheck/pkg/idgen"

	"gorm.io/gorm"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
	maxLedgerAttempts   = 3
)

// CreditService owns every mutation of the credit pool. Each operation runs in
// one transaction that locks the project row first and the config row second.
type CreditService struct {
	db            *gorm.DB
	cfg           *config.Config
	creditRepo    *repository.CreditRepository
	creditLogRepo *repository.CreditLogRepository
	reservations  *repository.ReservationRepository
	projectRepo   *repository.ProjectRepository
}

func NewCreditService(db *gorm.DB, cfg *config.Config) *CreditService {
	return &CreditService{
		db:            db,
		cfg:           cfg,
		creditRepo:    repository.NewCreditRepository(db),
		creditLogRepo: repository.NewCreditLogRepository(db),
		reservations:  repository.NewReservationRepository(db),
		projectRepo:   repository.NewProjectRepository(db),
	}
}

type Balance struct {
	Total           int64 `json:"total"`
	Used            int64 `json:"used"`
	Reserved        int64 `json:"reserved"`
	Available       int64 `json:"available"`
	CreditsPerCheck int64 `json:"credits_per_check"`
}

type Feasibility struct {
	CanProceed     bool  `json:"can_proceed"`
	Available      int64 `json:"available"`
	Required       int64 `json:"required"`
	Shortfall      int64 `json:"shortfall"`
	MaxURLsAllowed int64 `json:"max_urls_allowed"`
}

type Reservation struct {
	ReservationNo  string `json:"reservation_no"`
	ProjectID      string `json:"project_id"`
	ReservedAmount int64  `json:"reserved_amount"`
}

// runInTx retries fn in a fresh transaction while the config row version moved
// under it.
func runInTx(ctx context.Context, db *gorm.DB, fn func(tx *gorm.DB) error) error {
	var err error
	for attempt := 0; attempt < maxLedgerAttempts; attempt++ {
		err = db.WithContext(ctx).Transaction(fn)
		if !errors.Is(err, repository.ErrOptimisticLock) {
			return err
		}
		log.Printf("[CreditService] optimistic lock conflict, attempt %d", attempt+1)
	}
	return err
}

func balanceOf(cfg *model.CreditConfig) *Balance {
	return &Balance{
		Total:           cfg.TotalCredits,
		Used:            cfg.UsedCredits,
		Reserved:        cfg.ReservedCredits,
		Available:       cfg.Available(),
		CreditsPerCheck: cfg.CreditsPerCheck,
	}
}

func feasibilityOf(cfg *model.CreditConfig, urlCount int64) *Feasibility {
	available := cfg.Available()
	required := urlCount * cfg.CreditsPerCheck

	f := &Feasibility{
		CanProceed: available >= required,
		Available:  available,
		Required:   required,
	}
	if required > available {
		f.Shortfall = required - available
	}
	if cfg.CreditsPerCheck > 0 {
		f.MaxURLsAllowed = available / cfg.CreditsPerCheck
	}
	return f
}

func insufficientCredits(f *Feasibility) *InsufficientCreditsError {
	return &InsufficientCreditsError{
		Required:       f.Required,
		Available:      f.Available,
		Shortfall:      f.Shortfall,
		MaxURLsAllowed: f.MaxURLsAllowed,
	}
}

func (s *CreditService) GetBalance(ctx context.Context) (*Balance, error) {
	cfg, err := s.creditRepo.Get(ctx, nil)
	if err != nil {
		return nil, normalizeError(err)
	}
	balance := balanceOf(cfg)
	metrics.AvailableCredits.Set(float64(balance.Available))
	return balance, nil
}

// CheckFeasibility reports whether urlCount checks fit in the available pool.
// It never mutates anything.
func (s *CreditService) CheckFeasibility(ctx context.Context, urlCount int64) (*Feasibility, error) {
	if urlCount < 0 {
		return nil, fmt.Errorf("%w: url count must not be negative", ErrInvalidArgument)
	}
	cfg, err := s.creditRepo.Get(ctx, nil)
	if err != nil {
		return nil, normalizeError(err)
	}
	return feasibilityOf(cfg, urlCount), nil
}

// Reserve earmarks urlCount checks worth of credits for the project. The
// availability check is repeated under the config row lock, so concurrent
// reservations can never over-commit the pool.
func (s *CreditService) Reserve(ctx context.Context, projectID string, urlCount int64) (*Reservation, error) {
	if urlCount <= 0 {
		return nil, fmt.Errorf("%w: url count must be positive", ErrInvalidArgument)
	}

	var (
		result       *Reservation
		balanceAfter int64
	)
	err := runInTx(ctx, s.db, func(tx *gorm.DB) error {
		if _, err := s.projectRepo.GetByIDForUpdate(ctx, tx, projectID); err != nil {
			return err
		}
		cfg, err := s.creditRepo.GetForUpdate(ctx, tx)
		if err != nil {
			return err
		}

		f := feasibilityOf(cfg, urlCount)
		if !f.CanProceed {
			return insufficientCredits(f)
		}
		amount := f.Required

		err = s.creditRepo.Apply(ctx, tx, cfg.Version, repository.CreditDelta{
			Reserved:     amount,
			MinAvailable: amount,
		})
		if errors.Is(err, repository.ErrCreditNotEnough) {
			current, getErr := s.creditRepo.Get(ctx, tx)
			if getErr != nil {
				return getErr
			}
			return insufficientCredits(feasibilityOf(current, urlCount))
		}
		if err != nil {
			return err
		}

		reservation := &model.CreditReservation{
			ReservationNo: idgen.GenerateReservationNo(),
			ProjectID:     projectID,
			Amount:        amount,
			Remaining:     amount,
			Status:        model.ReservationStatusActive,
		}
		if err := s.reservations.Create(ctx, tx, reservation); err != nil {
			return fmt.Errorf("create reservation: %w", err)
		}
		if err := s.syncProjectReserved(ctx, tx, projectID); err != nil {
			return err
		}

		cfg.ReservedCredits += amount
		balanceAfter = cfg.Available()
		entry := &model.CreditLog{
			Amount:       amount,
			Operation:    model.CreditOperationReservation,
			BalanceAfter: balanceAfter,
			Description:  fmt.Sprintf("Reserved %d credits for project (%d URLs)", amount, urlCount),
			ProjectID:    projectID,
		}
		if err := s.creditLogRepo.Create(ctx, tx, entry); err != nil {
			return fmt.Errorf("write credit log: %w", err)
		}

		result = &Reservation{
			ReservationNo:  reservation.ReservationNo,
			ProjectID:      projectID,
			ReservedAmount: amount,
		}
		return nil
	})
	err = normalizeError(err)

	var amount int64
	if result != nil {
		amount = result.ReservedAmount
	}
	metrics.ObserveLedger(model.CreditOperationReservation, amount, err)
	if err != nil {
		return nil, err
	}

	metrics.AvailableCredits.Set(float64(balanceAfter))
	log.Printf("[CreditService] reserved: projectID=%s, amount=%d, reservationNo=%s, available=%d",
		projectID, amount, result.ReservationNo, balanceAfter)
	return result, nil
}

// Consume converts urlCount checks worth of the project's reservation into used
// credits.
func (s *CreditService) Consume(ctx context.Context, projectID string, urlCount int64) error {
	var amount int64
	err := runInTx(ctx, s.db, func(tx *gorm.DB) error {
		consumed, err := s.ConsumeTx(ctx, tx, projectID, urlCount)
		amount = consumed
		return err
	})
	err = normalizeError(err)
	metrics.ObserveLedger(model.CreditOperationConsumption, amount, err)
	if err != nil {
		return err
	}
	log.Printf("[CreditService] consumed: projectID=%s, amount=%d", projectID, amount)
	return nil
}

// ConsumeTx is Consume inside the caller's transaction. The amount is drawn
// from the project's active reservations oldest first; if they hold less than
// the amount nothing is written and ErrReservationExceeded is returned.
func (s *CreditService) ConsumeTx(ctx context.Context, tx *gorm.DB, projectID string, urlCount int64) (int64, error) {
	if urlCount <= 0 {
		return 0, fmt.Errorf("%w: url count must be positive", ErrInvalidArgument)
	}

	if _, err := s.projectRepo.GetByIDForUpdate(ctx, tx, projectID); err != nil {
		return 0, err
	}
	cfg, err := s.creditRepo.GetForUpdate(ctx, tx)
	if err != nil {
		return 0, err
	}
	amount := urlCount * cfg.CreditsPerCheck

	active, err := s.reservations.ListActiveForUpdate(ctx, tx, projectID)
	if err != nil {
		return 0, err
	}
	var remaining int64
	for _, r := range active {
		remaining += r.Remaining
	}
	if remaining < amount {
		return 0, fmt.Errorf("%w: need %d, project holds %d", ErrReservationExceeded, amount, remaining)
	}

	if err := s.creditRepo.Apply(ctx, tx, cfg.Version, repository.CreditDelta{
		Reserved: -amount,
		Used:     amount,
	}); err != nil {
		return 0, err
	}

	left := amount
	for _, r := range active {
		if left == 0 {
			break
		}
		draw := r.Remaining
		if draw > left {
			draw = left
		}
		if err := s.reservations.UpdateRemaining(ctx, tx, r.ID, r.Remaining-draw); err != nil {
			return 0, fmt.Errorf("update reservation: %w", err)
		}
		left -= draw
	}

	if err := s.projectRepo.MoveReservedToUsed(ctx, tx, projectID, amount); err != nil {
		return 0, err
	}

	cfg.ReservedCredits -= amount
	cfg.UsedCredits += amount
	entry := &model.CreditLog{
		Amount:       amount,
		Operation:    model.CreditOperationConsumption,
		BalanceAfter: cfg.Available(),
		Description:  fmt.Sprintf("Consumed %d credits for URL check", amount),
		ProjectID:    projectID,
	}
	if err := s.creditLogRepo.Create(ctx, tx, entry); err != nil {
		return 0, fmt.Errorf("write credit log: %w", err)
	}
	return amount, nil
}

// Release returns everything the project still holds to the pool. Releasing a
// project that holds nothing is a no-op that returns 0.
func (s *CreditService) Release(ctx context.Context, projectID string) (int64, error) {
	var released int64
	err := runInTx(ctx, s.db, func(tx *gorm.DB) error {
		amount, err := s.ReleaseTx(ctx, tx, projectID)
		released = amount
		return err
	})
	err = normalizeError(err)
	metrics.ObserveLedger(model.CreditOperationRelease, released, err)
	if err != nil {
		return 0, err
	}
	if released > 0 {
		log.Printf("[CreditService] released: projectID=%s, amount=%d", projectID, released)
	}
	return released, nil
}

// ReleaseTx is Release inside the caller's transaction.
func (s *CreditService) ReleaseTx(ctx context.Context, tx *gorm.DB, projectID string) (int64, error) {
	if _, err := s.projectRepo.GetByIDForUpdate(ctx, tx, projectID); err != nil {
		return 0, err
	}

	amount, err := s.reservations.SumActive(ctx, tx, projectID)
	if err != nil {
		return 0, err
	}
	if amount == 0 {
		return 0, nil
	}

	cfg, err := s.creditRepo.GetForUpdate(ctx, tx)
	if err != nil {
		return 0, err
	}
	if err := s.creditRepo.Apply(ctx, tx, cfg.Version, repository.CreditDelta{Reserved: -amount}); err != nil {
		return 0, err
	}
	if _, err := s.reservations.ReleaseActive(ctx, tx, projectID); err != nil {
		return 0, fmt.Errorf("release reservations: %w", err)
	}
	if err := s.projectRepo.SetCreditsReserved(ctx, tx, projectID, 0); err != nil {
		return 0, err
	}

	cfg.ReservedCredits -= amount
	entry := &model.CreditLog{
		Amount:       -amount,
		Operation:    model.CreditOperationRelease,
		BalanceAfter: cfg.Available(),
		Description:  fmt.Sprintf("Released %d unused reserved credits", amount),
		ProjectID:    projectID,
	}
	if err := s.creditLogRepo.Create(ctx, tx, entry); err != nil {
		return 0, fmt.Errorf("write credit log: %w", err)
	}
	return amount, nil
}

// History lists ledger entries newest first. An empty projectID lists all
// projects.
func (s *CreditService) History(ctx context.Context, projectID string, limit int) ([]*repository.CreditLogView, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
		if s.cfg != nil && s.cfg.Business.HistoryLimit > 0 {
			limit = s.cfg.Business.HistoryLimit
		}
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	entries, err := s.creditLogRepo.List(ctx, projectID, limit)
	if err != nil {
		return nil, normalizeError(err)
	}
	return entries, nil
}

// Provision creates the ledger singleton from the credit section of the
// configuration. An existing row is left untouched and returned.
func (s *CreditService) Provision(ctx context.Context, seed config.CreditConfig) (*Balance, error) {
	if seed.CreditsPerCheck <= 0 || seed.TotalCredits < 0 || seed.UsedCredits < 0 {
		return nil, fmt.Errorf("%w: invalid credit seed", ErrInvalidArgument)
	}
	cfg, err := s.creditRepo.Provision(ctx, &model.CreditConfig{
		TotalCredits:    seed.TotalCredits,
		UsedCredits:     seed.UsedCredits,
		CreditsPerCheck: seed.CreditsPerCheck,
	})
	if err != nil {
		return nil, normalizeError(err)
	}
	return balanceOf(cfg), nil
}

func (s *CreditService) syncProjectReserved(ctx context.Context, tx *gorm.DB, projectID string) error {
	total, err := s.reservations.SumActive(ctx, tx, projectID)
	if err != nil {
		return err
	}
	return s.projectRepo.SetCreditsReserved(ctx, tx, projectID, total)
}
