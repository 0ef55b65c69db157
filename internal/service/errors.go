package service

import (
	"errors"
	"fmt"

	"indexcheck/internal/repository"
)

var (
	ErrConfigMissing       = errors.New("credit configuration missing")
	ErrProjectNotFound     = errors.New("project not found")
	ErrURLNotFound         = errors.New("url not found")
	ErrInvalidState        = errors.New("invalid project state")
	ErrNoPendingURLs       = errors.New("project has no pending urls")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrReservationExceeded = errors.New("consumption exceeds reserved credits")
	ErrTransactionFailed   = errors.New("transaction failed")
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrProjectBusy         = errors.New("project is busy, retry later")
)

// InsufficientCreditsError carries the numbers a caller needs to suggest a
// smaller batch.
type InsufficientCreditsError struct {
	Required       int64 `json:"required"`
	Available      int64 `json:"available"`
	Shortfall      int64 `json:"shortfall"`
	MaxURLsAllowed int64 `json:"max_urls_allowed"`
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: required %d, available %d, shortfall %d, max urls %d",
		e.Required, e.Available, e.Shortfall, e.MaxURLsAllowed)
}

func (e *InsufficientCreditsError) Unwrap() error {
	return ErrInsufficientCredits
}

type InvalidStateError struct {
	Current string `json:"current_status"`
	Target  string `json:"target_status"`
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("project is %s, cannot move to %s", e.Current, e.Target)
}

func (e *InvalidStateError) Unwrap() error {
	return ErrInvalidState
}

// normalizeError maps repository errors to service errors. Anything unknown is a
// storage failure and is reported as ErrTransactionFailed.
func normalizeError(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, ErrConfigMissing),
		errors.Is(err, ErrProjectNotFound),
		errors.Is(err, ErrURLNotFound),
		errors.Is(err, ErrInvalidState),
		errors.Is(err, ErrNoPendingURLs),
		errors.Is(err, ErrInsufficientCredits),
		errors.Is(err, ErrReservationExceeded),
		errors.Is(err, ErrTransactionFailed),
		errors.Is(err, ErrInvalidArgument),
		errors.Is(err, ErrProjectBusy):
		return err
	case errors.Is(err, repository.ErrCreditConfigNotFound):
		return ErrConfigMissing
	case errors.Is(err, repository.ErrProjectNotFound):
		return ErrProjectNotFound
	case errors.Is(err, repository.ErrURLNotFound):
		return ErrURLNotFound
	case errors.Is(err, repository.ErrProjectStatusInvalid):
		return ErrInvalidState
	}
	return fmt.Errorf("%w: %v", ErrTransactionFailed, err)
}
