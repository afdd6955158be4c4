/**
 * @description
 * Business logic for owner-controlled mandate management: creation with
 * explicit authorization, pause/resume, and cancellation. Automatic
 * suspension and charging live in the processor.
 */
package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Techori/Gateman-sub001/internal/domain"
	"github.com/Techori/Gateman-sub001/internal/store"
)

var (
	// ErrInvalidFrequency is returned for unknown frequencies or a custom
	// frequency without a positive day interval.
	ErrInvalidFrequency = errors.New("invalid mandate frequency")
	// ErrInvalidTransition is returned when a pause/resume/cancel does not
	// apply to the mandate's current status.
	ErrInvalidTransition = errors.New("mandate status does not permit this transition")
)

// MandateService provides owner-facing mandate management.
type MandateService struct {
	repo   store.Repository
	logger *slog.Logger
}

// NewMandateService creates a new mandate service.
func NewMandateService(repo store.Repository, logger *slog.Logger) *MandateService {
	return &MandateService{repo: repo, logger: logger}
}

// CreateMandateInput carries the owner's authorization for recurring debits.
type CreateMandateInput struct {
	OwnerID             uuid.UUID
	ServiceID           uuid.UUID
	Amount              int64
	Frequency           domain.Frequency
	CustomDays          int
	FirstDueDate        time.Time
	MaxRetryCount       int
	AuthorizationMethod string
	AuthorizationToken  string
}

// CreateMandate registers a new recurring-debit authorization. The owner's
// account is created lazily if absent. At most one active or paused mandate
// may exist per (account, service); a second yields store.ErrMandateConflict.
func (s *MandateService) CreateMandate(ctx context.Context, in CreateMandateInput) (*domain.Mandate, error) {
	if in.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if !in.Frequency.Valid() {
		return nil, ErrInvalidFrequency
	}
	if in.Frequency == domain.FrequencyCustom && in.CustomDays < 1 {
		return nil, ErrInvalidFrequency
	}

	account, err := s.repo.FindOrCreateAccount(ctx, in.OwnerID)
	if err != nil {
		return nil, err
	}

	firstDue := in.FirstDueDate
	if firstDue.IsZero() {
		firstDue = time.Now().UTC()
	}
	maxRetries := in.MaxRetryCount
	if maxRetries <= 0 {
		maxRetries = domain.DefaultMaxRetryCount
	}

	mandate := &domain.Mandate{
		ID:                  uuid.New(),
		AccountID:           account.ID,
		ServiceID:           in.ServiceID,
		Amount:              in.Amount,
		Frequency:           in.Frequency,
		CustomDays:          in.CustomDays,
		AnchorDay:           firstDue.Day(),
		NextDueDate:         firstDue,
		Status:              domain.MandateActive,
		MaxRetryCount:       maxRetries,
		AuthorizationMethod: in.AuthorizationMethod,
		AuthorizationToken:  in.AuthorizationToken,
	}

	created, err := s.repo.CreateMandate(ctx, mandate)
	if err != nil {
		return nil, err
	}

	s.logger.Info("mandate created",
		"mandate_id", created.ID,
		"account_id", created.AccountID,
		"service_id", created.ServiceID,
		"frequency", created.Frequency,
		"next_due_date", created.NextDueDate,
	)
	return created, nil
}

// GetMandate returns one mandate.
func (s *MandateService) GetMandate(ctx context.Context, mandateID uuid.UUID) (*domain.Mandate, error) {
	return s.repo.FindMandateByID(ctx, mandateID)
}

// ListMandates returns an account's mandates with pagination.
func (s *MandateService) ListMandates(ctx context.Context, accountID uuid.UUID, opts domain.ListOptions) ([]domain.Mandate, error) {
	return s.repo.ListMandatesByAccount(ctx, accountID, opts)
}

// ListExecutions returns a mandate's execution log with pagination.
func (s *MandateService) ListExecutions(ctx context.Context, mandateID uuid.UUID, opts domain.ListOptions) ([]domain.MandateExecution, error) {
	if _, err := s.repo.FindMandateByID(ctx, mandateID); err != nil {
		return nil, err
	}
	return s.repo.ListExecutionsByMandate(ctx, mandateID, opts)
}

// PauseMandate stops scheduled charging until the owner resumes.
func (s *MandateService) PauseMandate(ctx context.Context, mandateID uuid.UUID) (*domain.Mandate, error) {
	return s.transition(ctx, mandateID, []domain.MandateStatus{domain.MandateActive}, domain.MandatePaused)
}

// ResumeMandate reactivates a paused mandate.
func (s *MandateService) ResumeMandate(ctx context.Context, mandateID uuid.UUID) (*domain.Mandate, error) {
	return s.transition(ctx, mandateID, []domain.MandateStatus{domain.MandatePaused}, domain.MandateActive)
}

// CancelMandate terminates the mandate. Cancellation is terminal; the record
// is retained for audit. Suspended mandates can also be cancelled.
func (s *MandateService) CancelMandate(ctx context.Context, mandateID uuid.UUID) (*domain.Mandate, error) {
	return s.transition(ctx, mandateID,
		[]domain.MandateStatus{domain.MandateActive, domain.MandatePaused, domain.MandateSuspended},
		domain.MandateCancelled)
}

func (s *MandateService) transition(ctx context.Context, mandateID uuid.UUID, from []domain.MandateStatus, to domain.MandateStatus) (*domain.Mandate, error) {
	mandate, err := s.repo.TransitionMandateStatus(ctx, mandateID, from, to)
	if err != nil {
		if errors.Is(err, store.ErrMandateNotFound) {
			// Distinguish "no such mandate" from "wrong current status".
			if _, findErr := s.repo.FindMandateByID(ctx, mandateID); findErr == nil {
				return nil, ErrInvalidTransition
			}
			return nil, store.ErrMandateNotFound
		}
		return nil, err
	}

	s.logger.Info("mandate status changed", "mandate_id", mandateID, "status", to)
	return mandate, nil
}
