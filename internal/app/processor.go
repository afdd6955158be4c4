/**
 * @description
 * The mandate processor runs the single-mandate debit protocol and the batch
 * cycle that the scheduler drives. Each due mandate is processed in
 * isolation: one mandate's failure never aborts the batch. The deterministic
 * per-cycle external reference makes a batch replay after a crash idempotent
 * — the ledger's uniqueness constraint turns the second charge attempt for
 * the same cycle into a no-op.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Techori/Gateman-sub001/internal/domain"
	"github.com/Techori/Gateman-sub001/internal/store"
	"github.com/Techori/Gateman-sub001/pkg/rabbitmq"
)

// MandateProcessor drives due-mandate charging against the wallet.
type MandateProcessor struct {
	repo      store.Repository
	publisher EventPublisher
	logger    *slog.Logger
}

// NewMandateProcessor creates a new processor.
func NewMandateProcessor(repo store.Repository, publisher EventPublisher, logger *slog.Logger) *MandateProcessor {
	return &MandateProcessor{repo: repo, publisher: publisher, logger: logger}
}

// MandateOutcome records how one mandate fared in a batch.
type MandateOutcome struct {
	MandateID     uuid.UUID              `json:"mandate_id"`
	Status        domain.ExecutionStatus `json:"status"`
	FailureReason *string                `json:"failure_reason,omitempty"`
	LedgerEntryID *uuid.UUID             `json:"ledger_entry_id,omitempty"`
	MandateStatus domain.MandateStatus   `json:"mandate_status"`
	NextDueDate   time.Time              `json:"next_due_date"`
}

// BatchResult summarizes one processDueMandates cycle.
type BatchResult struct {
	Processed  int              `json:"processed"`
	Successful int              `json:"successful"`
	Failed     int              `json:"failed"`
	Details    []MandateOutcome `json:"details"`
}

// ProcessDueMandates selects every active mandate whose due date has arrived
// and whose retry budget is not exhausted, and runs the debit protocol on
// each. Cross-mandate ordering is unspecified; per-mandate processing is
// atomic with respect to its own state.
func (p *MandateProcessor) ProcessDueMandates(ctx context.Context, now time.Time) (*BatchResult, error) {
	due, err := p.repo.ListDueMandates(ctx, now)
	if err != nil {
		return nil, err
	}

	result := &BatchResult{Processed: len(due)}
	for _, mandate := range due {
		outcome := p.processMandate(ctx, &mandate, now, domain.SystemTriggered)
		if outcome.Status == domain.ExecutionSuccess {
			result.Successful++
		} else {
			result.Failed++
		}
		result.Details = append(result.Details, outcome)
	}

	p.logger.Info("mandate batch finished",
		"processed", result.Processed,
		"successful", result.Successful,
		"failed", result.Failed,
	)
	return result, nil
}

// ForceRunMandate executes the single-mandate protocol outside the batch
// schedule on an administrator's behalf. It also works on suspended mandates
// as the manual-intervention path: a successful forced charge reinstates the
// mandate.
func (p *MandateProcessor) ForceRunMandate(ctx context.Context, mandateID uuid.UUID, adminID string) (*MandateOutcome, error) {
	mandate, err := p.repo.FindMandateByID(ctx, mandateID)
	if err != nil {
		return nil, err
	}
	if mandate.Status != domain.MandateActive && mandate.Status != domain.MandateSuspended {
		return nil, fmt.Errorf("mandate %s is %s and cannot be force-run", mandateID, mandate.Status)
	}

	outcome := p.processMandate(ctx, mandate, time.Now().UTC(), adminID)
	return &outcome, nil
}

// processMandate runs the single-mandate debit protocol for one due cycle.
// Failures never advance the due date; a success advances it by exactly one
// frequency interval and resets the retry counter.
func (p *MandateProcessor) processMandate(ctx context.Context, mandate *domain.Mandate, now time.Time, triggeredBy string) MandateOutcome {
	dueDate := mandate.NextDueDate

	account, err := p.repo.FindAccountByID(ctx, mandate.AccountID)
	if err != nil {
		reason := "wallet account not found"
		if !errors.Is(err, store.ErrAccountNotFound) {
			reason = fmt.Sprintf("account lookup failed: %v", err)
		}
		return p.recordFailure(ctx, mandate, dueDate, triggeredBy, reason)
	}
	if !account.CanDebit() {
		return p.recordFailure(ctx, mandate, dueDate, triggeredBy,
			fmt.Sprintf("account is %s", account.Status))
	}
	if account.Balance < mandate.Amount {
		return p.recordFailure(ctx, mandate, dueDate, triggeredBy, "Insufficient balance")
	}

	// The reference is a pure function of mandate identity and cycle date, so
	// a crashed batch re-run cannot double-charge this cycle.
	reference := mandate.CycleReference(dueDate)
	entry, err := p.repo.DebitWallet(ctx, store.DebitParams{
		AccountID:         mandate.AccountID,
		Amount:            mandate.Amount,
		Description:       fmt.Sprintf("recurring charge for service %s", mandate.ServiceID),
		ExternalReference: &reference,
		ServiceID:         &mandate.ServiceID,
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicateReference) {
			// This cycle was already charged (crash between debit and the
			// mandate update). Recover the entry and finish the bookkeeping.
			existing, findErr := p.repo.FindEntryByExternalReference(ctx, reference)
			if findErr != nil {
				return p.recordFailure(ctx, mandate, dueDate, triggeredBy,
					fmt.Sprintf("cycle already charged but entry lookup failed: %v", findErr))
			}
			p.logger.Info("due cycle already charged; completing mandate bookkeeping",
				"mandate_id", mandate.ID, "cycle_reference", reference)
			return p.recordSuccess(ctx, mandate, dueDate, triggeredBy, existing)
		}
		// Balance race or account blocked mid-flight.
		return p.recordFailure(ctx, mandate, dueDate, triggeredBy, err.Error())
	}

	return p.recordSuccess(ctx, mandate, dueDate, triggeredBy, entry)
}

func (p *MandateProcessor) recordSuccess(ctx context.Context, mandate *domain.Mandate, dueDate time.Time, triggeredBy string, entry *domain.LedgerEntry) MandateOutcome {
	nextDue := mandate.NextDueAfter(dueDate)

	updated, err := p.repo.MarkMandateCharged(ctx, mandate.ID, nextDue)
	if err != nil {
		// The debit is durable and idempotent; if this update is lost the
		// next batch run recovers via the duplicate-reference path.
		p.logger.Error("failed to advance mandate after successful charge",
			"mandate_id", mandate.ID, "error", err)
		updated = mandate
	}

	execution := &domain.MandateExecution{
		ID:            uuid.New(),
		MandateID:     mandate.ID,
		DebitDate:     dueDate,
		Amount:        mandate.Amount,
		Status:        domain.ExecutionSuccess,
		RetryCount:    0,
		LedgerEntryID: &entry.ID,
		TriggeredBy:   triggeredBy,
	}
	if err := p.repo.InsertExecution(ctx, execution); err != nil {
		p.logger.Error("failed to record mandate execution", "mandate_id", mandate.ID, "error", err)
	}

	p.publishMandateEvent(ctx, "mandate.charged", updated, nil)

	return MandateOutcome{
		MandateID:     mandate.ID,
		Status:        domain.ExecutionSuccess,
		LedgerEntryID: &entry.ID,
		MandateStatus: updated.Status,
		NextDueDate:   updated.NextDueDate,
	}
}

func (p *MandateProcessor) recordFailure(ctx context.Context, mandate *domain.Mandate, dueDate time.Time, triggeredBy, reason string) MandateOutcome {
	updated, err := p.repo.RecordMandateFailure(ctx, mandate.ID)
	if err != nil {
		p.logger.Error("failed to record mandate failure", "mandate_id", mandate.ID, "error", err)
		updated = mandate
	}

	execution := &domain.MandateExecution{
		ID:            uuid.New(),
		MandateID:     mandate.ID,
		DebitDate:     dueDate,
		Amount:        mandate.Amount,
		Status:        domain.ExecutionFailed,
		RetryCount:    updated.FailureRetryCount,
		FailureReason: &reason,
		TriggeredBy:   triggeredBy,
	}
	if err := p.repo.InsertExecution(ctx, execution); err != nil {
		p.logger.Error("failed to record mandate execution", "mandate_id", mandate.ID, "error", err)
	}

	if updated.Status == domain.MandateSuspended && mandate.Status != domain.MandateSuspended {
		p.logger.Warn("mandate suspended after exhausting retries",
			"mandate_id", mandate.ID,
			"retry_count", updated.FailureRetryCount,
			"max_retry_count", updated.MaxRetryCount,
		)
		p.publishMandateEvent(ctx, "mandate.suspended", updated, &reason)
	}

	return MandateOutcome{
		MandateID:     mandate.ID,
		Status:        domain.ExecutionFailed,
		FailureReason: &reason,
		MandateStatus: updated.Status,
		NextDueDate:   updated.NextDueDate,
	}
}

type mandateEvent struct {
	MandateID     uuid.UUID `json:"mandate_id"`
	AccountID     uuid.UUID `json:"account_id"`
	ServiceID     uuid.UUID `json:"service_id"`
	Amount        int64     `json:"amount"`
	Status        string    `json:"status"`
	RetryCount    int       `json:"retry_count"`
	NextDueDate   time.Time `json:"next_due_date"`
	FailureReason *string   `json:"failure_reason,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

func (p *MandateProcessor) publishMandateEvent(ctx context.Context, routingKey string, mandate *domain.Mandate, failureReason *string) {
	if p.publisher == nil {
		return
	}

	payload := mandateEvent{
		MandateID:     mandate.ID,
		AccountID:     mandate.AccountID,
		ServiceID:     mandate.ServiceID,
		Amount:        mandate.Amount,
		Status:        string(mandate.Status),
		RetryCount:    mandate.FailureRetryCount,
		NextDueDate:   mandate.NextDueDate,
		FailureReason: failureReason,
		Timestamp:     time.Now(),
	}

	if err := p.publisher.Publish(ctx, rabbitmq.WalletEventsExchange, routingKey, payload); err != nil {
		p.logger.Warn("failed to publish mandate event", "routing_key", routingKey, "error", err)
	}
}
