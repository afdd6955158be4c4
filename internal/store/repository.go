/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract
 * for all data access the wallet service needs. Defining an interface
 * decouples the business logic from the PostgreSQL implementation and lets
 * tests substitute in-memory fakes.
 *
 * Every method that moves money is an atomic unit: the ledger entry append
 * and the balance update commit together or not at all.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain: The service's domain models.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/Techori/Gateman-sub001/internal/domain"
)

var (
	ErrAccountNotFound = errors.New("account not found")
	// ErrAccountNotActive is returned when a debit-side operation targets a
	// blocked or inactive account. These operations fail closed.
	ErrAccountNotActive    = errors.New("account not active")
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrDuplicateReference means the external reference has already been
	// applied. Callers treat this as an idempotent replay, not a failure.
	ErrDuplicateReference = errors.New("external reference already used")
	ErrEntryNotFound      = errors.New("ledger entry not found")
	ErrEntryNotPending    = errors.New("ledger entry already resolved")
	ErrMandateNotFound    = errors.New("mandate not found")
	// ErrMandateConflict means the account already holds an active or paused
	// mandate for the same service.
	ErrMandateConflict = errors.New("duplicate mandate for service")
)

// CreditParams carries the inputs for a credit-side ledger append.
type CreditParams struct {
	AccountID         uuid.UUID
	Kind              domain.EntryKind // credit, refund or cashback
	Amount            int64
	Description       string
	ExternalReference *string
	ServiceID         *uuid.UUID
	BookingID         *uuid.UUID
	OriginalEntryID   *uuid.UUID
}

// DebitParams carries the inputs for a debit ledger append.
type DebitParams struct {
	AccountID         uuid.UUID
	Amount            int64
	Description       string
	ExternalReference *string
	ServiceID         *uuid.UUID
	BookingID         *uuid.UUID
}

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Account methods
	FindOrCreateAccount(ctx context.Context, ownerID uuid.UUID) (*domain.Account, error)
	FindAccountByID(ctx context.Context, accountID uuid.UUID) (*domain.Account, error)
	FindAccountByOwnerID(ctx context.Context, ownerID uuid.UUID) (*domain.Account, error)
	// UpdateAccountStatus changes the account status and appends a
	// zero-amount audit entry in the same transaction.
	UpdateAccountStatus(ctx context.Context, accountID uuid.UUID, status domain.AccountStatus, reason string) (*domain.Account, error)

	// Ledger methods. CreditWallet and DebitWallet append a success entry and
	// move the balance atomically; DebitWallet locks the account row so the
	// balance check and the deduction are a single unit.
	CreditWallet(ctx context.Context, p CreditParams) (*domain.LedgerEntry, error)
	DebitWallet(ctx context.Context, p DebitParams) (*domain.LedgerEntry, error)
	// CreatePendingCredit appends a pending entry that does not touch the
	// balance; only ResolvePendingCredit can settle it.
	CreatePendingCredit(ctx context.Context, p CreditParams) (*domain.LedgerEntry, error)
	ResolvePendingCredit(ctx context.Context, externalReference string, success bool, failureReason *string) (*domain.LedgerEntry, error)
	FindEntryByID(ctx context.Context, entryID uuid.UUID) (*domain.LedgerEntry, error)
	FindEntryByExternalReference(ctx context.Context, externalReference string) (*domain.LedgerEntry, error)
	ListEntriesByAccount(ctx context.Context, accountID uuid.UUID, opts domain.ListOptions) ([]domain.LedgerEntry, error)
	ListStalePendingEntries(ctx context.Context, olderThan time.Time, limit int) ([]domain.LedgerEntry, error)
	// SumLedgerByAccount recomputes the balance from success entries, for
	// drift audits.
	SumLedgerByAccount(ctx context.Context, accountID uuid.UUID) (int64, error)
	// SumRefundsForEntry totals prior success refunds against an original
	// debit, so refunds can never exceed what was charged.
	SumRefundsForEntry(ctx context.Context, originalEntryID uuid.UUID) (int64, error)

	// Mandate methods
	CreateMandate(ctx context.Context, mandate *domain.Mandate) (*domain.Mandate, error)
	FindMandateByID(ctx context.Context, mandateID uuid.UUID) (*domain.Mandate, error)
	ListMandatesByAccount(ctx context.Context, accountID uuid.UUID, opts domain.ListOptions) ([]domain.Mandate, error)
	ListDueMandates(ctx context.Context, now time.Time) ([]domain.Mandate, error)
	// TransitionMandateStatus moves the mandate to the target status only if
	// its current status is one of `from`; otherwise ErrMandateNotFound.
	TransitionMandateStatus(ctx context.Context, mandateID uuid.UUID, from []domain.MandateStatus, to domain.MandateStatus) (*domain.Mandate, error)
	// MarkMandateCharged records a successful cycle: retry count resets to
	// zero and the next due date advances. A suspended mandate recovered by a
	// force-run returns to active here.
	MarkMandateCharged(ctx context.Context, mandateID uuid.UUID, nextDueDate time.Time) (*domain.Mandate, error)
	// RecordMandateFailure atomically increments the retry count and flips
	// the mandate to suspended when the count reaches the maximum.
	RecordMandateFailure(ctx context.Context, mandateID uuid.UUID) (*domain.Mandate, error)

	// Execution log methods
	InsertExecution(ctx context.Context, execution *domain.MandateExecution) error
	ListExecutionsByMandate(ctx context.Context, mandateID uuid.UUID, opts domain.ListOptions) ([]domain.MandateExecution, error)
}
