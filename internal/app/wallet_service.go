/**
 * @description
 * Core business logic for the wallet: account lifecycle, credits, debits,
 * refunds and the gateway funding protocol. The service layer validates
 * inputs and orchestrates the repository; the atomicity of each money
 * movement lives in the store.
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
	"github.com/Techori/Gateman-sub001/pkg/gateway"
	"github.com/Techori/Gateman-sub001/pkg/rabbitmq"
)

var (
	// ErrNotRefundable is returned when the referenced entry is not a
	// successful debit.
	ErrNotRefundable = errors.New("only successful debit entries can be refunded")
	// ErrRefundExceedsOriginal is returned when the requested refund, together
	// with refunds already issued, would exceed the original debit amount.
	ErrRefundExceedsOriginal = errors.New("refund exceeds original debit amount")
	// ErrInvalidAmount is returned for non-positive amounts.
	ErrInvalidAmount = errors.New("amount must be positive")
)

// GatewayClient defines the interface for the external payment gateway.
type GatewayClient interface {
	InitiateFunding(ctx context.Context, accountID uuid.UUID, amount int64) (*gateway.FundingInitiation, error)
	VerifyFunding(ctx context.Context, providerReference string) (*gateway.FundingStatus, error)
}

// EventPublisher defines the interface for publishing wallet events.
type EventPublisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
}

// WalletService provides the business logic for wallet accounts and the ledger.
type WalletService struct {
	repo      store.Repository
	gateway   GatewayClient
	publisher EventPublisher
	logger    *slog.Logger
}

// NewWalletService creates a new wallet service.
func NewWalletService(repo store.Repository, gw GatewayClient, publisher EventPublisher, logger *slog.Logger) *WalletService {
	return &WalletService{repo: repo, gateway: gw, publisher: publisher, logger: logger}
}

// FindOrCreateAccount returns the owner's wallet, creating an empty active
// one on first use. Idempotent; no error path for an existing account.
func (s *WalletService) FindOrCreateAccount(ctx context.Context, ownerID uuid.UUID) (*domain.Account, error) {
	return s.repo.FindOrCreateAccount(ctx, ownerID)
}

// GetAccount returns an account by id.
func (s *WalletService) GetAccount(ctx context.Context, accountID uuid.UUID) (*domain.Account, error) {
	return s.repo.FindAccountByID(ctx, accountID)
}

// CreditInput carries the inputs for a direct credit (confirmed funding,
// refund or cashback).
type CreditInput struct {
	AccountID         uuid.UUID
	Kind              domain.EntryKind
	Amount            int64
	Description       string
	ExternalReference *string
	ServiceID         *uuid.UUID
	BookingID         *uuid.UUID
}

// Credit appends a success credit entry and raises the balance atomically.
// A reused external reference yields store.ErrDuplicateReference; callers on
// the gateway path treat that as an idempotent replay.
func (s *WalletService) Credit(ctx context.Context, in CreditInput) (*domain.LedgerEntry, error) {
	if in.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	switch in.Kind {
	case domain.EntryCredit, domain.EntryRefund, domain.EntryCashback:
	default:
		return nil, fmt.Errorf("kind %q is not creditable", in.Kind)
	}

	return s.repo.CreditWallet(ctx, store.CreditParams{
		AccountID:         in.AccountID,
		Kind:              in.Kind,
		Amount:            in.Amount,
		Description:       in.Description,
		ExternalReference: in.ExternalReference,
		ServiceID:         in.ServiceID,
		BookingID:         in.BookingID,
	})
}

// DebitInput carries the inputs for a wallet debit.
type DebitInput struct {
	AccountID         uuid.UUID
	Amount            int64
	Description       string
	ExternalReference *string
	ServiceID         *uuid.UUID
	BookingID         *uuid.UUID
}

// Debit charges the wallet. The balance check and the deduction are one
// atomic unit in the store, so concurrent debits cannot overdraw.
func (s *WalletService) Debit(ctx context.Context, in DebitInput) (*domain.LedgerEntry, error) {
	if in.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	return s.repo.DebitWallet(ctx, store.DebitParams{
		AccountID:         in.AccountID,
		Amount:            in.Amount,
		Description:       in.Description,
		ExternalReference: in.ExternalReference,
		ServiceID:         in.ServiceID,
		BookingID:         in.BookingID,
	})
}

// Refund reverses part or all of a successful debit. The refund entry
// references the original, and the sum of refunds can never exceed it.
func (s *WalletService) Refund(ctx context.Context, originalEntryID uuid.UUID, amount int64, reason string) (*domain.LedgerEntry, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	original, err := s.repo.FindEntryByID(ctx, originalEntryID)
	if err != nil {
		return nil, err
	}
	if original.Kind != domain.EntryDebit || original.Status != domain.EntrySuccess {
		return nil, ErrNotRefundable
	}

	refunded, err := s.repo.SumRefundsForEntry(ctx, originalEntryID)
	if err != nil {
		return nil, err
	}
	if refunded+amount > original.Amount {
		return nil, ErrRefundExceedsOriginal
	}

	return s.repo.CreditWallet(ctx, store.CreditParams{
		AccountID:       original.AccountID,
		Kind:            domain.EntryRefund,
		Amount:          amount,
		Description:     reason,
		ServiceID:       original.ServiceID,
		BookingID:       original.BookingID,
		OriginalEntryID: &originalEntryID,
	})
}

// HasSufficientBalance reports whether the account could cover the amount
// right now. Blocked and inactive accounts never have sufficient balance
// regardless of the numeric value. This is a point-in-time read; the debit
// itself re-checks under a lock.
func (s *WalletService) HasSufficientBalance(ctx context.Context, accountID uuid.UUID, amount int64) (bool, error) {
	account, err := s.repo.FindAccountByID(ctx, accountID)
	if err != nil {
		return false, err
	}
	return account.CanDebit() && account.Balance >= amount, nil
}

// BlockAccount blocks the account, recording the reason as an audit entry.
func (s *WalletService) BlockAccount(ctx context.Context, accountID uuid.UUID, reason string) (*domain.Account, error) {
	if reason == "" {
		reason = "account blocked"
	}
	return s.repo.UpdateAccountStatus(ctx, accountID, domain.AccountBlocked, reason)
}

// UnblockAccount returns a blocked account to active.
func (s *WalletService) UnblockAccount(ctx context.Context, accountID uuid.UUID) (*domain.Account, error) {
	return s.repo.UpdateAccountStatus(ctx, accountID, domain.AccountActive, "account unblocked")
}

// ListEntries returns the account's ledger with pagination.
func (s *WalletService) ListEntries(ctx context.Context, accountID uuid.UUID, opts domain.ListOptions) ([]domain.LedgerEntry, error) {
	return s.repo.ListEntriesByAccount(ctx, accountID, opts)
}

// AuditBalance recomputes the balance from the ledger and reports drift
// against the stored balance. Drift should always be zero.
func (s *WalletService) AuditBalance(ctx context.Context, accountID uuid.UUID) (*domain.BalanceAudit, error) {
	account, err := s.repo.FindAccountByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	ledgerBalance, err := s.repo.SumLedgerByAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return &domain.BalanceAudit{
		AccountID:     accountID,
		StoredBalance: account.Balance,
		LedgerBalance: ledgerBalance,
		Drift:         account.Balance - ledgerBalance,
	}, nil
}

// FundingInitiationResult is returned to the client that asked to top up.
type FundingInitiationResult struct {
	RedirectURL       string              `json:"redirect_url"`
	ProviderReference string              `json:"provider_reference"`
	Entry             *domain.LedgerEntry `json:"entry"`
}

// InitiateFunding starts a gateway collection for the owner's wallet. A
// pending ledger entry keyed by the provider reference is recorded before we
// return, so the in-flight collection always has exactly one ledger home and
// only its asynchronous confirmation can settle it.
func (s *WalletService) InitiateFunding(ctx context.Context, ownerID uuid.UUID, amount int64) (*FundingInitiationResult, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	account, err := s.repo.FindOrCreateAccount(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	initiation, err := s.gateway.InitiateFunding(ctx, account.ID, amount)
	if err != nil {
		return nil, err
	}

	entry, err := s.repo.CreatePendingCredit(ctx, store.CreditParams{
		AccountID:         account.ID,
		Kind:              domain.EntryCredit,
		Amount:            amount,
		Description:       "wallet funding",
		ExternalReference: &initiation.ProviderReference,
	})
	if err != nil {
		// A duplicate here means the gateway replayed a reference we already
		// track; surface the existing entry instead of a new one.
		if errors.Is(err, store.ErrDuplicateReference) {
			entry, err = s.repo.FindEntryByExternalReference(ctx, initiation.ProviderReference)
		}
		if err != nil {
			return nil, err
		}
	}

	return &FundingInitiationResult{
		RedirectURL:       initiation.RedirectURL,
		ProviderReference: initiation.ProviderReference,
		Entry:             entry,
	}, nil
}

// ConfirmFunding settles a pending funding entry from a gateway confirmation
// (webhook or verification poll). Duplicate confirmations are no-ops: the
// first settlement wins and the replay returns the already-settled entry.
func (s *WalletService) ConfirmFunding(ctx context.Context, providerReference string, succeeded bool, failureReason *string) (*domain.LedgerEntry, error) {
	entry, err := s.repo.ResolvePendingCredit(ctx, providerReference, succeeded, failureReason)
	if err != nil {
		if errors.Is(err, store.ErrEntryNotPending) {
			s.logger.Info("duplicate funding confirmation ignored", "provider_reference", providerReference, "status", entry.Status)
			return entry, nil
		}
		return nil, err
	}

	if succeeded {
		s.publishWalletEvent(ctx, "wallet.funded", entry, nil)
	} else {
		s.publishWalletEvent(ctx, "wallet.funding_failed", entry, failureReason)
	}
	return entry, nil
}

// ReconcilePendingEntry verifies one stale pending funding entry against the
// gateway and settles it if the gateway has a terminal answer. Entries the
// gateway still reports in-flight are left pending for the next sweep.
func (s *WalletService) ReconcilePendingEntry(ctx context.Context, entry domain.LedgerEntry) error {
	if entry.ExternalReference == nil {
		return fmt.Errorf("pending entry %s has no external reference", entry.ID)
	}

	status, err := s.gateway.VerifyFunding(ctx, *entry.ExternalReference)
	if err != nil {
		return err
	}

	switch status.Status {
	case "success":
		_, err = s.ConfirmFunding(ctx, *entry.ExternalReference, true, nil)
	case "failed":
		reason := "gateway reported collection failed"
		_, err = s.ConfirmFunding(ctx, *entry.ExternalReference, false, &reason)
	default:
		s.logger.Info("pending funding still in flight at gateway", "provider_reference", *entry.ExternalReference, "gateway_status", status.Status)
	}
	return err
}

type walletEvent struct {
	AccountID         uuid.UUID `json:"account_id"`
	EntryID           uuid.UUID `json:"entry_id"`
	Amount            int64     `json:"amount"`
	Kind              string    `json:"kind"`
	ProviderReference *string   `json:"provider_reference,omitempty"`
	FailureReason     *string   `json:"failure_reason,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}

func (s *WalletService) publishWalletEvent(ctx context.Context, routingKey string, entry *domain.LedgerEntry, failureReason *string) {
	if s.publisher == nil {
		return
	}

	payload := walletEvent{
		AccountID:         entry.AccountID,
		EntryID:           entry.ID,
		Amount:            entry.Amount,
		Kind:              string(entry.Kind),
		ProviderReference: entry.ExternalReference,
		FailureReason:     failureReason,
		Timestamp:         time.Now(),
	}

	if err := s.publisher.Publish(ctx, rabbitmq.WalletEventsExchange, routingKey, payload); err != nil {
		s.logger.Warn("failed to publish wallet event", "routing_key", routingKey, "error", err)
	}
}
