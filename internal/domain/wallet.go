/**
 * @description
 * This file defines the core wallet domain models: the balance-bearing Account
 * and the append-only LedgerEntry that records every balance-affecting event.
 *
 * @notes
 * - Amounts are stored as `int64` in the smallest currency unit (paise), which
 *   avoids floating-point inaccuracies with financial data.
 * - Entry kind and status are closed typed variants rather than free-form
 *   strings, so new kinds require explicit handling everywhere they are used.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// AccountStatus enumerates the lifecycle states of a wallet account.
type AccountStatus string

const (
	AccountActive   AccountStatus = "active"
	AccountInactive AccountStatus = "inactive"
	AccountBlocked  AccountStatus = "blocked"
)

// Account represents a user's internal wallet. There is exactly one account
// per owner; it is created lazily on first use and never hard-deleted.
type Account struct {
	ID        uuid.UUID     `json:"id"`
	OwnerID   uuid.UUID     `json:"owner_id"`
	Balance   int64         `json:"balance"` // in paise
	Status    AccountStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// CanDebit reports whether the account status permits outgoing money movement.
// Blocked and inactive accounts fail closed regardless of numeric balance.
func (a *Account) CanDebit() bool {
	return a.Status == AccountActive
}

// EntryKind enumerates the kinds of ledger entries.
type EntryKind string

const (
	EntryCredit   EntryKind = "credit"
	EntryDebit    EntryKind = "debit"
	EntryRefund   EntryKind = "refund"
	EntryCashback EntryKind = "cashback"
	// EntryAudit records a zero-amount administrative event (block/unblock)
	// so that status transitions are visible in the account's history.
	EntryAudit EntryKind = "audit"
)

// EntryStatus enumerates ledger entry settlement states. Only the
// pending->success and pending->failed transitions are legal; success
// entries are immutable.
type EntryStatus string

const (
	EntryPending EntryStatus = "pending"
	EntrySuccess EntryStatus = "success"
	EntryFailed  EntryStatus = "failed"
)

// LedgerEntry is an immutable record of a single balance-affecting event.
// Pending entries exist only on the gateway funding path and do not count
// toward the balance until they resolve to success.
type LedgerEntry struct {
	ID          uuid.UUID   `json:"id"`
	AccountID   uuid.UUID   `json:"account_id"`
	Kind        EntryKind   `json:"kind"`
	Amount      int64       `json:"amount"` // in paise, positive (zero only for audit entries)
	Description string      `json:"description"`
	// ExternalReference carries the gateway provider reference or a
	// scheduler-derived cycle reference. Unique when present, which makes
	// replays of the same external effect no-ops.
	ExternalReference *string     `json:"external_reference,omitempty"`
	Status            EntryStatus `json:"status"`
	ServiceID         *uuid.UUID  `json:"service_id,omitempty"`
	BookingID         *uuid.UUID  `json:"booking_id,omitempty"`
	// OriginalEntryID links a refund entry back to the debit it reverses.
	OriginalEntryID *uuid.UUID `json:"original_entry_id,omitempty"`
	FailureReason   *string    `json:"failure_reason,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// SignedAmount returns the entry's contribution to the account balance:
// positive for credit-like kinds, negative for debits, zero for audit
// entries and anything not yet (or never) settled.
func (e *LedgerEntry) SignedAmount() int64 {
	if e.Status != EntrySuccess {
		return 0
	}
	switch e.Kind {
	case EntryCredit, EntryRefund, EntryCashback:
		return e.Amount
	case EntryDebit:
		return -e.Amount
	case EntryAudit:
		return 0
	}
	return 0
}

// BalanceAudit reports the stored balance against the balance recomputed
// from the ledger, for drift detection.
type BalanceAudit struct {
	AccountID     uuid.UUID `json:"account_id"`
	StoredBalance int64     `json:"stored_balance"`
	LedgerBalance int64     `json:"ledger_balance"`
	Drift         int64     `json:"drift"`
}

// ListOptions controls pagination for ledger and mandate listings.
type ListOptions struct {
	Limit  int
	Offset int
}
