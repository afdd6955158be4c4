/**
 * @description
 * This file defines the recurring auto-debit mandate domain models: the
 * Mandate itself, its frequency schedule, and the append-only execution log
 * that records every processing attempt.
 */

package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MandateStatus enumerates mandate lifecycle states.
type MandateStatus string

const (
	MandateActive    MandateStatus = "active"
	MandatePaused    MandateStatus = "paused"
	MandateCancelled MandateStatus = "cancelled"
	// MandateSuspended is entered automatically after maxRetryCount
	// consecutive failures; it requires manual intervention to leave.
	MandateSuspended MandateStatus = "suspended"
)

// Frequency enumerates how often a mandate charges.
type Frequency string

const (
	FrequencyDaily     Frequency = "daily"
	FrequencyWeekly    Frequency = "weekly"
	FrequencyMonthly   Frequency = "monthly"
	FrequencyQuarterly Frequency = "quarterly"
	FrequencyYearly    Frequency = "yearly"
	// FrequencyCustom charges every Mandate.CustomDays days.
	FrequencyCustom Frequency = "custom"
)

// Valid reports whether f is a known frequency.
func (f Frequency) Valid() bool {
	switch f {
	case FrequencyDaily, FrequencyWeekly, FrequencyMonthly, FrequencyQuarterly, FrequencyYearly, FrequencyCustom:
		return true
	}
	return false
}

// DefaultMaxRetryCount is the number of consecutive failed due cycles a
// mandate tolerates before it is suspended.
const DefaultMaxRetryCount = 3

// Mandate is a standing authorization for recurring debits against one
// account for one billable service. Cancelled mandates are terminal but
// retained for audit; mandates are never hard-deleted.
type Mandate struct {
	ID        uuid.UUID     `json:"id"`
	AccountID uuid.UUID     `json:"account_id"`
	ServiceID uuid.UUID     `json:"service_id"`
	Amount    int64         `json:"amount"` // in paise
	Frequency Frequency     `json:"frequency"`
	// CustomDays is the charge interval in days when Frequency is custom.
	CustomDays int `json:"custom_days,omitempty"`
	// AnchorDay is the requested day-of-month for monthly-and-longer
	// frequencies. Short months clamp to their last day, but the schedule
	// returns to the anchor day as soon as the month allows it.
	AnchorDay           int           `json:"anchor_day,omitempty"`
	NextDueDate         time.Time     `json:"next_due_date"`
	Status              MandateStatus `json:"status"`
	FailureRetryCount   int           `json:"failure_retry_count"`
	MaxRetryCount       int           `json:"max_retry_count"`
	AuthorizationMethod string        `json:"authorization_method"`
	AuthorizationToken  string        `json:"-"`
	CreatedAt           time.Time     `json:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at"`
}

// NextDueAfter computes the due date that follows current for this mandate's
// frequency. Month-based frequencies are calendar-aware: the target month's
// day is the anchor day clamped to that month's length, so a mandate anchored
// on the 31st bills on Feb 28 (29 in leap years) and returns to the 31st in
// March. A cycle is never skipped and never billed twice.
func (m *Mandate) NextDueAfter(current time.Time) time.Time {
	switch m.Frequency {
	case FrequencyDaily:
		return current.AddDate(0, 0, 1)
	case FrequencyWeekly:
		return current.AddDate(0, 0, 7)
	case FrequencyMonthly:
		return addMonthsClamped(current, 1, m.anchorDayOr(current))
	case FrequencyQuarterly:
		return addMonthsClamped(current, 3, m.anchorDayOr(current))
	case FrequencyYearly:
		return addMonthsClamped(current, 12, m.anchorDayOr(current))
	case FrequencyCustom:
		days := m.CustomDays
		if days < 1 {
			days = 1
		}
		return current.AddDate(0, 0, days)
	}
	return current.AddDate(0, 0, 1)
}

func (m *Mandate) anchorDayOr(current time.Time) int {
	if m.AnchorDay >= 1 && m.AnchorDay <= 31 {
		return m.AnchorDay
	}
	return current.Day()
}

// addMonthsClamped advances by whole months from the first of the current
// month, then applies the anchor day clamped to the target month's length.
// Going through the first of the month avoids time.AddDate's day-overflow
// normalization (Jan 31 + 1 month = Mar 3), which would skip February.
func addMonthsClamped(current time.Time, months, anchorDay int) time.Time {
	y, mo, _ := current.Date()
	hh, mm, ss := current.Clock()
	firstOfTarget := time.Date(y, mo, 1, hh, mm, ss, current.Nanosecond(), current.Location()).AddDate(0, months, 0)

	day := anchorDay
	if last := lastDayOfMonth(firstOfTarget); day > last {
		day = last
	}
	return firstOfTarget.AddDate(0, 0, day-1)
}

func lastDayOfMonth(t time.Time) int {
	firstOfNext := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location()).AddDate(0, 1, 0)
	return firstOfNext.AddDate(0, 0, -1).Day()
}

// CycleReference derives the idempotency reference for one due cycle of this
// mandate. It depends only on the mandate identity and the cycle's due date,
// so re-running a batch for the same cycle produces the same reference and
// the ledger's uniqueness constraint turns the replay into a no-op.
func (m *Mandate) CycleReference(dueDate time.Time) string {
	return fmt.Sprintf("mandate:%s:%s", m.ID, dueDate.UTC().Format("2006-01-02"))
}

// SystemTriggered marks execution log rows created by the batch scheduler
// rather than an administrator.
const SystemTriggered = "system"

// ExecutionStatus enumerates mandate execution attempt outcomes.
type ExecutionStatus string

const (
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionFailed  ExecutionStatus = "failed"
	ExecutionPending ExecutionStatus = "pending"
	ExecutionRetry   ExecutionStatus = "retry"
)

// MandateExecution is one row of the append-only execution log: a single
// processing attempt for a single due cycle. Rows are never mutated.
type MandateExecution struct {
	ID            uuid.UUID       `json:"id"`
	MandateID     uuid.UUID       `json:"mandate_id"`
	DebitDate     time.Time       `json:"debit_date"`
	Amount        int64           `json:"amount"`
	Status        ExecutionStatus `json:"status"`
	RetryCount    int             `json:"retry_count"`
	FailureReason *string         `json:"failure_reason,omitempty"`
	LedgerEntryID *uuid.UUID      `json:"ledger_entry_id,omitempty"`
	// TriggeredBy is "system" for scheduled runs or the admin user id for
	// force-runs.
	TriggeredBy string    `json:"triggered_by"`
	CreatedAt   time.Time `json:"created_at"`
}
