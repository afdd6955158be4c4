package app

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Techori/Gateman-sub001/internal/domain"
	"github.com/Techori/Gateman-sub001/internal/store"
)

func seedMandate(repo *fakeRepository, accountID uuid.UUID, amount int64, dueDate time.Time) *domain.Mandate {
	return repo.addMandate(&domain.Mandate{
		ID:                  uuid.New(),
		AccountID:           accountID,
		ServiceID:           uuid.New(),
		Amount:              amount,
		Frequency:           domain.FrequencyMonthly,
		AnchorDay:           dueDate.Day(),
		NextDueDate:         dueDate,
		Status:              domain.MandateActive,
		MaxRetryCount:       domain.DefaultMaxRetryCount,
		AuthorizationMethod: "otp",
	})
}

func TestProcessDueMandates_SuccessfulChargeAdvancesSchedule(t *testing.T) {
	repo := newFakeRepository()
	pub := &fakePublisher{}
	processor := NewMandateProcessor(repo, pub, testLogger())
	ctx := context.Background()

	account := repo.addAccount(1000, domain.AccountActive)
	dueDate := time.Date(2025, time.March, 15, 6, 0, 0, 0, time.UTC)
	mandate := seedMandate(repo, account.ID, 300, dueDate)

	result, err := processor.ProcessDueMandates(ctx, dueDate)
	if err != nil {
		t.Fatalf("ProcessDueMandates failed: %v", err)
	}
	if result.Processed != 1 || result.Successful != 1 || result.Failed != 0 {
		t.Fatalf("result = %+v, want 1 processed, 1 successful", result)
	}

	got, err := repo.FindAccountByID(ctx, account.ID)
	if err != nil {
		t.Fatalf("FindAccountByID failed: %v", err)
	}
	if got.Balance != 700 {
		t.Fatalf("balance = %d, want 700", got.Balance)
	}

	updated, err := repo.FindMandateByID(ctx, mandate.ID)
	if err != nil {
		t.Fatalf("FindMandateByID failed: %v", err)
	}
	if want := time.Date(2025, time.April, 15, 6, 0, 0, 0, time.UTC); !updated.NextDueDate.Equal(want) {
		t.Fatalf("next due date = %v, want %v", updated.NextDueDate, want)
	}
	if updated.FailureRetryCount != 0 {
		t.Fatalf("retry count = %d, want 0", updated.FailureRetryCount)
	}

	executions, err := repo.ListExecutionsByMandate(ctx, mandate.ID, domain.ListOptions{Limit: 10})
	if err != nil {
		t.Fatalf("ListExecutionsByMandate failed: %v", err)
	}
	if len(executions) != 1 {
		t.Fatalf("executions = %d, want 1", len(executions))
	}
	if executions[0].Status != domain.ExecutionSuccess {
		t.Fatalf("execution status = %s, want success", executions[0].Status)
	}
	if executions[0].TriggeredBy != domain.SystemTriggered {
		t.Fatalf("triggered by = %q, want %q", executions[0].TriggeredBy, domain.SystemTriggered)
	}
	if executions[0].LedgerEntryID == nil {
		t.Fatal("successful execution missing ledger entry id")
	}

	keys := pub.routingKeys()
	if len(keys) != 1 || keys[0] != "mandate.charged" {
		t.Fatalf("published events = %v, want exactly one mandate.charged", keys)
	}
}

func TestProcessDueMandates_InsufficientBalanceCountsRetryWithoutAdvancing(t *testing.T) {
	repo := newFakeRepository()
	processor := NewMandateProcessor(repo, &fakePublisher{}, testLogger())
	ctx := context.Background()

	account := repo.addAccount(100, domain.AccountActive)
	dueDate := time.Date(2025, time.March, 15, 6, 0, 0, 0, time.UTC)
	mandate := seedMandate(repo, account.ID, 300, dueDate)

	result, err := processor.ProcessDueMandates(ctx, dueDate)
	if err != nil {
		t.Fatalf("ProcessDueMandates failed: %v", err)
	}
	if result.Failed != 1 {
		t.Fatalf("failed = %d, want 1", result.Failed)
	}

	got, err := repo.FindAccountByID(ctx, account.ID)
	if err != nil {
		t.Fatalf("FindAccountByID failed: %v", err)
	}
	if got.Balance != 100 {
		t.Fatalf("balance = %d, want untouched 100", got.Balance)
	}

	updated, err := repo.FindMandateByID(ctx, mandate.ID)
	if err != nil {
		t.Fatalf("FindMandateByID failed: %v", err)
	}
	if updated.FailureRetryCount != 1 {
		t.Fatalf("retry count = %d, want 1", updated.FailureRetryCount)
	}
	if !updated.NextDueDate.Equal(dueDate) {
		t.Fatalf("next due date moved to %v; failures must not advance it", updated.NextDueDate)
	}
	if updated.Status != domain.MandateActive {
		t.Fatalf("status = %s, want still active", updated.Status)
	}

	executions, err := repo.ListExecutionsByMandate(ctx, mandate.ID, domain.ListOptions{Limit: 10})
	if err != nil {
		t.Fatalf("ListExecutionsByMandate failed: %v", err)
	}
	if len(executions) != 1 || executions[0].Status != domain.ExecutionFailed {
		t.Fatalf("executions = %+v, want one failed row", executions)
	}
	if executions[0].FailureReason == nil || *executions[0].FailureReason != "Insufficient balance" {
		t.Fatalf("failure reason = %v, want Insufficient balance", executions[0].FailureReason)
	}
}

func TestProcessDueMandates_SuspendsAfterExhaustingRetries(t *testing.T) {
	repo := newFakeRepository()
	pub := &fakePublisher{}
	processor := NewMandateProcessor(repo, pub, testLogger())
	ctx := context.Background()

	account := repo.addAccount(0, domain.AccountActive)
	dueDate := time.Date(2025, time.March, 15, 6, 0, 0, 0, time.UTC)
	mandate := seedMandate(repo, account.ID, 300, dueDate)

	for attempt := 1; attempt <= domain.DefaultMaxRetryCount; attempt++ {
		result, err := processor.ProcessDueMandates(ctx, dueDate.AddDate(0, 0, attempt-1))
		if err != nil {
			t.Fatalf("attempt %d failed: %v", attempt, err)
		}
		if result.Processed != 1 || result.Failed != 1 {
			t.Fatalf("attempt %d: result = %+v, want one failure", attempt, result)
		}
	}

	updated, err := repo.FindMandateByID(ctx, mandate.ID)
	if err != nil {
		t.Fatalf("FindMandateByID failed: %v", err)
	}
	if updated.Status != domain.MandateSuspended {
		t.Fatalf("status = %s, want suspended", updated.Status)
	}
	if updated.FailureRetryCount != domain.DefaultMaxRetryCount {
		t.Fatalf("retry count = %d, want %d", updated.FailureRetryCount, domain.DefaultMaxRetryCount)
	}

	// A suspended mandate never enters another batch, even with money present.
	if _, err := repo.CreditWallet(ctx, store.CreditParams{AccountID: account.ID, Kind: domain.EntryCredit, Amount: 10000, Description: "late top-up"}); err != nil {
		t.Fatalf("credit failed: %v", err)
	}
	result, err := processor.ProcessDueMandates(ctx, dueDate.AddDate(0, 1, 0))
	if err != nil {
		t.Fatalf("post-suspension batch failed: %v", err)
	}
	if result.Processed != 0 {
		t.Fatalf("processed = %d, want 0 after suspension", result.Processed)
	}

	var suspendedEvents int
	for _, key := range pub.routingKeys() {
		if key == "mandate.suspended" {
			suspendedEvents++
		}
	}
	if suspendedEvents != 1 {
		t.Fatalf("mandate.suspended events = %d, want exactly 1", suspendedEvents)
	}
}

func TestProcessDueMandates_ReplayedCycleChargesOnce(t *testing.T) {
	repo := newFakeRepository()
	processor := NewMandateProcessor(repo, &fakePublisher{}, testLogger())
	ctx := context.Background()

	account := repo.addAccount(1000, domain.AccountActive)
	dueDate := time.Date(2025, time.March, 15, 6, 0, 0, 0, time.UTC)
	mandate := seedMandate(repo, account.ID, 300, dueDate)

	// Simulate a crash after the debit but before the mandate bookkeeping:
	// the cycle's entry already exists, the due date has not advanced.
	reference := mandate.CycleReference(dueDate)
	if _, err := repo.DebitWallet(ctx, store.DebitParams{
		AccountID:         account.ID,
		Amount:            mandate.Amount,
		Description:       "recurring charge",
		ExternalReference: &reference,
	}); err != nil {
		t.Fatalf("seeding cycle debit failed: %v", err)
	}

	result, err := processor.ProcessDueMandates(ctx, dueDate)
	if err != nil {
		t.Fatalf("ProcessDueMandates failed: %v", err)
	}
	if result.Successful != 1 {
		t.Fatalf("successful = %d, want 1 (recovered replay)", result.Successful)
	}

	got, err := repo.FindAccountByID(ctx, account.ID)
	if err != nil {
		t.Fatalf("FindAccountByID failed: %v", err)
	}
	if got.Balance != 700 {
		t.Fatalf("balance = %d, want 700 (cycle charged exactly once)", got.Balance)
	}

	updated, err := repo.FindMandateByID(ctx, mandate.ID)
	if err != nil {
		t.Fatalf("FindMandateByID failed: %v", err)
	}
	if !updated.NextDueDate.After(dueDate) {
		t.Fatal("replay recovery must still advance the due date")
	}
}

func TestProcessDueMandates_BlockedAccountFailsClosed(t *testing.T) {
	repo := newFakeRepository()
	processor := NewMandateProcessor(repo, &fakePublisher{}, testLogger())
	ctx := context.Background()

	account := repo.addAccount(1000, domain.AccountBlocked)
	dueDate := time.Date(2025, time.March, 15, 6, 0, 0, 0, time.UTC)
	mandate := seedMandate(repo, account.ID, 300, dueDate)

	result, err := processor.ProcessDueMandates(ctx, dueDate)
	if err != nil {
		t.Fatalf("ProcessDueMandates failed: %v", err)
	}
	if result.Failed != 1 {
		t.Fatalf("failed = %d, want 1", result.Failed)
	}

	got, err := repo.FindAccountByID(ctx, account.ID)
	if err != nil {
		t.Fatalf("FindAccountByID failed: %v", err)
	}
	if got.Balance != 1000 {
		t.Fatalf("balance = %d, want untouched 1000", got.Balance)
	}

	executions, err := repo.ListExecutionsByMandate(ctx, mandate.ID, domain.ListOptions{Limit: 10})
	if err != nil {
		t.Fatalf("ListExecutionsByMandate failed: %v", err)
	}
	if len(executions) != 1 || executions[0].FailureReason == nil ||
		!strings.Contains(*executions[0].FailureReason, "blocked") {
		t.Fatalf("executions = %+v, want one failure naming the blocked status", executions)
	}
}

func TestForceRunMandate_RecoversSuspendedMandate(t *testing.T) {
	repo := newFakeRepository()
	processor := NewMandateProcessor(repo, &fakePublisher{}, testLogger())
	ctx := context.Background()

	account := repo.addAccount(1000, domain.AccountActive)
	dueDate := time.Date(2025, time.March, 15, 6, 0, 0, 0, time.UTC)
	mandate := repo.addMandate(&domain.Mandate{
		ID:                uuid.New(),
		AccountID:         account.ID,
		ServiceID:         uuid.New(),
		Amount:            300,
		Frequency:         domain.FrequencyMonthly,
		AnchorDay:         dueDate.Day(),
		NextDueDate:       dueDate,
		Status:            domain.MandateSuspended,
		FailureRetryCount: domain.DefaultMaxRetryCount,
		MaxRetryCount:     domain.DefaultMaxRetryCount,
	})

	outcome, err := processor.ForceRunMandate(ctx, mandate.ID, "admin-priya")
	if err != nil {
		t.Fatalf("ForceRunMandate failed: %v", err)
	}
	if outcome.Status != domain.ExecutionSuccess {
		t.Fatalf("outcome status = %s, want success", outcome.Status)
	}
	if outcome.MandateStatus != domain.MandateActive {
		t.Fatalf("mandate status = %s, want reinstated active", outcome.MandateStatus)
	}

	updated, err := repo.FindMandateByID(ctx, mandate.ID)
	if err != nil {
		t.Fatalf("FindMandateByID failed: %v", err)
	}
	if updated.Status != domain.MandateActive || updated.FailureRetryCount != 0 {
		t.Fatalf("mandate = status %s retries %d, want active with 0 retries", updated.Status, updated.FailureRetryCount)
	}

	executions, err := repo.ListExecutionsByMandate(ctx, mandate.ID, domain.ListOptions{Limit: 10})
	if err != nil {
		t.Fatalf("ListExecutionsByMandate failed: %v", err)
	}
	if len(executions) != 1 || executions[0].TriggeredBy != "admin-priya" {
		t.Fatalf("executions = %+v, want one row triggered by admin-priya", executions)
	}
}

func TestForceRunMandate_RejectsCancelledMandate(t *testing.T) {
	repo := newFakeRepository()
	processor := NewMandateProcessor(repo, &fakePublisher{}, testLogger())
	ctx := context.Background()

	account := repo.addAccount(1000, domain.AccountActive)
	mandate := repo.addMandate(&domain.Mandate{
		ID:            uuid.New(),
		AccountID:     account.ID,
		ServiceID:     uuid.New(),
		Amount:        300,
		Frequency:     domain.FrequencyMonthly,
		NextDueDate:   time.Now().UTC(),
		Status:        domain.MandateCancelled,
		MaxRetryCount: domain.DefaultMaxRetryCount,
	})

	if _, err := processor.ForceRunMandate(ctx, mandate.ID, "admin-priya"); err == nil {
		t.Fatal("force-run of a cancelled mandate must fail")
	}
}
