package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Techori/Gateman-sub001/internal/config"
	"github.com/Techori/Gateman-sub001/internal/domain"
	"github.com/Techori/Gateman-sub001/pkg/gateway"
)

type stubLock struct {
	acquired bool
	err      error
	calls    []string
}

func (l *stubLock) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, func(), error) {
	l.calls = append(l.calls, name)
	return l.acquired, func() {}, l.err
}

func testJobsConfig() config.Config {
	return config.Config{
		BatchLockTTLSeconds:         60,
		PendingFundingMaxAgeMinutes: 0,
		FundingReconcileBatchSize:   100,
	}
}

func newTestJobs(repo *fakeRepository, gw *fakeGateway, lock BatchLock) *Jobs {
	wallet := NewWalletService(repo, gw, &fakePublisher{}, testLogger())
	processor := NewMandateProcessor(repo, &fakePublisher{}, testLogger())
	return NewJobs(processor, wallet, repo, lock, testLogger(), testJobsConfig())
}

func TestJobsProcessDueMandates_ChargesUnderLease(t *testing.T) {
	repo := newFakeRepository()
	lock := &stubLock{acquired: true}
	jobs := newTestJobs(repo, newFakeGateway(), lock)

	account := repo.addAccount(1000, domain.AccountActive)
	seedMandate(repo, account.ID, 300, time.Now().UTC().Add(-time.Hour))

	jobs.ProcessDueMandates()

	got, err := repo.FindAccountByID(context.Background(), account.ID)
	if err != nil {
		t.Fatalf("FindAccountByID failed: %v", err)
	}
	if got.Balance != 700 {
		t.Fatalf("balance = %d, want 700 after the batch", got.Balance)
	}
	if len(lock.calls) != 1 || lock.calls[0] != "mandate_batch" {
		t.Fatalf("lock calls = %v, want one mandate_batch lease", lock.calls)
	}
}

func TestJobsProcessDueMandates_SkipsWhenLeaseHeldElsewhere(t *testing.T) {
	repo := newFakeRepository()
	jobs := newTestJobs(repo, newFakeGateway(), &stubLock{acquired: false})

	account := repo.addAccount(1000, domain.AccountActive)
	seedMandate(repo, account.ID, 300, time.Now().UTC().Add(-time.Hour))

	jobs.ProcessDueMandates()

	got, err := repo.FindAccountByID(context.Background(), account.ID)
	if err != nil {
		t.Fatalf("FindAccountByID failed: %v", err)
	}
	if got.Balance != 1000 {
		t.Fatalf("balance = %d, want untouched 1000 when another replica holds the lease", got.Balance)
	}
}

func TestJobsProcessDueMandates_RunsWhenLockBackendFails(t *testing.T) {
	repo := newFakeRepository()
	jobs := newTestJobs(repo, newFakeGateway(), &stubLock{acquired: false, err: errors.New("redis down")})

	account := repo.addAccount(1000, domain.AccountActive)
	seedMandate(repo, account.ID, 300, time.Now().UTC().Add(-time.Hour))

	jobs.ProcessDueMandates()

	got, err := repo.FindAccountByID(context.Background(), account.ID)
	if err != nil {
		t.Fatalf("FindAccountByID failed: %v", err)
	}
	if got.Balance != 700 {
		t.Fatalf("balance = %d, want 700 (idempotent references make an unleased run safe)", got.Balance)
	}
}

func TestJobsReconcilePendingFunding_SettlesStaleEntries(t *testing.T) {
	repo := newFakeRepository()
	gw := newFakeGateway()
	lock := &RedisBatchLock{} // nil client: every acquisition succeeds
	jobs := newTestJobs(repo, gw, lock)

	wallet := NewWalletService(repo, gw, &fakePublisher{}, testLogger())
	owner := repo.addAccount(0, domain.AccountActive)
	result, err := wallet.InitiateFunding(context.Background(), owner.OwnerID, 800)
	if err != nil {
		t.Fatalf("InitiateFunding failed: %v", err)
	}
	gw.statuses[result.ProviderReference] = gateway.FundingStatus{Status: "success", Amount: 800}

	jobs.ReconcilePendingFunding()

	got, err := repo.FindAccountByID(context.Background(), owner.ID)
	if err != nil {
		t.Fatalf("FindAccountByID failed: %v", err)
	}
	if got.Balance != 800 {
		t.Fatalf("balance = %d, want 800 after reconciliation settled the lost webhook", got.Balance)
	}

	entry, err := repo.FindEntryByExternalReference(context.Background(), result.ProviderReference)
	if err != nil {
		t.Fatalf("FindEntryByExternalReference failed: %v", err)
	}
	if entry.Status != domain.EntrySuccess {
		t.Fatalf("entry status = %s, want success", entry.Status)
	}
}
