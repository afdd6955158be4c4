/**
 * @description
 * In-memory test doubles shared by the app package tests: a fake repository
 * that mirrors the PostgreSQL implementation's semantics (unique external
 * references, atomic debit under a lock, guarded mandate transitions), a
 * scripted gateway client and a capturing event publisher.
 */
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Techori/Gateman-sub001/internal/domain"
	"github.com/Techori/Gateman-sub001/internal/store"
	"github.com/Techori/Gateman-sub001/pkg/gateway"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeRepository implements store.Repository in memory. All methods take one
// mutex, which makes every money movement as atomic as the SQL transactions
// it stands in for.
type fakeRepository struct {
	mu sync.Mutex

	accounts   map[uuid.UUID]*domain.Account
	entries    []*domain.LedgerEntry
	mandates   []*domain.Mandate
	executions []*domain.MandateExecution
}

var _ store.Repository = (*fakeRepository)(nil)

func newFakeRepository() *fakeRepository {
	return &fakeRepository{accounts: make(map[uuid.UUID]*domain.Account)}
}

func cloneAccount(a *domain.Account) *domain.Account {
	c := *a
	return &c
}

func cloneEntry(e *domain.LedgerEntry) *domain.LedgerEntry {
	c := *e
	return &c
}

func cloneMandate(m *domain.Mandate) *domain.Mandate {
	c := *m
	return &c
}

// addAccount seeds an account directly, bypassing the lazy-creation path.
func (f *fakeRepository) addAccount(balance int64, status domain.AccountStatus) *domain.Account {
	f.mu.Lock()
	defer f.mu.Unlock()

	a := &domain.Account{
		ID:        uuid.New(),
		OwnerID:   uuid.New(),
		Balance:   balance,
		Status:    status,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	f.accounts[a.ID] = a
	return cloneAccount(a)
}

// addMandate seeds a mandate directly.
func (f *fakeRepository) addMandate(m *domain.Mandate) *domain.Mandate {
	f.mu.Lock()
	defer f.mu.Unlock()

	c := cloneMandate(m)
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	c.CreatedAt = time.Now()
	c.UpdatedAt = time.Now()
	f.mandates = append(f.mandates, c)
	return cloneMandate(c)
}

func (f *fakeRepository) entryByReferenceLocked(ref string) *domain.LedgerEntry {
	for _, e := range f.entries {
		if e.ExternalReference != nil && *e.ExternalReference == ref {
			return e
		}
	}
	return nil
}

func (f *fakeRepository) mandateByIDLocked(id uuid.UUID) *domain.Mandate {
	for _, m := range f.mandates {
		if m.ID == id {
			return m
		}
	}
	return nil
}

func (f *fakeRepository) FindOrCreateAccount(ctx context.Context, ownerID uuid.UUID) (*domain.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, a := range f.accounts {
		if a.OwnerID == ownerID {
			return cloneAccount(a), nil
		}
	}
	a := &domain.Account{
		ID:        uuid.New(),
		OwnerID:   ownerID,
		Balance:   0,
		Status:    domain.AccountActive,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	f.accounts[a.ID] = a
	return cloneAccount(a), nil
}

func (f *fakeRepository) FindAccountByID(ctx context.Context, accountID uuid.UUID) (*domain.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	a, ok := f.accounts[accountID]
	if !ok {
		return nil, store.ErrAccountNotFound
	}
	return cloneAccount(a), nil
}

func (f *fakeRepository) FindAccountByOwnerID(ctx context.Context, ownerID uuid.UUID) (*domain.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, a := range f.accounts {
		if a.OwnerID == ownerID {
			return cloneAccount(a), nil
		}
	}
	return nil, store.ErrAccountNotFound
}

func (f *fakeRepository) UpdateAccountStatus(ctx context.Context, accountID uuid.UUID, status domain.AccountStatus, reason string) (*domain.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	a, ok := f.accounts[accountID]
	if !ok {
		return nil, store.ErrAccountNotFound
	}
	a.Status = status
	a.UpdatedAt = time.Now()

	f.entries = append(f.entries, &domain.LedgerEntry{
		ID:          uuid.New(),
		AccountID:   accountID,
		Kind:        domain.EntryAudit,
		Amount:      0,
		Description: reason,
		Status:      domain.EntrySuccess,
		CreatedAt:   time.Now(),
	})
	return cloneAccount(a), nil
}

func (f *fakeRepository) CreditWallet(ctx context.Context, p store.CreditParams) (*domain.LedgerEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	a, ok := f.accounts[p.AccountID]
	if !ok {
		return nil, store.ErrAccountNotFound
	}
	if p.Kind != domain.EntryCredit && a.Status != domain.AccountActive {
		return nil, store.ErrAccountNotActive
	}
	if p.ExternalReference != nil && f.entryByReferenceLocked(*p.ExternalReference) != nil {
		return nil, store.ErrDuplicateReference
	}

	e := &domain.LedgerEntry{
		ID:                uuid.New(),
		AccountID:         p.AccountID,
		Kind:              p.Kind,
		Amount:            p.Amount,
		Description:       p.Description,
		ExternalReference: p.ExternalReference,
		Status:            domain.EntrySuccess,
		ServiceID:         p.ServiceID,
		BookingID:         p.BookingID,
		OriginalEntryID:   p.OriginalEntryID,
		CreatedAt:         time.Now(),
	}
	f.entries = append(f.entries, e)
	a.Balance += p.Amount
	return cloneEntry(e), nil
}

func (f *fakeRepository) DebitWallet(ctx context.Context, p store.DebitParams) (*domain.LedgerEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	a, ok := f.accounts[p.AccountID]
	if !ok {
		return nil, store.ErrAccountNotFound
	}
	if a.Status != domain.AccountActive {
		return nil, store.ErrAccountNotActive
	}
	if a.Balance < p.Amount {
		return nil, store.ErrInsufficientBalance
	}
	if p.ExternalReference != nil && f.entryByReferenceLocked(*p.ExternalReference) != nil {
		return nil, store.ErrDuplicateReference
	}

	e := &domain.LedgerEntry{
		ID:                uuid.New(),
		AccountID:         p.AccountID,
		Kind:              domain.EntryDebit,
		Amount:            p.Amount,
		Description:       p.Description,
		ExternalReference: p.ExternalReference,
		Status:            domain.EntrySuccess,
		ServiceID:         p.ServiceID,
		BookingID:         p.BookingID,
		CreatedAt:         time.Now(),
	}
	f.entries = append(f.entries, e)
	a.Balance -= p.Amount
	return cloneEntry(e), nil
}

func (f *fakeRepository) CreatePendingCredit(ctx context.Context, p store.CreditParams) (*domain.LedgerEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if p.ExternalReference != nil && f.entryByReferenceLocked(*p.ExternalReference) != nil {
		return nil, store.ErrDuplicateReference
	}

	e := &domain.LedgerEntry{
		ID:                uuid.New(),
		AccountID:         p.AccountID,
		Kind:              p.Kind,
		Amount:            p.Amount,
		Description:       p.Description,
		ExternalReference: p.ExternalReference,
		Status:            domain.EntryPending,
		ServiceID:         p.ServiceID,
		BookingID:         p.BookingID,
		CreatedAt:         time.Now(),
	}
	f.entries = append(f.entries, e)
	return cloneEntry(e), nil
}

func (f *fakeRepository) ResolvePendingCredit(ctx context.Context, externalReference string, success bool, failureReason *string) (*domain.LedgerEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	e := f.entryByReferenceLocked(externalReference)
	if e == nil {
		return nil, store.ErrEntryNotFound
	}
	if e.Status != domain.EntryPending {
		// The already-settled entry rides along so callers can report it.
		return cloneEntry(e), store.ErrEntryNotPending
	}

	if success {
		e.Status = domain.EntrySuccess
		if a, ok := f.accounts[e.AccountID]; ok {
			a.Balance += e.Amount
		}
	} else {
		e.Status = domain.EntryFailed
		e.FailureReason = failureReason
	}
	return cloneEntry(e), nil
}

func (f *fakeRepository) FindEntryByID(ctx context.Context, entryID uuid.UUID) (*domain.LedgerEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, e := range f.entries {
		if e.ID == entryID {
			return cloneEntry(e), nil
		}
	}
	return nil, store.ErrEntryNotFound
}

func (f *fakeRepository) FindEntryByExternalReference(ctx context.Context, externalReference string) (*domain.LedgerEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if e := f.entryByReferenceLocked(externalReference); e != nil {
		return cloneEntry(e), nil
	}
	return nil, store.ErrEntryNotFound
}

func (f *fakeRepository) ListEntriesByAccount(ctx context.Context, accountID uuid.UUID, opts domain.ListOptions) ([]domain.LedgerEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []domain.LedgerEntry
	for i := len(f.entries) - 1; i >= 0; i-- {
		if f.entries[i].AccountID == accountID {
			out = append(out, *cloneEntry(f.entries[i]))
		}
	}
	return paginate(out, opts), nil
}

func (f *fakeRepository) ListStalePendingEntries(ctx context.Context, olderThan time.Time, limit int) ([]domain.LedgerEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []domain.LedgerEntry
	for _, e := range f.entries {
		if e.Status == domain.EntryPending && e.CreatedAt.Before(olderThan) {
			out = append(out, *cloneEntry(e))
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeRepository) SumLedgerByAccount(ctx context.Context, accountID uuid.UUID) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var sum int64
	for _, e := range f.entries {
		if e.AccountID == accountID {
			sum += e.SignedAmount()
		}
	}
	return sum, nil
}

func (f *fakeRepository) SumRefundsForEntry(ctx context.Context, originalEntryID uuid.UUID) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var sum int64
	for _, e := range f.entries {
		if e.OriginalEntryID != nil && *e.OriginalEntryID == originalEntryID &&
			e.Kind == domain.EntryRefund && e.Status == domain.EntrySuccess {
			sum += e.Amount
		}
	}
	return sum, nil
}

func (f *fakeRepository) CreateMandate(ctx context.Context, mandate *domain.Mandate) (*domain.Mandate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, m := range f.mandates {
		if m.AccountID == mandate.AccountID && m.ServiceID == mandate.ServiceID &&
			(m.Status == domain.MandateActive || m.Status == domain.MandatePaused) {
			return nil, store.ErrMandateConflict
		}
	}

	c := cloneMandate(mandate)
	c.CreatedAt = time.Now()
	c.UpdatedAt = time.Now()
	f.mandates = append(f.mandates, c)
	return cloneMandate(c), nil
}

func (f *fakeRepository) FindMandateByID(ctx context.Context, mandateID uuid.UUID) (*domain.Mandate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if m := f.mandateByIDLocked(mandateID); m != nil {
		return cloneMandate(m), nil
	}
	return nil, store.ErrMandateNotFound
}

func (f *fakeRepository) ListMandatesByAccount(ctx context.Context, accountID uuid.UUID, opts domain.ListOptions) ([]domain.Mandate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []domain.Mandate
	for i := len(f.mandates) - 1; i >= 0; i-- {
		if f.mandates[i].AccountID == accountID {
			out = append(out, *cloneMandate(f.mandates[i]))
		}
	}
	return paginate(out, opts), nil
}

func (f *fakeRepository) ListDueMandates(ctx context.Context, now time.Time) ([]domain.Mandate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []domain.Mandate
	for _, m := range f.mandates {
		if m.Status == domain.MandateActive && !m.NextDueDate.After(now) &&
			m.FailureRetryCount < m.MaxRetryCount {
			out = append(out, *cloneMandate(m))
		}
	}
	return out, nil
}

func (f *fakeRepository) TransitionMandateStatus(ctx context.Context, mandateID uuid.UUID, from []domain.MandateStatus, to domain.MandateStatus) (*domain.Mandate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	m := f.mandateByIDLocked(mandateID)
	if m == nil {
		return nil, store.ErrMandateNotFound
	}
	for _, s := range from {
		if m.Status == s {
			m.Status = to
			m.UpdatedAt = time.Now()
			return cloneMandate(m), nil
		}
	}
	// Same answer for "no such row" and "status excluded it", as the guarded
	// UPDATE gives.
	return nil, store.ErrMandateNotFound
}

func (f *fakeRepository) MarkMandateCharged(ctx context.Context, mandateID uuid.UUID, nextDueDate time.Time) (*domain.Mandate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	m := f.mandateByIDLocked(mandateID)
	if m == nil || (m.Status != domain.MandateActive && m.Status != domain.MandateSuspended) {
		return nil, store.ErrMandateNotFound
	}
	m.FailureRetryCount = 0
	m.NextDueDate = nextDueDate
	m.Status = domain.MandateActive
	m.UpdatedAt = time.Now()
	return cloneMandate(m), nil
}

func (f *fakeRepository) RecordMandateFailure(ctx context.Context, mandateID uuid.UUID) (*domain.Mandate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	m := f.mandateByIDLocked(mandateID)
	if m == nil || m.Status != domain.MandateActive {
		return nil, store.ErrMandateNotFound
	}
	m.FailureRetryCount++
	if m.FailureRetryCount >= m.MaxRetryCount {
		m.Status = domain.MandateSuspended
	}
	m.UpdatedAt = time.Now()
	return cloneMandate(m), nil
}

func (f *fakeRepository) InsertExecution(ctx context.Context, execution *domain.MandateExecution) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	c := *execution
	c.CreatedAt = time.Now()
	f.executions = append(f.executions, &c)
	return nil
}

func (f *fakeRepository) ListExecutionsByMandate(ctx context.Context, mandateID uuid.UUID, opts domain.ListOptions) ([]domain.MandateExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []domain.MandateExecution
	for i := len(f.executions) - 1; i >= 0; i-- {
		if f.executions[i].MandateID == mandateID {
			out = append(out, *f.executions[i])
		}
	}
	return paginate(out, opts), nil
}

func paginate[T any](items []T, opts domain.ListOptions) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return nil
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(items) {
		items = items[:opts.Limit]
	}
	return items
}

// fakeGateway scripts the payment gateway: each initiation hands out the next
// reference, and verification answers come from the statuses map (defaulting
// to an in-flight answer).
type fakeGateway struct {
	mu          sync.Mutex
	initiations int
	statuses    map[string]gateway.FundingStatus
	initiateErr error
	verifyErr   error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{statuses: make(map[string]gateway.FundingStatus)}
}

func (g *fakeGateway) InitiateFunding(ctx context.Context, accountID uuid.UUID, amount int64) (*gateway.FundingInitiation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.initiateErr != nil {
		return nil, g.initiateErr
	}
	g.initiations++
	ref := fmt.Sprintf("gw-ref-%d", g.initiations)
	return &gateway.FundingInitiation{
		RedirectURL:       "https://pay.example.test/" + ref,
		ProviderReference: ref,
	}, nil
}

func (g *fakeGateway) VerifyFunding(ctx context.Context, providerReference string) (*gateway.FundingStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.verifyErr != nil {
		return nil, g.verifyErr
	}
	if status, ok := g.statuses[providerReference]; ok {
		return &status, nil
	}
	return &gateway.FundingStatus{Status: "pending"}, nil
}

type publishedEvent struct {
	exchange   string
	routingKey string
	body       interface{}
}

// fakePublisher captures published events for assertions.
type fakePublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (p *fakePublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{exchange: exchange, routingKey: routingKey, body: body})
	return nil
}

func (p *fakePublisher) routingKeys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make([]string, 0, len(p.events))
	for _, e := range p.events {
		keys = append(keys, e.routingKey)
	}
	return keys
}
