/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository`
 * interface. It contains all SQL for wallet accounts, the ledger, mandates
 * and the mandate execution log.
 *
 * Money-movement methods open a transaction, lock the account row with
 * `SELECT ... FOR UPDATE`, append the ledger entry and update the balance,
 * and commit — so a stale balance check can never overdraw the account.
 * External-reference uniqueness is enforced by a partial unique index and
 * surfaced as ErrDuplicateReference.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Techori/Gateman-sub001/internal/domain"
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

const accountColumns = `id, owner_id, balance, status, created_at, updated_at`

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var a domain.Account
	err := row.Scan(&a.ID, &a.OwnerID, &a.Balance, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &a, nil
}

// FindOrCreateAccount returns the owner's account, creating it with a zero
// balance if it does not exist yet. Accounts are created lazily on first use.
func (r *PostgresRepository) FindOrCreateAccount(ctx context.Context, ownerID uuid.UUID) (*domain.Account, error) {
	query := `
		INSERT INTO wallet_accounts (id, owner_id, balance, status)
		VALUES ($1, $2, 0, 'active')
		ON CONFLICT (owner_id) DO UPDATE SET updated_at = wallet_accounts.updated_at
		RETURNING ` + accountColumns
	return scanAccount(r.db.QueryRow(ctx, query, uuid.New(), ownerID))
}

// FindAccountByID retrieves an account by its primary key.
func (r *PostgresRepository) FindAccountByID(ctx context.Context, accountID uuid.UUID) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM wallet_accounts WHERE id = $1`
	return scanAccount(r.db.QueryRow(ctx, query, accountID))
}

// FindAccountByOwnerID retrieves an account by its owner.
func (r *PostgresRepository) FindAccountByOwnerID(ctx context.Context, ownerID uuid.UUID) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM wallet_accounts WHERE owner_id = $1`
	return scanAccount(r.db.QueryRow(ctx, query, ownerID))
}

// UpdateAccountStatus changes the account's status and appends a zero-amount
// audit entry in the same transaction so the transition shows up in history.
func (r *PostgresRepository) UpdateAccountStatus(ctx context.Context, accountID uuid.UUID, status domain.AccountStatus, reason string) (*domain.Account, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	query := `UPDATE wallet_accounts SET status = $1, updated_at = NOW() WHERE id = $2 RETURNING ` + accountColumns
	account, err := scanAccount(tx.QueryRow(ctx, query, status, accountID))
	if err != nil {
		return nil, err
	}

	auditQuery := `
		INSERT INTO ledger_entries (id, account_id, kind, amount, description, status)
		VALUES ($1, $2, 'audit', 0, $3, 'success')
	`
	if _, err := tx.Exec(ctx, auditQuery, uuid.New(), accountID, reason); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return account, nil
}

const entryColumns = `id, account_id, kind, amount, description, external_reference, status,
		service_id, booking_id, original_entry_id, failure_reason, created_at`

func scanEntry(row pgx.Row) (*domain.LedgerEntry, error) {
	var e domain.LedgerEntry
	err := row.Scan(
		&e.ID, &e.AccountID, &e.Kind, &e.Amount, &e.Description, &e.ExternalReference,
		&e.Status, &e.ServiceID, &e.BookingID, &e.OriginalEntryID, &e.FailureReason, &e.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEntryNotFound
		}
		return nil, err
	}
	return &e, nil
}

func insertEntry(ctx context.Context, tx pgx.Tx, e *domain.LedgerEntry) (*domain.LedgerEntry, error) {
	query := `
		INSERT INTO ledger_entries (
			id, account_id, kind, amount, description, external_reference, status,
			service_id, booking_id, original_entry_id, failure_reason
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING ` + entryColumns
	inserted, err := scanEntry(tx.QueryRow(ctx, query,
		e.ID, e.AccountID, e.Kind, e.Amount, e.Description, e.ExternalReference,
		e.Status, e.ServiceID, e.BookingID, e.OriginalEntryID, e.FailureReason,
	))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateReference
		}
		return nil, err
	}
	return inserted, nil
}

// CreditWallet appends a success credit-side entry and raises the balance in
// one atomic unit. A reused external reference returns ErrDuplicateReference
// and leaves the balance untouched.
func (r *PostgresRepository) CreditWallet(ctx context.Context, p CreditParams) (*domain.LedgerEntry, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var status domain.AccountStatus
	// Lock the row so the entry append and balance update are serialized per account.
	err = tx.QueryRow(ctx, `SELECT status FROM wallet_accounts WHERE id = $1 FOR UPDATE`, p.AccountID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	// Plain funding credits are accepted in any status; refunds and cashback
	// are debit-side perks and fail closed on non-active accounts.
	if p.Kind != domain.EntryCredit && status != domain.AccountActive {
		return nil, ErrAccountNotActive
	}

	entry, err := insertEntry(ctx, tx, &domain.LedgerEntry{
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
	})
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx, `UPDATE wallet_accounts SET balance = balance + $1, updated_at = NOW() WHERE id = $2`, p.Amount, p.AccountID); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return entry, nil
}

// DebitWallet performs an atomic debit: the balance check, the entry append
// and the deduction happen under a row lock, so concurrent debits cannot both
// pass a stale sufficient-balance check and overdraw.
func (r *PostgresRepository) DebitWallet(ctx context.Context, p DebitParams) (*domain.LedgerEntry, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var balance int64
	var status domain.AccountStatus
	err = tx.QueryRow(ctx, `SELECT balance, status FROM wallet_accounts WHERE id = $1 FOR UPDATE`, p.AccountID).Scan(&balance, &status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	if status != domain.AccountActive {
		return nil, ErrAccountNotActive
	}
	if balance < p.Amount {
		return nil, ErrInsufficientBalance
	}

	entry, err := insertEntry(ctx, tx, &domain.LedgerEntry{
		ID:                uuid.New(),
		AccountID:         p.AccountID,
		Kind:              domain.EntryDebit,
		Amount:            p.Amount,
		Description:       p.Description,
		ExternalReference: p.ExternalReference,
		Status:            domain.EntrySuccess,
		ServiceID:         p.ServiceID,
		BookingID:         p.BookingID,
	})
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx, `UPDATE wallet_accounts SET balance = balance - $1, updated_at = NOW() WHERE id = $2`, p.Amount, p.AccountID); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return entry, nil
}

// CreatePendingCredit appends a pending funding entry. Pending entries never
// count toward the balance; only ResolvePendingCredit settles them.
func (r *PostgresRepository) CreatePendingCredit(ctx context.Context, p CreditParams) (*domain.LedgerEntry, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	entry, err := insertEntry(ctx, tx, &domain.LedgerEntry{
		ID:                uuid.New(),
		AccountID:         p.AccountID,
		Kind:              p.Kind,
		Amount:            p.Amount,
		Description:       p.Description,
		ExternalReference: p.ExternalReference,
		Status:            domain.EntryPending,
		ServiceID:         p.ServiceID,
		BookingID:         p.BookingID,
	})
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return entry, nil
}

// ResolvePendingCredit settles a pending funding entry by its provider
// reference. Success credits the balance in the same transaction; failure
// records the reason. An already-resolved entry returns ErrEntryNotPending,
// which callers treat as a duplicate confirmation.
func (r *PostgresRepository) ResolvePendingCredit(ctx context.Context, externalReference string, success bool, failureReason *string) (*domain.LedgerEntry, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	query := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE external_reference = $1 FOR UPDATE`
	entry, err := scanEntry(tx.QueryRow(ctx, query, externalReference))
	if err != nil {
		return nil, err
	}
	if entry.Status != domain.EntryPending {
		return entry, ErrEntryNotPending
	}

	if success {
		updated, err := scanEntry(tx.QueryRow(ctx,
			`UPDATE ledger_entries SET status = 'success' WHERE id = $1 RETURNING `+entryColumns, entry.ID))
		if err != nil {
			return nil, err
		}
		// Balance moves only when the entry durably becomes success.
		if _, err := tx.Exec(ctx, `UPDATE wallet_accounts SET balance = balance + $1, updated_at = NOW() WHERE id = $2`, entry.Amount, entry.AccountID); err != nil {
			return nil, err
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, err
		}
		return updated, nil
	}

	updated, err := scanEntry(tx.QueryRow(ctx,
		`UPDATE ledger_entries SET status = 'failed', failure_reason = $2 WHERE id = $1 RETURNING `+entryColumns,
		entry.ID, failureReason))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return updated, nil
}

// FindEntryByID retrieves a single ledger entry.
func (r *PostgresRepository) FindEntryByID(ctx context.Context, entryID uuid.UUID) (*domain.LedgerEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE id = $1`
	return scanEntry(r.db.QueryRow(ctx, query, entryID))
}

// FindEntryByExternalReference retrieves an entry by its unique external reference.
func (r *PostgresRepository) FindEntryByExternalReference(ctx context.Context, externalReference string) (*domain.LedgerEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE external_reference = $1`
	return scanEntry(r.db.QueryRow(ctx, query, externalReference))
}

func collectEntries(rows pgx.Rows) ([]domain.LedgerEntry, error) {
	defer rows.Close()
	var entries []domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		if err := rows.Scan(
			&e.ID, &e.AccountID, &e.Kind, &e.Amount, &e.Description, &e.ExternalReference,
			&e.Status, &e.ServiceID, &e.BookingID, &e.OriginalEntryID, &e.FailureReason, &e.CreatedAt,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ListEntriesByAccount returns the account's ledger newest-first with pagination.
func (r *PostgresRepository) ListEntriesByAccount(ctx context.Context, accountID uuid.UUID, opts domain.ListOptions) ([]domain.LedgerEntry, error) {
	query := `
		SELECT ` + entryColumns + `
		FROM ledger_entries
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := r.db.Query(ctx, query, accountID, opts.Limit, opts.Offset)
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

// ListStalePendingEntries returns pending funding entries older than the
// given cutoff, oldest first, for the reconciliation sweep.
func (r *PostgresRepository) ListStalePendingEntries(ctx context.Context, olderThan time.Time, limit int) ([]domain.LedgerEntry, error) {
	query := `
		SELECT ` + entryColumns + `
		FROM ledger_entries
		WHERE status = 'pending' AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, olderThan, limit)
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

// SumLedgerByAccount recomputes the balance from success entries.
func (r *PostgresRepository) SumLedgerByAccount(ctx context.Context, accountID uuid.UUID) (int64, error) {
	query := `
		SELECT COALESCE(SUM(CASE WHEN kind = 'debit' THEN -amount WHEN kind = 'audit' THEN 0 ELSE amount END), 0)
		FROM ledger_entries
		WHERE account_id = $1 AND status = 'success'
	`
	var sum int64
	if err := r.db.QueryRow(ctx, query, accountID).Scan(&sum); err != nil {
		return 0, err
	}
	return sum, nil
}

// SumRefundsForEntry totals success refunds already issued against an
// original debit entry.
func (r *PostgresRepository) SumRefundsForEntry(ctx context.Context, originalEntryID uuid.UUID) (int64, error) {
	query := `
		SELECT COALESCE(SUM(amount), 0)
		FROM ledger_entries
		WHERE original_entry_id = $1 AND kind = 'refund' AND status = 'success'
	`
	var sum int64
	if err := r.db.QueryRow(ctx, query, originalEntryID).Scan(&sum); err != nil {
		return 0, err
	}
	return sum, nil
}

const mandateColumns = `id, account_id, service_id, amount, frequency, custom_days, anchor_day,
		next_due_date, status, failure_retry_count, max_retry_count,
		authorization_method, authorization_token, created_at, updated_at`

func scanMandate(row pgx.Row) (*domain.Mandate, error) {
	var m domain.Mandate
	err := row.Scan(
		&m.ID, &m.AccountID, &m.ServiceID, &m.Amount, &m.Frequency, &m.CustomDays, &m.AnchorDay,
		&m.NextDueDate, &m.Status, &m.FailureRetryCount, &m.MaxRetryCount,
		&m.AuthorizationMethod, &m.AuthorizationToken, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMandateNotFound
		}
		return nil, err
	}
	return &m, nil
}

// CreateMandate inserts a new mandate. The partial unique index on
// (account_id, service_id) for active/paused rows enforces at most one live
// mandate per service, surfaced as ErrMandateConflict.
func (r *PostgresRepository) CreateMandate(ctx context.Context, mandate *domain.Mandate) (*domain.Mandate, error) {
	query := `
		INSERT INTO mandates (
			id, account_id, service_id, amount, frequency, custom_days, anchor_day,
			next_due_date, status, failure_retry_count, max_retry_count,
			authorization_method, authorization_token
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING ` + mandateColumns
	created, err := scanMandate(r.db.QueryRow(ctx, query,
		mandate.ID, mandate.AccountID, mandate.ServiceID, mandate.Amount, mandate.Frequency,
		mandate.CustomDays, mandate.AnchorDay, mandate.NextDueDate, mandate.Status,
		mandate.FailureRetryCount, mandate.MaxRetryCount,
		mandate.AuthorizationMethod, mandate.AuthorizationToken,
	))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrMandateConflict
		}
		return nil, err
	}
	return created, nil
}

// FindMandateByID retrieves a mandate by id.
func (r *PostgresRepository) FindMandateByID(ctx context.Context, mandateID uuid.UUID) (*domain.Mandate, error) {
	query := `SELECT ` + mandateColumns + ` FROM mandates WHERE id = $1`
	return scanMandate(r.db.QueryRow(ctx, query, mandateID))
}

func collectMandates(rows pgx.Rows) ([]domain.Mandate, error) {
	defer rows.Close()
	var mandates []domain.Mandate
	for rows.Next() {
		var m domain.Mandate
		if err := rows.Scan(
			&m.ID, &m.AccountID, &m.ServiceID, &m.Amount, &m.Frequency, &m.CustomDays, &m.AnchorDay,
			&m.NextDueDate, &m.Status, &m.FailureRetryCount, &m.MaxRetryCount,
			&m.AuthorizationMethod, &m.AuthorizationToken, &m.CreatedAt, &m.UpdatedAt,
		); err != nil {
			return nil, err
		}
		mandates = append(mandates, m)
	}
	return mandates, rows.Err()
}

// ListMandatesByAccount returns the account's mandates newest-first.
func (r *PostgresRepository) ListMandatesByAccount(ctx context.Context, accountID uuid.UUID, opts domain.ListOptions) ([]domain.Mandate, error) {
	query := `
		SELECT ` + mandateColumns + `
		FROM mandates
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := r.db.Query(ctx, query, accountID, opts.Limit, opts.Offset)
	if err != nil {
		return nil, err
	}
	return collectMandates(rows)
}

// ListDueMandates selects the batch for one scheduler cycle: active mandates
// whose due date has arrived and whose retry budget is not exhausted.
func (r *PostgresRepository) ListDueMandates(ctx context.Context, now time.Time) ([]domain.Mandate, error) {
	query := `
		SELECT ` + mandateColumns + `
		FROM mandates
		WHERE status = 'active' AND next_due_date <= $1 AND failure_retry_count < max_retry_count
		ORDER BY next_due_date ASC
	`
	rows, err := r.db.Query(ctx, query, now)
	if err != nil {
		return nil, err
	}
	return collectMandates(rows)
}

// TransitionMandateStatus performs a guarded status transition.
func (r *PostgresRepository) TransitionMandateStatus(ctx context.Context, mandateID uuid.UUID, from []domain.MandateStatus, to domain.MandateStatus) (*domain.Mandate, error) {
	fromStrings := make([]string, 0, len(from))
	for _, s := range from {
		fromStrings = append(fromStrings, string(s))
	}
	query := `
		UPDATE mandates
		SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = ANY($3)
		RETURNING ` + mandateColumns
	return scanMandate(r.db.QueryRow(ctx, query, mandateID, to, fromStrings))
}

// MarkMandateCharged records a successful due cycle: the retry counter resets
// and the next due date advances. Setting status back to active also recovers
// a suspended mandate that an admin force-ran successfully.
func (r *PostgresRepository) MarkMandateCharged(ctx context.Context, mandateID uuid.UUID, nextDueDate time.Time) (*domain.Mandate, error) {
	query := `
		UPDATE mandates
		SET failure_retry_count = 0, next_due_date = $2, status = 'active', updated_at = NOW()
		WHERE id = $1 AND status IN ('active', 'suspended')
		RETURNING ` + mandateColumns
	return scanMandate(r.db.QueryRow(ctx, query, mandateID, nextDueDate))
}

// RecordMandateFailure increments the retry counter and suspends the mandate
// in the same statement when the counter reaches the maximum, so two
// concurrent failure reports cannot race past the limit.
func (r *PostgresRepository) RecordMandateFailure(ctx context.Context, mandateID uuid.UUID) (*domain.Mandate, error) {
	query := `
		UPDATE mandates
		SET
			failure_retry_count = failure_retry_count + 1,
			status = CASE
				WHEN failure_retry_count + 1 >= max_retry_count THEN 'suspended'
				ELSE status
			END,
			updated_at = NOW()
		WHERE id = $1 AND status = 'active'
		RETURNING ` + mandateColumns
	return scanMandate(r.db.QueryRow(ctx, query, mandateID))
}

// InsertExecution appends one row to the mandate execution log.
func (r *PostgresRepository) InsertExecution(ctx context.Context, execution *domain.MandateExecution) error {
	query := `
		INSERT INTO mandate_executions (
			id, mandate_id, debit_date, amount, status, retry_count,
			failure_reason, ledger_entry_id, triggered_by
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := r.db.Exec(ctx, query,
		execution.ID, execution.MandateID, execution.DebitDate, execution.Amount,
		execution.Status, execution.RetryCount, execution.FailureReason,
		execution.LedgerEntryID, execution.TriggeredBy,
	)
	return err
}

// ListExecutionsByMandate returns the mandate's execution log newest-first.
func (r *PostgresRepository) ListExecutionsByMandate(ctx context.Context, mandateID uuid.UUID, opts domain.ListOptions) ([]domain.MandateExecution, error) {
	query := `
		SELECT id, mandate_id, debit_date, amount, status, retry_count,
			failure_reason, ledger_entry_id, triggered_by, created_at
		FROM mandate_executions
		WHERE mandate_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := r.db.Query(ctx, query, mandateID, opts.Limit, opts.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var executions []domain.MandateExecution
	for rows.Next() {
		var e domain.MandateExecution
		if err := rows.Scan(
			&e.ID, &e.MandateID, &e.DebitDate, &e.Amount, &e.Status, &e.RetryCount,
			&e.FailureReason, &e.LedgerEntryID, &e.TriggeredBy, &e.CreatedAt,
		); err != nil {
			return nil, err
		}
		executions = append(executions, e)
	}
	return executions, rows.Err()
}
