// Package postgres implements the ledger store on PostgreSQL. The balance
// predicate is evaluated by the database in a single conditional UPDATE, and
// idempotent credits ride on a unique (reason, reference) index, so the store
// is safe under arbitrary concurrent callers across instances.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mintworks-ai/creditgate/internal/app/domain/credit"
	"github.com/mintworks-ai/creditgate/internal/app/storage"
)

// Store implements storage.LedgerStore backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ storage.LedgerStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS credit_accounts (
	id                 TEXT PRIMARY KEY,
	identity_kind      TEXT NOT NULL,
	balance            NUMERIC(12,1) NOT NULL DEFAULT 0 CHECK (balance >= 0),
	total_earned       NUMERIC(14,1) NOT NULL DEFAULT 0,
	total_spent        NUMERIC(14,1) NOT NULL DEFAULT 0,
	last_grant_date    TEXT NOT NULL DEFAULT '',
	holder_hint        BOOLEAN NOT NULL DEFAULT FALSE,
	holder_hint_source TEXT NOT NULL DEFAULT '',
	created_at         TIMESTAMPTZ NOT NULL,
	updated_at         TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS credit_entries (
	id         TEXT PRIMARY KEY,
	account_id TEXT NOT NULL REFERENCES credit_accounts(id),
	delta      NUMERIC(12,1) NOT NULL,
	reason     TEXT NOT NULL,
	reference  TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS credit_entries_reason_reference
	ON credit_entries (reason, reference) WHERE reference <> '';

CREATE INDEX IF NOT EXISTS credit_entries_account_created
	ON credit_entries (account_id, created_at DESC);
`

// Migrate creates the schema when it does not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

const accountColumns = `id, identity_kind, balance, total_earned, total_spent,
	last_grant_date, holder_hint, holder_hint_source, created_at, updated_at`

func scanAccount(row interface{ Scan(...interface{}) error }) (credit.Account, error) {
	var acct credit.Account
	err := row.Scan(
		&acct.ID, &acct.IdentityKind, &acct.Balance, &acct.TotalEarned,
		&acct.TotalSpent, &acct.LastGrantDate, &acct.HolderHint,
		&acct.HolderHintSource, &acct.CreatedAt, &acct.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return credit.Account{}, storage.ErrNotFound
	}
	return acct, err
}

func (s *Store) CreateAccount(ctx context.Context, acct credit.Account) (credit.Account, error) {
	if acct.ID == "" {
		acct.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	acct.CreatedAt = now
	acct.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credit_accounts (id, identity_kind, balance, total_earned, total_spent,
			last_grant_date, holder_hint, holder_hint_source, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, acct.ID, acct.IdentityKind, acct.Balance, acct.TotalEarned, acct.TotalSpent,
		acct.LastGrantDate, acct.HolderHint, acct.HolderHintSource, acct.CreatedAt, acct.UpdatedAt)
	if err != nil {
		return credit.Account{}, err
	}
	return acct, nil
}

func (s *Store) GetAccount(ctx context.Context, id string) (credit.Account, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+accountColumns+` FROM credit_accounts WHERE id = $1
	`, id)
	return scanAccount(row)
}

func (s *Store) FindOrCreateAccount(ctx context.Context, id string, kind credit.IdentityKind) (credit.Account, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credit_accounts (id, identity_kind, created_at, updated_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (id) DO NOTHING
	`, id, kind, now)
	if err != nil {
		return credit.Account{}, err
	}
	return s.GetAccount(ctx, id)
}

func (s *Store) ConditionalDebit(ctx context.Context, id string, amount float64, reference string, reason credit.Reason) (credit.Account, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return credit.Account{}, err
	}
	defer tx.Rollback()

	// The balance predicate lives in the WHERE clause: under concurrency the
	// database serializes row updates, so two callers can never both pass it
	// against the same funds.
	row := tx.QueryRowContext(ctx, `
		UPDATE credit_accounts
		SET balance = balance - $2, total_spent = total_spent + $2, updated_at = $3
		WHERE id = $1 AND balance >= $2
		RETURNING `+accountColumns+`
	`, id, amount, time.Now().UTC())

	acct, err := scanAccount(row)
	if errors.Is(err, storage.ErrNotFound) {
		var exists bool
		if err := tx.QueryRowContext(ctx, `
			SELECT EXISTS (SELECT 1 FROM credit_accounts WHERE id = $1)
		`, id).Scan(&exists); err != nil {
			return credit.Account{}, err
		}
		if !exists {
			return credit.Account{}, storage.ErrNotFound
		}
		return credit.Account{}, storage.ErrInsufficientFunds
	}
	if err != nil {
		return credit.Account{}, err
	}

	if err := insertEntry(ctx, tx, credit.Entry{
		AccountID: id,
		Delta:     -amount,
		Reason:    reason,
		Reference: reference,
	}); err != nil {
		return credit.Account{}, err
	}

	if err := tx.Commit(); err != nil {
		return credit.Account{}, err
	}
	return acct, nil
}

func (s *Store) CreditIfAbsent(ctx context.Context, id string, amount float64, reference string, reason credit.Reason) (bool, credit.Account, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, credit.Account{}, err
	}
	defer tx.Rollback()

	// The unique index on (reason, reference) is the idempotency boundary:
	// a concurrent duplicate inserts zero rows and applies nothing.
	res, err := tx.ExecContext(ctx, `
		INSERT INTO credit_entries (id, account_id, delta, reason, reference, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (reason, reference) WHERE reference <> '' DO NOTHING
	`, uuid.NewString(), id, amount, reason, reference, time.Now().UTC())
	if err != nil {
		return false, credit.Account{}, err
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return false, credit.Account{}, err
	}
	if inserted == 0 {
		acct, err := s.GetAccount(ctx, id)
		return false, acct, err
	}

	row := tx.QueryRowContext(ctx, `
		UPDATE credit_accounts
		SET balance = balance + $2, total_earned = total_earned + $2, updated_at = $3
		WHERE id = $1
		RETURNING `+accountColumns+`
	`, id, amount, time.Now().UTC())

	acct, err := scanAccount(row)
	if err != nil {
		return false, credit.Account{}, err
	}
	if err := tx.Commit(); err != nil {
		return false, credit.Account{}, err
	}
	return true, acct, nil
}

func (s *Store) AppendEntry(ctx context.Context, entry credit.Entry) (bool, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO credit_entries (id, account_id, delta, reason, reference, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (reason, reference) WHERE reference <> '' DO NOTHING
	`, entry.ID, entry.AccountID, entry.Delta, entry.Reason, entry.Reference, entry.CreatedAt)
	if err != nil {
		return false, err
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return inserted > 0, nil
}

func insertEntry(ctx context.Context, tx *sql.Tx, entry credit.Entry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO credit_entries (id, account_id, delta, reason, reference, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, uuid.NewString(), entry.AccountID, entry.Delta, entry.Reason, entry.Reference, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("append ledger entry: %w", err)
	}
	return nil
}

func (s *Store) GetEntryByReference(ctx context.Context, reason credit.Reason, reference string) (credit.Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, account_id, delta, reason, reference, created_at
		FROM credit_entries
		WHERE reason = $1 AND reference = $2
	`, reason, reference)

	var e credit.Entry
	err := row.Scan(&e.ID, &e.AccountID, &e.Delta, &e.Reason, &e.Reference, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return credit.Entry{}, storage.ErrNotFound
	}
	return e, err
}

func (s *Store) ListEntries(ctx context.Context, accountID string, limit int) ([]credit.Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, delta, reason, reference, created_at
		FROM credit_entries
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []credit.Entry
	for rows.Next() {
		var e credit.Entry
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Delta, &e.Reason, &e.Reference, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) SetLastGrantDate(ctx context.Context, id, day string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE credit_accounts
		SET last_grant_date = $2, updated_at = $3
		WHERE id = $1 AND last_grant_date < $2
	`, id, day, time.Now().UTC())
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx, `
			SELECT EXISTS (SELECT 1 FROM credit_accounts WHERE id = $1)
		`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return storage.ErrNotFound
		}
	}
	return nil
}

func (s *Store) SetHolderHint(ctx context.Context, id string, hint bool, source string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE credit_accounts
		SET holder_hint = $2, holder_hint_source = $3, updated_at = $4
		WHERE id = $1
	`, id, hint, source, time.Now().UTC())
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) ListHolderAccounts(ctx context.Context, activeSince time.Time) ([]credit.Account, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+accountColumns+`
		FROM credit_accounts
		WHERE holder_hint AND updated_at >= $1
		ORDER BY id
	`, activeSince)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []credit.Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acct)
	}
	return accounts, rows.Err()
}
