package storage

import (
	"context"
	"errors"
	"time"

	"github.com/mintworks-ai/creditgate/internal/app/domain/credit"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrInsufficientFunds is returned by ConditionalDebit when the balance
// predicate fails. The check and the decrement are one storage-side
// operation; callers never re-check in application code.
var ErrInsufficientFunds = errors.New("insufficient funds")

// LedgerStore persists accounts and the append-only ledger. It is the only
// writer of account balances.
type LedgerStore interface {
	CreateAccount(ctx context.Context, acct credit.Account) (credit.Account, error)
	GetAccount(ctx context.Context, id string) (credit.Account, error)
	FindOrCreateAccount(ctx context.Context, id string, kind credit.IdentityKind) (credit.Account, error)

	// ConditionalDebit decrements the balance by amount only if the current
	// balance covers it, and appends the charge entry, as one atomic unit.
	// Returns ErrInsufficientFunds when the predicate fails.
	ConditionalDebit(ctx context.Context, id string, amount float64, reference string, reason credit.Reason) (credit.Account, error)

	// CreditIfAbsent increments balance and total earned and appends the
	// entry, unless an entry with the same (reference, reason) already
	// exists, in which case nothing changes and applied is false.
	CreditIfAbsent(ctx context.Context, id string, amount float64, reference string, reason credit.Reason) (applied bool, acct credit.Account, err error)

	// AppendEntry records a zero-delta or informational entry, skipping the
	// write when the (reference, reason) pair already exists.
	AppendEntry(ctx context.Context, entry credit.Entry) (applied bool, err error)
	ListEntries(ctx context.Context, accountID string, limit int) ([]credit.Entry, error)
	// GetEntryByReference finds the entry applied under (reason, reference),
	// or ErrNotFound. Used to resolve a charge reference into a refund.
	GetEntryByReference(ctx context.Context, reason credit.Reason, reference string) (credit.Entry, error)

	// SetLastGrantDate advances the grant date; it never moves backwards.
	SetLastGrantDate(ctx context.Context, id, day string) error
	SetHolderHint(ctx context.Context, id string, hint bool, source string) error

	// ListHolderAccounts returns accounts whose last resolution marked them
	// as holders and that were active since the given time. Used by the
	// daily grant sweeper.
	ListHolderAccounts(ctx context.Context, activeSince time.Time) ([]credit.Account, error)
}

// SharedStore is the cross-instance cache and counter store. It tolerates
// unavailability: callers degrade to local state, never to a ledger relaxation.
type SharedStore interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error

	// IncrementWithExpiry atomically increments the counter and, when the
	// increment created it, applies the window as its TTL.
	IncrementWithExpiry(ctx context.Context, key string, window time.Duration) (count int64, err error)
}
