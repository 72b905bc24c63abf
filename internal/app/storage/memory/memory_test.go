package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mintworks-ai/creditgate/internal/app/domain/credit"
	"github.com/mintworks-ai/creditgate/internal/app/storage"
)

func TestStore_ConditionalDebit(t *testing.T) {
	store := New()
	acct, err := store.CreateAccount(context.Background(), credit.Account{Balance: 3.0})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	updated, err := store.ConditionalDebit(context.Background(), acct.ID, 2.0, "ref1", credit.ReasonGenerationCharge)
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	if updated.Balance != 1.0 || updated.TotalSpent != 2.0 {
		t.Fatalf("unexpected account: %+v", updated)
	}

	if _, err := store.ConditionalDebit(context.Background(), acct.ID, 2.0, "ref2", credit.ReasonGenerationCharge); !errors.Is(err, storage.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	if _, err := store.ConditionalDebit(context.Background(), "missing", 1.0, "ref3", credit.ReasonGenerationCharge); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestStore_ConditionalDebitDuplicateReference(t *testing.T) {
	store := New()
	acct, err := store.CreateAccount(context.Background(), credit.Account{Balance: 5.0})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := store.ConditionalDebit(context.Background(), acct.ID, 2.0, "charge:1", credit.ReasonGenerationCharge); err != nil {
		t.Fatalf("debit: %v", err)
	}
	// Reusing a charge reference is rejected, like the unique index in the
	// SQL store.
	if _, err := store.ConditionalDebit(context.Background(), acct.ID, 2.0, "charge:1", credit.ReasonGenerationCharge); err == nil {
		t.Fatal("duplicate reference accepted")
	}

	updated, _ := store.GetAccount(context.Background(), acct.ID)
	if updated.Balance != 3.0 {
		t.Fatalf("balance debited twice: %v", updated.Balance)
	}
}

func TestStore_CreditIfAbsent(t *testing.T) {
	store := New()
	acct, _ := store.CreateAccount(context.Background(), credit.Account{})

	applied, updated, err := store.CreditIfAbsent(context.Background(), acct.ID, 5.0, "grant:1", credit.ReasonDailyGrant)
	if err != nil {
		t.Fatalf("credit: %v", err)
	}
	if !applied || updated.Balance != 5.0 || updated.TotalEarned != 5.0 {
		t.Fatalf("unexpected result: applied=%v %+v", applied, updated)
	}

	applied, updated, err = store.CreditIfAbsent(context.Background(), acct.ID, 5.0, "grant:1", credit.ReasonDailyGrant)
	if err != nil {
		t.Fatalf("duplicate: %v", err)
	}
	if applied || updated.Balance != 5.0 {
		t.Fatalf("duplicate applied: applied=%v balance=%v", applied, updated.Balance)
	}
}

func TestStore_GetEntryByReference(t *testing.T) {
	store := New()
	acct, _ := store.CreateAccount(context.Background(), credit.Account{Balance: 5.0})
	if _, err := store.ConditionalDebit(context.Background(), acct.ID, 2.0, "charge:x", credit.ReasonGenerationCharge); err != nil {
		t.Fatalf("debit: %v", err)
	}

	entry, err := store.GetEntryByReference(context.Background(), credit.ReasonGenerationCharge, "charge:x")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if entry.Delta != -2.0 || entry.AccountID != acct.ID {
		t.Fatalf("unexpected entry: %+v", entry)
	}

	if _, err := store.GetEntryByReference(context.Background(), credit.ReasonRefund, "charge:x"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("reason must scope the lookup, got %v", err)
	}
}

func TestStore_SetLastGrantDateMonotonic(t *testing.T) {
	store := New()
	acct, _ := store.CreateAccount(context.Background(), credit.Account{})

	if err := store.SetLastGrantDate(context.Background(), acct.ID, "2026-08-30"); err != nil {
		t.Fatalf("set: %v", err)
	}
	// An older date never rolls the marker back.
	if err := store.SetLastGrantDate(context.Background(), acct.ID, "2026-08-29"); err != nil {
		t.Fatalf("set older: %v", err)
	}

	updated, _ := store.GetAccount(context.Background(), acct.ID)
	if updated.LastGrantDate != "2026-08-30" {
		t.Fatalf("date rolled back: %s", updated.LastGrantDate)
	}
}

func TestStore_ListHolderAccounts(t *testing.T) {
	store := New()
	a, _ := store.FindOrCreateAccount(context.Background(), "w1", credit.IdentityWallet)
	b, _ := store.FindOrCreateAccount(context.Background(), "w2", credit.IdentityWallet)
	if err := store.SetHolderHint(context.Background(), a.ID, true, "fungible"); err != nil {
		t.Fatalf("hint a: %v", err)
	}
	if err := store.SetHolderHint(context.Background(), b.ID, false, ""); err != nil {
		t.Fatalf("hint b: %v", err)
	}

	holders, err := store.ListHolderAccounts(context.Background(), time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(holders) != 1 || holders[0].ID != "w1" {
		t.Fatalf("unexpected holders: %+v", holders)
	}
}

func TestStore_KVExpiry(t *testing.T) {
	now := time.Now()
	store := New().WithClock(func() time.Time { return now })

	if err := store.Set(context.Background(), "k", "v", time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	if v, ok, _ := store.Get(context.Background(), "k"); !ok || v != "v" {
		t.Fatalf("get inside TTL: ok=%v v=%q", ok, v)
	}

	now = now.Add(2 * time.Minute)
	if _, ok, _ := store.Get(context.Background(), "k"); ok {
		t.Fatal("expired key served")
	}
}

func TestStore_IncrementWithExpiry(t *testing.T) {
	now := time.Now()
	store := New().WithClock(func() time.Time { return now })

	for want := int64(1); want <= 3; want++ {
		got, err := store.IncrementWithExpiry(context.Background(), "c", time.Minute)
		if err != nil {
			t.Fatalf("incr: %v", err)
		}
		if got != want {
			t.Fatalf("expected %d, got %d", want, got)
		}
	}

	// Past the window the counter restarts.
	now = now.Add(2 * time.Minute)
	got, err := store.IncrementWithExpiry(context.Background(), "c", time.Minute)
	if err != nil {
		t.Fatalf("incr: %v", err)
	}
	if got != 1 {
		t.Fatalf("counter did not reset: %d", got)
	}
}
