// Package memory provides an in-memory implementation of the storage
// interfaces. It is safe for concurrent use and is primarily intended for
// tests and local development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mintworks-ai/creditgate/internal/app/domain/credit"
	"github.com/mintworks-ai/creditgate/internal/app/storage"
)

// Store keeps accounts, ledger entries and shared keys in process memory.
type Store struct {
	mu       sync.RWMutex
	accounts map[string]credit.Account
	entries  map[string][]credit.Entry
	// entryRefs indexes (reason, reference) pairs for the idempotency check.
	entryRefs map[string]struct{}
	kv        map[string]kvItem
	counters  map[string]counterItem

	now func() time.Time
}

type kvItem struct {
	value     string
	expiresAt time.Time
}

type counterItem struct {
	count     int64
	expiresAt time.Time
}

var _ storage.LedgerStore = (*Store)(nil)
var _ storage.SharedStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		accounts:  make(map[string]credit.Account),
		entries:   make(map[string][]credit.Entry),
		entryRefs: make(map[string]struct{}),
		kv:        make(map[string]kvItem),
		counters:  make(map[string]counterItem),
		now:       time.Now,
	}
}

// WithClock overrides the time source. Tests use it to cross TTL boundaries.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func refKey(reason credit.Reason, reference string) string {
	return string(reason) + "|" + reference
}

// LedgerStore implementation -------------------------------------------------

func (s *Store) CreateAccount(_ context.Context, acct credit.Account) (credit.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if acct.ID == "" {
		acct.ID = uuid.NewString()
	}
	now := s.now().UTC()
	acct.CreatedAt = now
	acct.UpdatedAt = now
	acct.Balance = credit.RoundTenth(acct.Balance)
	s.accounts[acct.ID] = acct
	return acct, nil
}

func (s *Store) GetAccount(_ context.Context, id string) (credit.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.accounts[id]
	if !ok {
		return credit.Account{}, storage.ErrNotFound
	}
	return acct, nil
}

func (s *Store) FindOrCreateAccount(ctx context.Context, id string, kind credit.IdentityKind) (credit.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if acct, ok := s.accounts[id]; ok {
		return acct, nil
	}
	now := s.now().UTC()
	acct := credit.Account{
		ID:           id,
		IdentityKind: kind,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.accounts[id] = acct
	return acct, nil
}

func (s *Store) ConditionalDebit(_ context.Context, id string, amount float64, reference string, reason credit.Reason) (credit.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[id]
	if !ok {
		return credit.Account{}, storage.ErrNotFound
	}
	if reference != "" {
		if _, dup := s.entryRefs[refKey(reason, reference)]; dup {
			return credit.Account{}, fmt.Errorf("append ledger entry: duplicate reference %q for reason %q", reference, reason)
		}
	}
	if acct.Balance < amount {
		return credit.Account{}, storage.ErrInsufficientFunds
	}

	acct.Balance = credit.RoundTenth(acct.Balance - amount)
	acct.TotalSpent = credit.RoundTenth(acct.TotalSpent + amount)
	acct.UpdatedAt = s.now().UTC()
	s.accounts[id] = acct
	s.appendLocked(credit.Entry{
		AccountID: id,
		Delta:     -amount,
		Reason:    reason,
		Reference: reference,
	})
	return acct, nil
}

func (s *Store) CreditIfAbsent(_ context.Context, id string, amount float64, reference string, reason credit.Reason) (bool, credit.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[id]
	if !ok {
		return false, credit.Account{}, storage.ErrNotFound
	}
	if _, dup := s.entryRefs[refKey(reason, reference)]; dup {
		return false, acct, nil
	}

	acct.Balance = credit.RoundTenth(acct.Balance + amount)
	acct.TotalEarned = credit.RoundTenth(acct.TotalEarned + amount)
	acct.UpdatedAt = s.now().UTC()
	s.accounts[id] = acct
	s.appendLocked(credit.Entry{
		AccountID: id,
		Delta:     amount,
		Reason:    reason,
		Reference: reference,
	})
	return true, acct, nil
}

func (s *Store) AppendEntry(_ context.Context, entry credit.Entry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.entryRefs[refKey(entry.Reason, entry.Reference)]; dup {
		return false, nil
	}
	s.appendLocked(entry)
	return true, nil
}

func (s *Store) appendLocked(entry credit.Entry) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now().UTC()
	}
	s.entries[entry.AccountID] = append(s.entries[entry.AccountID], entry)
	if entry.Reference != "" {
		s.entryRefs[refKey(entry.Reason, entry.Reference)] = struct{}{}
	}
}

func (s *Store) GetEntryByReference(_ context.Context, reason credit.Reason, reference string) (credit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, entries := range s.entries {
		for _, e := range entries {
			if e.Reason == reason && e.Reference == reference {
				return e, nil
			}
		}
	}
	return credit.Entry{}, storage.ErrNotFound
}

func (s *Store) ListEntries(_ context.Context, accountID string, limit int) ([]credit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.entries[accountID]
	out := make([]credit.Entry, len(entries))
	copy(out, entries)
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) SetLastGrantDate(_ context.Context, id, day string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[id]
	if !ok {
		return storage.ErrNotFound
	}
	if strings.Compare(day, acct.LastGrantDate) <= 0 && acct.LastGrantDate != "" {
		return nil
	}
	acct.LastGrantDate = day
	acct.UpdatedAt = s.now().UTC()
	s.accounts[id] = acct
	return nil
}

func (s *Store) SetHolderHint(_ context.Context, id string, hint bool, source string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[id]
	if !ok {
		return storage.ErrNotFound
	}
	acct.HolderHint = hint
	acct.HolderHintSource = source
	acct.UpdatedAt = s.now().UTC()
	s.accounts[id] = acct
	return nil
}

func (s *Store) ListHolderAccounts(_ context.Context, activeSince time.Time) ([]credit.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []credit.Account
	for _, acct := range s.accounts {
		if acct.HolderHint && !acct.UpdatedAt.Before(activeSince) {
			out = append(out, acct)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SharedStore implementation --------------------------------------------------

func (s *Store) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	item, ok := s.kv[key]
	s.mu.RUnlock()

	if !ok || s.now().After(item.expiresAt) {
		return "", false, nil
	}
	return item.value, true, nil
}

func (s *Store) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.kv[key] = kvItem{value: value, expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.kv, key)
	return nil
}

func (s *Store) IncrementWithExpiry(_ context.Context, key string, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	item, ok := s.counters[key]
	if !ok || now.After(item.expiresAt) {
		item = counterItem{count: 0, expiresAt: now.Add(window)}
	}
	item.count++
	s.counters[key] = item
	return item.count, nil
}
