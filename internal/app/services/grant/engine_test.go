package grant

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mintworks-ai/creditgate/internal/app/domain/credit"
	domain "github.com/mintworks-ai/creditgate/internal/app/domain/entitlement"
	"github.com/mintworks-ai/creditgate/internal/app/services/entitlement"
	"github.com/mintworks-ai/creditgate/internal/app/services/ledger"
	"github.com/mintworks-ai/creditgate/internal/app/storage/memory"
)

// fakeResolver returns a fixed status, or fails closed when down.
type fakeResolver struct {
	mu     sync.Mutex
	status domain.Status
	down   bool
	calls  int
}

func (f *fakeResolver) Resolve(_ context.Context, address string) (domain.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.down {
		return domain.Status{}, fmt.Errorf("%w: rpc down", entitlement.ErrResolutionFailed)
	}
	status := f.status
	status.Address = address
	return status, nil
}

func (f *fakeResolver) GateMinBalance() int64 { return 1 }

func newEngine(t *testing.T, store *memory.Store, resolver StatusResolver) *Engine {
	t.Helper()
	return New(ledger.New(store, nil), store, resolver, Config{
		FungibleAmount:    5.0,
		CollectibleAmount: 10.0,
	}, nil)
}

func createWallet(t *testing.T, store *memory.Store, id string) credit.Account {
	t.Helper()
	acct, err := store.FindOrCreateAccount(context.Background(), id, credit.IdentityWallet)
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	return acct
}

func TestEngine_GrantsOncePerDay(t *testing.T) {
	store := memory.New()
	acct := createWallet(t, store, "wallet1")
	resolver := &fakeResolver{status: domain.Status{HasAccess: true, GateBalance: 3}}
	engine := newEngine(t, store, resolver)

	granted, amount, err := engine.CheckAndGrant(context.Background(), acct.ID, acct.ID)
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	if !granted || amount != 5.0 {
		t.Fatalf("expected 5.0 granted, got granted=%v amount=%v", granted, amount)
	}

	granted, _, err = engine.CheckAndGrant(context.Background(), acct.ID, acct.ID)
	if err != nil {
		t.Fatalf("second check: %v", err)
	}
	if granted {
		t.Fatal("second grant in the same day")
	}

	// Terminal for the day: the resolver is not asked again.
	if resolver.calls != 1 {
		t.Fatalf("resolver queried after terminal grant: %d calls", resolver.calls)
	}

	updated, _ := store.GetAccount(context.Background(), acct.ID)
	if updated.Balance != 5.0 {
		t.Fatalf("unexpected balance: %v", updated.Balance)
	}
}

func TestEngine_ConcurrentGrantAppliesOnce(t *testing.T) {
	store := memory.New()
	acct := createWallet(t, store, "wallet1")
	resolver := &fakeResolver{status: domain.Status{HasAccess: true, GateBalance: 3}}
	engine := newEngine(t, store, resolver)

	const workers = 100
	var wg sync.WaitGroup
	grants := make(chan bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			granted, _, err := engine.CheckAndGrant(context.Background(), acct.ID, acct.ID)
			if err != nil {
				t.Errorf("grant: %v", err)
				return
			}
			grants <- granted
		}()
	}
	wg.Wait()
	close(grants)

	applied := 0
	for granted := range grants {
		if granted {
			applied++
		}
	}
	if applied != 1 {
		t.Fatalf("expected exactly one grant, got %d", applied)
	}

	updated, _ := store.GetAccount(context.Background(), acct.ID)
	if updated.Balance != 5.0 {
		t.Fatalf("double credit: balance %v", updated.Balance)
	}
}

func TestEngine_GrantsAgainNextDay(t *testing.T) {
	store := memory.New()
	acct := createWallet(t, store, "wallet1")
	resolver := &fakeResolver{status: domain.Status{HasAccess: true, GateBalance: 3}}

	now := time.Date(2026, 8, 30, 23, 55, 0, 0, time.UTC)
	engine := newEngine(t, store, resolver).WithClock(func() time.Time { return now })

	if granted, _, err := engine.CheckAndGrant(context.Background(), acct.ID, acct.ID); err != nil || !granted {
		t.Fatalf("first grant: granted=%v err=%v", granted, err)
	}

	// Ten minutes later it is a new UTC date.
	now = now.Add(10 * time.Minute)
	granted, _, err := engine.CheckAndGrant(context.Background(), acct.ID, acct.ID)
	if err != nil {
		t.Fatalf("next-day grant: %v", err)
	}
	if !granted {
		t.Fatal("new UTC date should grant again")
	}

	updated, _ := store.GetAccount(context.Background(), acct.ID)
	if updated.Balance != 10.0 {
		t.Fatalf("unexpected balance: %v", updated.Balance)
	}
}

func TestEngine_AmountsStack(t *testing.T) {
	store := memory.New()
	acct := createWallet(t, store, "wallet1")
	resolver := &fakeResolver{status: domain.Status{
		HasAccess:    true,
		GateBalance:  3,
		Collectibles: map[string]int64{"col1": 2},
	}}
	engine := newEngine(t, store, resolver)

	granted, amount, err := engine.CheckAndGrant(context.Background(), acct.ID, acct.ID)
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	if !granted || amount != 15.0 {
		t.Fatalf("expected stacked 15.0, got granted=%v amount=%v", granted, amount)
	}
}

func TestEngine_CollectibleOnly(t *testing.T) {
	store := memory.New()
	acct := createWallet(t, store, "wallet1")
	resolver := &fakeResolver{status: domain.Status{
		HasAccess:    true,
		Collectibles: map[string]int64{"col1": 1},
	}}
	engine := newEngine(t, store, resolver)

	_, amount, err := engine.CheckAndGrant(context.Background(), acct.ID, acct.ID)
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	if amount != 10.0 {
		t.Fatalf("expected collectible amount 10.0, got %v", amount)
	}
}

func TestEngine_NonHolderRecheckedSameDay(t *testing.T) {
	store := memory.New()
	acct := createWallet(t, store, "wallet1")
	resolver := &fakeResolver{status: domain.Status{HasAccess: false}}
	engine := newEngine(t, store, resolver)

	granted, _, err := engine.CheckAndGrant(context.Background(), acct.ID, acct.ID)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if granted {
		t.Fatal("non-holder granted")
	}

	// The wallet acquires the gate token mid-day; the next request grants.
	resolver.mu.Lock()
	resolver.status = domain.Status{HasAccess: true, GateBalance: 2}
	resolver.mu.Unlock()

	granted, amount, err := engine.CheckAndGrant(context.Background(), acct.ID, acct.ID)
	if err != nil {
		t.Fatalf("recheck: %v", err)
	}
	if !granted || amount != 5.0 {
		t.Fatalf("same-day qualifier missed: granted=%v amount=%v", granted, amount)
	}
}

func TestEngine_FailsClosedOnResolverError(t *testing.T) {
	store := memory.New()
	acct := createWallet(t, store, "wallet1")
	resolver := &fakeResolver{down: true}
	engine := newEngine(t, store, resolver)

	granted, _, err := engine.CheckAndGrant(context.Background(), acct.ID, acct.ID)
	if err != nil {
		t.Fatalf("resolver outage must not error the request: %v", err)
	}
	if granted {
		t.Fatal("grant applied during resolver outage")
	}

	// The date stays untouched, so recovery grants immediately.
	resolver.mu.Lock()
	resolver.down = false
	resolver.status = domain.Status{HasAccess: true, GateBalance: 2}
	resolver.mu.Unlock()

	granted, _, err = engine.CheckAndGrant(context.Background(), acct.ID, acct.ID)
	if err != nil {
		t.Fatalf("grant after recovery: %v", err)
	}
	if !granted {
		t.Fatal("recovered resolver should grant")
	}
}

func TestReference(t *testing.T) {
	if got := Reference("acct1", "2026-08-30"); got != "daily_grant:acct1:2026-08-30" {
		t.Fatalf("unexpected reference: %s", got)
	}
}
