package billing

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mintworks-ai/creditgate/internal/app/domain/credit"
	"github.com/mintworks-ai/creditgate/internal/app/domain/payment"
	"github.com/mintworks-ai/creditgate/internal/app/services/entitlement"
	"github.com/mintworks-ai/creditgate/internal/app/services/grant"
	"github.com/mintworks-ai/creditgate/internal/app/services/ledger"
	"github.com/mintworks-ai/creditgate/internal/app/services/paygate"
	"github.com/mintworks-ai/creditgate/internal/app/services/pricing"
	"github.com/mintworks-ai/creditgate/internal/app/services/ratelimit"
	"github.com/mintworks-ai/creditgate/internal/app/storage/memory"
)

// fakeSource serves scripted balances for the entitlement resolver.
type fakeSource struct {
	balances map[string]int64
	err      error
}

func (f *fakeSource) FungibleBalance(_ context.Context, address, _ string) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.balances[address], nil
}

func (f *fakeSource) CollectibleCount(context.Context, string, string) (int64, error) {
	return 0, f.err
}

// fakeFacilitator accepts or rejects every proof.
type fakeFacilitator struct {
	valid       bool
	settleCalls int
}

func (f *fakeFacilitator) Verify(context.Context, payment.Proof, payment.Requirements) (payment.VerifyResult, error) {
	if !f.valid {
		return payment.VerifyResult{Valid: false, Reason: "bad signature"}, nil
	}
	return payment.VerifyResult{Valid: true}, nil
}

func (f *fakeFacilitator) Settle(context.Context, payment.Proof, payment.Requirements) (payment.SettleResult, error) {
	f.settleCalls++
	return payment.SettleResult{Success: true, SettlementRef: "settle-1"}, nil
}

type fixture struct {
	store       *memory.Store
	svc         *Service
	ledger      *ledger.Service
	source      *fakeSource
	facilitator *fakeFacilitator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := memory.New()
	source := &fakeSource{balances: map[string]int64{}}
	facilitator := &fakeFacilitator{}

	ledgerSvc := ledger.New(store, nil)
	calc := pricing.New(pricing.Config{})
	resolver := entitlement.New(source, store, entitlement.Config{
		GateContract:   "gate",
		GateMinBalance: 1,
	}, nil)
	grants := grant.New(ledgerSvc, store, resolver, grant.Config{
		FungibleAmount:    5.0,
		CollectibleAmount: 10.0,
	}, nil)
	gate := paygate.New(facilitator, calc, ledgerSvc, paygate.Config{
		Scheme:         "exact",
		Network:        "base",
		Asset:          "usdc",
		PayTo:          "0xpayee",
		UnitsPerCredit: 10_000,
	}, nil)
	limiter := ratelimit.New(store, ratelimit.Config{
		Default: ratelimit.Tier{PerMinute: 1000, PerDay: 10000},
	}, nil)

	return &fixture{
		store:       store,
		svc:         New(store, store, ledgerSvc, resolver, grants, gate, calc, limiter, nil),
		ledger:      ledgerSvc,
		source:      source,
		facilitator: facilitator,
	}
}

func proofHeader(t *testing.T) string {
	t.Helper()
	raw, err := json.Marshal(payment.Proof{Payload: "sig"})
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(raw)
}

func TestCheckAndReserveCredits_ChargesBalance(t *testing.T) {
	fx := newFixture(t)
	acct, err := fx.store.CreateAccount(context.Background(), credit.Account{
		ID:           "user@example.com",
		IdentityKind: credit.IdentityEmail,
		Balance:      10.0,
	})
	require.NoError(t, err)

	_, result, err := fx.svc.CheckAndReserveCredits(context.Background(), CheckRequest{
		AccountID:            acct.ID,
		IdentityKind:         credit.IdentityEmail,
		Work:                 WorkDescriptor{UnitKind: "flux-2", Quantity: 1},
		Client:               pricing.ClientStandard,
		HasAccountCredential: true,
	})
	require.NoError(t, err)
	require.True(t, result.Reserved)
	require.False(t, result.BypassActive)
	require.InDelta(t, 0.3, result.CreditsCharged, 1e-9)
	require.InDelta(t, 9.7, result.Balance, 1e-9)
	require.NotEmpty(t, result.ChargeReference)
}

func TestCheckAndReserveCredits_GrantFundsRequest(t *testing.T) {
	fx := newFixture(t)
	fx.source.balances["holder1"] = 3

	// A brand-new holder wallet with zero balance: the due daily grant is
	// applied first and funds the charge.
	_, result, err := fx.svc.CheckAndReserveCredits(context.Background(), CheckRequest{
		AccountID:            "holder1",
		IdentityKind:         credit.IdentityWallet,
		Address:              "holder1",
		Work:                 WorkDescriptor{UnitKind: "flux-2", Quantity: 1},
		Client:               pricing.ClientStandard,
		HasAccountCredential: true,
	})
	require.NoError(t, err)
	require.True(t, result.Reserved)
	require.InDelta(t, 4.7, result.Balance, 1e-9)
}

func TestCheckAndReserveCredits_InsufficientBalance(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.store.CreateAccount(context.Background(), credit.Account{
		ID:           "broke",
		IdentityKind: credit.IdentityEmail,
		Balance:      0.1,
	})
	require.NoError(t, err)

	_, _, err = fx.svc.CheckAndReserveCredits(context.Background(), CheckRequest{
		AccountID:            "broke",
		IdentityKind:         credit.IdentityEmail,
		Work:                 WorkDescriptor{UnitKind: "video-short", Quantity: 1},
		Client:               pricing.ClientStandard,
		HasAccountCredential: true,
	})
	require.ErrorIs(t, err, ledger.ErrInsufficientCredits)
}

func TestCheckAndReserveCredits_BypassFlow(t *testing.T) {
	fx := newFixture(t)
	fx.facilitator.valid = true

	ctx, result, err := fx.svc.CheckAndReserveCredits(context.Background(), CheckRequest{
		AccountID:          "anon-payer",
		IdentityKind:       credit.IdentityWallet,
		Work:               WorkDescriptor{UnitKind: "flux-2", Quantity: 1},
		Client:             pricing.ClientStandard,
		PaymentProofHeader: proofHeader(t),
	})
	require.NoError(t, err)
	require.True(t, result.Reserved)
	require.True(t, result.BypassActive)
	require.Zero(t, result.CreditsCharged)

	// No credits moved.
	acct, err := fx.store.GetAccount(context.Background(), "anon-payer")
	require.NoError(t, err)
	require.Zero(t, acct.Balance)

	// Settlement happens once after the work, via the context marker.
	require.NoError(t, fx.svc.SettleBypass(ctx))
	require.NoError(t, fx.svc.SettleBypass(ctx))
	require.Equal(t, 1, fx.facilitator.settleCalls)
}

func TestCheckAndReserveCredits_RejectedProofFallsThrough(t *testing.T) {
	fx := newFixture(t)
	fx.facilitator.valid = false
	_, err := fx.store.CreateAccount(context.Background(), credit.Account{
		ID:           "user1",
		IdentityKind: credit.IdentityEmail,
		Balance:      5.0,
	})
	require.NoError(t, err)

	// With a credential the rejected proof falls through to credits.
	_, result, err := fx.svc.CheckAndReserveCredits(context.Background(), CheckRequest{
		AccountID:            "user1",
		IdentityKind:         credit.IdentityEmail,
		Work:                 WorkDescriptor{UnitKind: "flux-2", Quantity: 1},
		Client:               pricing.ClientStandard,
		PaymentProofHeader:   proofHeader(t),
		HasAccountCredential: true,
		PayPerCallOptIn:      true,
	})
	require.NoError(t, err)
	require.True(t, result.Reserved)
	require.False(t, result.BypassActive)
	require.InDelta(t, 0.3, result.CreditsCharged, 1e-9)

	// Without a credential there is nothing to fall through to.
	_, _, err = fx.svc.CheckAndReserveCredits(context.Background(), CheckRequest{
		AccountID:          "anon",
		IdentityKind:       credit.IdentityWallet,
		Work:               WorkDescriptor{UnitKind: "flux-2", Quantity: 1},
		PaymentProofHeader: proofHeader(t),
	})
	require.ErrorIs(t, err, paygate.ErrPaymentVerification)
}

func TestCheckAndReserveCredits_RateLimited(t *testing.T) {
	fx := newFixture(t)
	limiter := ratelimit.New(fx.store, ratelimit.Config{
		Default: ratelimit.Tier{PerMinute: 1, PerDay: 10},
	}, nil)
	fx.svc.limiter = limiter

	_, err := fx.store.CreateAccount(context.Background(), credit.Account{
		ID: "user1", IdentityKind: credit.IdentityEmail, Balance: 10,
	})
	require.NoError(t, err)

	req := CheckRequest{
		AccountID:            "user1",
		IdentityKind:         credit.IdentityEmail,
		Work:                 WorkDescriptor{UnitKind: "flux-2", Quantity: 1},
		Client:               pricing.ClientStandard,
		HasAccountCredential: true,
	}
	_, _, err = fx.svc.CheckAndReserveCredits(context.Background(), req)
	require.NoError(t, err)

	_, _, err = fx.svc.CheckAndReserveCredits(context.Background(), req)
	require.ErrorIs(t, err, ErrRateLimited)

	var detail *RateLimitError
	require.True(t, errors.As(err, &detail))
	require.Positive(t, detail.RetryAfterSeconds)
}

func TestRefundCredits(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.store.CreateAccount(context.Background(), credit.Account{
		ID: "user1", IdentityKind: credit.IdentityEmail, Balance: 10,
	})
	require.NoError(t, err)

	_, result, err := fx.svc.CheckAndReserveCredits(context.Background(), CheckRequest{
		AccountID:            "user1",
		IdentityKind:         credit.IdentityEmail,
		Work:                 WorkDescriptor{UnitKind: "video-short", Quantity: 1},
		Client:               pricing.ClientStandard,
		HasAccountCredential: true,
	})
	require.NoError(t, err)
	require.InDelta(t, 7.5, result.Balance, 1e-9)

	// The downstream generation failed: the charge comes back, exactly
	// once no matter how often the caller retries.
	require.NoError(t, fx.svc.RefundCredits(context.Background(), result.ChargeReference))
	require.NoError(t, fx.svc.RefundCredits(context.Background(), result.ChargeReference))

	acct, err := fx.store.GetAccount(context.Background(), "user1")
	require.NoError(t, err)
	require.InDelta(t, 10.0, acct.Balance, 1e-9)
}

func TestRefundCredits_UnknownReference(t *testing.T) {
	fx := newFixture(t)
	err := fx.svc.RefundCredits(context.Background(), "charge:never-issued")
	require.Error(t, err)
}

func TestGetEntitlementStatus(t *testing.T) {
	fx := newFixture(t)
	fx.source.balances["holder1"] = 2

	_, err := fx.store.FindOrCreateAccount(context.Background(), "holder1", credit.IdentityWallet)
	require.NoError(t, err)
	_, err = fx.store.FindOrCreateAccount(context.Background(), "user@example.com", credit.IdentityEmail)
	require.NoError(t, err)

	status, err := fx.svc.GetEntitlementStatus(context.Background(), "holder1")
	require.NoError(t, err)
	require.True(t, status.HasAccess)

	// Non-wallet identities have no on-chain standing.
	status, err = fx.svc.GetEntitlementStatus(context.Background(), "user@example.com")
	require.NoError(t, err)
	require.False(t, status.HasAccess)
}

func TestGetEntitlementStatus_ResolutionOutage(t *testing.T) {
	fx := newFixture(t)
	fx.source.err = errors.New("rpc timeout")

	_, err := fx.store.FindOrCreateAccount(context.Background(), "holder1", credit.IdentityWallet)
	require.NoError(t, err)

	// A resolver outage is internal: the caller sees no access, not the error.
	status, err := fx.svc.GetEntitlementStatus(context.Background(), "holder1")
	require.NoError(t, err)
	require.False(t, status.HasAccess)
}

func TestSettleBypass_UnmarkedContext(t *testing.T) {
	fx := newFixture(t)
	require.NoError(t, fx.svc.SettleBypass(context.Background()))
}
