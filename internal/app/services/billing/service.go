// Package billing is the surface route handlers call. It runs the billable
// request flow end to end: admit, resolve entitlement, apply any due daily
// grant, evaluate pay-per-call, price the work and deduct credits. Nothing
// else is exposed to callers; routing and request framing live outside.
package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mintworks-ai/creditgate/internal/app/domain/credit"
	entdomain "github.com/mintworks-ai/creditgate/internal/app/domain/entitlement"
	"github.com/mintworks-ai/creditgate/internal/app/services/entitlement"
	"github.com/mintworks-ai/creditgate/internal/app/services/grant"
	"github.com/mintworks-ai/creditgate/internal/app/services/ledger"
	"github.com/mintworks-ai/creditgate/internal/app/services/paygate"
	"github.com/mintworks-ai/creditgate/internal/app/services/pricing"
	"github.com/mintworks-ai/creditgate/internal/app/services/ratelimit"
	"github.com/mintworks-ai/creditgate/internal/app/storage"
	"github.com/mintworks-ai/creditgate/pkg/logger"
)

// ErrRateLimited marks a request rejected by the rate limiter.
var ErrRateLimited = errors.New("rate limit exceeded")

// RateLimitError carries the retry-after hint.
type RateLimitError struct {
	RetryAfterSeconds int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %ds", e.RetryAfterSeconds)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// WorkDescriptor names the unit of work being billed.
type WorkDescriptor struct {
	UnitKind string
	Quantity int
}

// CheckRequest is one billable request.
type CheckRequest struct {
	AccountID    string
	IdentityKind credit.IdentityKind
	// Address is the wallet address for entitlement checks; empty for
	// accounts without one.
	Address string

	Work   WorkDescriptor
	Client pricing.ClientClass
	// RateCategory selects the limiter tier, e.g. "generate".
	RateCategory string

	// PaymentProofHeader is the raw pay-per-call proof header, if any.
	PaymentProofHeader   string
	HasAccountCredential bool
	PayPerCallOptIn      bool
}

// CheckResult reports what was reserved.
type CheckResult struct {
	Reserved       bool
	CreditsCharged float64
	BypassActive   bool
	// ChargeReference is the idempotency key of the deduction; callers pass
	// it to RefundCredits when downstream work fails.
	ChargeReference string
	Balance         float64
}

// Service wires the core components into the billable request flow.
type Service struct {
	store    storage.LedgerStore
	shared   storage.SharedStore
	ledger   *ledger.Service
	resolver *entitlement.Resolver
	grants   *grant.Engine
	gate     *paygate.Gate
	pricing  *pricing.Calculator
	limiter  *ratelimit.Limiter
	log      *logger.Logger
}

// New constructs the billing facade.
func New(
	store storage.LedgerStore,
	shared storage.SharedStore,
	ledgerSvc *ledger.Service,
	resolver *entitlement.Resolver,
	grants *grant.Engine,
	gate *paygate.Gate,
	calc *pricing.Calculator,
	limiter *ratelimit.Limiter,
	log *logger.Logger,
) *Service {
	if log == nil {
		log = logger.NewDefault("billing")
	}
	return &Service{
		store:    store,
		shared:   shared,
		ledger:   ledgerSvc,
		resolver: resolver,
		grants:   grants,
		gate:     gate,
		pricing:  calc,
		limiter:  limiter,
		log:      log,
	}
}

// CheckAndReserveCredits authorizes one unit of work. The returned context
// carries the pay-per-call bypass marker when one was established; callers
// must thread it through to SettleBypass after the work succeeds.
func (s *Service) CheckAndReserveCredits(ctx context.Context, req CheckRequest) (context.Context, CheckResult, error) {
	if s.limiter != nil {
		category := req.RateCategory
		if category == "" {
			category = "generate"
		}
		if res := s.limiter.Allow(ctx, category, req.AccountID); !res.Allowed {
			return ctx, CheckResult{}, &RateLimitError{RetryAfterSeconds: res.RetryAfterSeconds}
		}
	}

	acct, err := s.store.FindOrCreateAccount(ctx, req.AccountID, req.IdentityKind)
	if err != nil {
		return ctx, CheckResult{}, fmt.Errorf("load account: %w", err)
	}

	if req.Address != "" {
		// Grant check before pricing: a due grant may fund this request.
		// The engine fails closed internally on resolver errors.
		if _, _, err := s.grants.CheckAndGrant(ctx, acct.ID, req.Address); err != nil {
			s.log.WithError(err).WithField("account_id", acct.ID).Warn("daily grant check failed")
		}
	}

	ctx, evaluation, err := s.gate.Evaluate(ctx, paygate.Request{
		AccountID:            acct.ID,
		ProofHeader:          req.PaymentProofHeader,
		HasAccountCredential: req.HasAccountCredential,
		OptedIn:              req.PayPerCallOptIn,
		UnitKind:             req.Work.UnitKind,
		Quantity:             req.Work.Quantity,
		Client:               req.Client,
	})
	if err != nil {
		// A rejected proof never grants free access. With an account
		// credential present the request falls through to the normal
		// credit path; without one there is no ledger to fall through to.
		if !req.HasAccountCredential {
			return ctx, CheckResult{}, err
		}
		s.log.WithError(err).WithField("account_id", acct.ID).Info("payment proof rejected, using credits")
	}
	if evaluation.Bypass {
		s.recordUsage(ctx, acct.ID)
		return ctx, CheckResult{Reserved: true, BypassActive: true, Balance: acct.Balance}, nil
	}

	cost, err := s.pricing.Price(req.Work.UnitKind, req.Work.Quantity, req.Client)
	if err != nil {
		return ctx, CheckResult{}, err
	}

	reference := "charge:" + uuid.NewString()
	acct, err = s.ledger.AuthorizeAndDeduct(ctx, acct.ID, cost, reference)
	if err != nil {
		return ctx, CheckResult{}, err
	}

	s.recordUsage(ctx, acct.ID)
	return ctx, CheckResult{
		Reserved:        true,
		CreditsCharged:  cost,
		ChargeReference: reference,
		Balance:         acct.Balance,
	}, nil
}

// RefundCredits returns the credits of a failed downstream generation. It is
// keyed on the original charge reference and therefore idempotent; callers
// may retry freely.
func (s *Service) RefundCredits(ctx context.Context, chargeReference string) error {
	entry, err := s.store.GetEntryByReference(ctx, credit.ReasonGenerationCharge, chargeReference)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("unknown charge reference %q: %w", chargeReference, err)
		}
		return err
	}
	_, err = s.ledger.Refund(ctx, entry.AccountID, -entry.Delta, chargeReference)
	return err
}

// SettleBypass collects a verified pay-per-call payment after the protected
// work completed. A no-op when the context carries no bypass marker.
func (s *Service) SettleBypass(ctx context.Context) error {
	handle, ok := paygate.BypassFrom(ctx)
	if !ok {
		return nil
	}
	return s.gate.Settle(ctx, handle)
}

// GetEntitlementStatus resolves the holder status for an account's wallet
// address. Accounts without an address report no access.
func (s *Service) GetEntitlementStatus(ctx context.Context, accountID string) (entdomain.Status, error) {
	acct, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return entdomain.Status{}, err
	}
	if acct.IdentityKind != credit.IdentityWallet {
		return entdomain.Status{Address: "", HasAccess: false}, nil
	}
	status, err := s.resolver.Resolve(ctx, acct.ID)
	if err != nil {
		if errors.Is(err, entitlement.ErrResolutionFailed) {
			// Resolution outages stay internal: report no access and retry on
			// the next call.
			s.log.WithError(err).WithField("account_id", acct.ID).Warn("entitlement resolution failed")
			return status, nil
		}
		return entdomain.Status{}, err
	}
	return status, nil
}

// recordUsage bumps the best-effort daily usage counter. It may undercount
// when the shared store is unavailable; that is its documented contract, and
// it never gates or fails a request.
func (s *Service) recordUsage(ctx context.Context, accountID string) {
	if s.shared == nil {
		return
	}
	key := "usage:" + accountID + ":" + credit.DayUTC(time.Now())
	if _, err := s.shared.IncrementWithExpiry(ctx, key, 25*time.Hour); err != nil {
		s.log.WithError(err).Debug("usage counter increment failed")
	}
}
