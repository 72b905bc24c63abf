// Package paygate lets a cryptographically verified pay-per-call payment
// bypass the credit ledger. Verification happens before any side effect;
// settlement happens once, after the protected work succeeded. The bypass
// marker travels in an unexported context key, so it can only be established
// by this package, never derived from a client-supplied header.
package paygate

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/mintworks-ai/creditgate/internal/app/domain/payment"
	"github.com/mintworks-ai/creditgate/internal/app/metrics"
	"github.com/mintworks-ai/creditgate/internal/app/services/ledger"
	"github.com/mintworks-ai/creditgate/internal/app/services/pricing"
	"github.com/mintworks-ai/creditgate/pkg/logger"
)

// ErrPaymentVerification marks a proof the facilitator rejected. The request
// falls through to standard credit checking; it never gets free access.
var ErrPaymentVerification = errors.New("payment verification failed")

// ErrPaymentSettlement marks a settlement the facilitator could not collect.
var ErrPaymentSettlement = errors.New("payment settlement failed")

// Config holds the pay-per-call pricing rail settings.
type Config struct {
	Scheme  string `yaml:"scheme"`
	Network string `yaml:"network"`
	Asset   string `yaml:"asset"`
	PayTo   string `yaml:"pay_to"`
	// Markup is applied to the calculator's credit price on this rail. It
	// covers settlement risk and fees, so it sits above the in-ledger
	// external-agent markup.
	Markup float64 `yaml:"markup"`
	// UnitsPerCredit converts credits into the asset's smallest-unit
	// integer representation.
	UnitsPerCredit int64 `yaml:"units_per_credit"`
}

// Request is the request-scoped input to Evaluate.
type Request struct {
	AccountID string
	// ProofHeader is the raw payment-proof header value, base64-encoded
	// JSON. Empty when the caller sent none.
	ProofHeader string
	// HasAccountCredential reports whether a standard credential (session,
	// API key) accompanied the request.
	HasAccountCredential bool
	// OptedIn reports an explicit pay-per-call opt-in.
	OptedIn bool

	UnitKind string
	Quantity int
	Client   pricing.ClientClass
}

// SettlementHandle carries what Settle needs after the work completed. It is
// only reachable through the context marker this package sets.
type SettlementHandle struct {
	AccountID    string
	Proof        payment.Proof
	Requirements payment.Requirements

	settled bool
}

// Evaluation is the gate's verdict.
type Evaluation struct {
	Bypass       bool
	Requirements payment.Requirements
}

type bypassKey struct{}

// BypassFrom extracts the settlement handle established by Evaluate. The
// second return is false on any context the gate did not mark.
func BypassFrom(ctx context.Context) (*SettlementHandle, bool) {
	handle, ok := ctx.Value(bypassKey{}).(*SettlementHandle)
	return handle, ok
}

// Gate evaluates and settles pay-per-call payments.
type Gate struct {
	facilitator Facilitator
	pricing     *pricing.Calculator
	ledger      *ledger.Service
	cfg         Config
	log         *logger.Logger
}

// New constructs a gate.
func New(facilitator Facilitator, calc *pricing.Calculator, ledgerSvc *ledger.Service, cfg Config, log *logger.Logger) *Gate {
	if log == nil {
		log = logger.NewDefault("paygate")
	}
	if cfg.Markup <= 0 {
		cfg.Markup = 1.5
	}
	if cfg.UnitsPerCredit <= 0 {
		cfg.UnitsPerCredit = 10_000
	}
	return &Gate{
		facilitator: facilitator,
		pricing:     calc,
		ledger:      ledgerSvc,
		cfg:         cfg,
		log:         log,
	}
}

// Active reports whether the gate applies to this request: a proof is
// present and either no standard credential accompanies it or the caller
// explicitly opted in.
func (g *Gate) Active(req Request) bool {
	if req.ProofHeader == "" {
		return false
	}
	return !req.HasAccountCredential || req.OptedIn
}

// Evaluate verifies the proof against the facilitator. On success it returns
// a context carrying the bypass marker; no side effect happens before the
// facilitator reported valid=true. On a rejected proof the original context
// comes back with ErrPaymentVerification and the caller falls through to the
// ledger path.
func (g *Gate) Evaluate(ctx context.Context, req Request) (context.Context, Evaluation, error) {
	if !g.Active(req) {
		return ctx, Evaluation{}, nil
	}

	proof, err := DecodeProof(req.ProofHeader)
	if err != nil {
		metrics.BypassObserved("rejected")
		return ctx, Evaluation{}, fmt.Errorf("%w: %v", ErrPaymentVerification, err)
	}

	requirements, err := g.requirementsFor(req)
	if err != nil {
		metrics.BypassObserved("rejected")
		return ctx, Evaluation{}, fmt.Errorf("%w: %v", ErrPaymentVerification, err)
	}

	result, err := g.facilitator.Verify(ctx, proof, requirements)
	if err != nil {
		metrics.BypassObserved("rejected")
		return ctx, Evaluation{}, fmt.Errorf("%w: %v", ErrPaymentVerification, err)
	}
	if !result.Valid {
		metrics.BypassObserved("rejected")
		return ctx, Evaluation{}, fmt.Errorf("%w: %s", ErrPaymentVerification, result.Reason)
	}

	handle := &SettlementHandle{
		AccountID:    req.AccountID,
		Proof:        proof,
		Requirements: requirements,
	}
	metrics.BypassObserved("bypassed")
	g.log.WithFields(map[string]interface{}{
		"account_id": req.AccountID,
		"amount":     requirements.Amount,
		"asset":      requirements.Asset,
	}).Info("pay-per-call verified, ledger bypassed")
	return context.WithValue(ctx, bypassKey{}, handle), Evaluation{Bypass: true, Requirements: requirements}, nil
}

// Settle collects the verified payment after the protected work completed
// successfully. Settling an already-settled proof is reported as success.
func (g *Gate) Settle(ctx context.Context, handle *SettlementHandle) error {
	if handle == nil {
		return fmt.Errorf("%w: nil settlement handle", ErrPaymentSettlement)
	}
	if handle.settled {
		return nil
	}

	result, err := g.facilitator.Settle(ctx, handle.Proof, handle.Requirements)
	if err != nil {
		metrics.BypassObserved("settle_failed")
		return fmt.Errorf("%w: %v", ErrPaymentSettlement, err)
	}
	if !result.Success && !result.AlreadySettled {
		metrics.BypassObserved("settle_failed")
		return fmt.Errorf("%w: %s", ErrPaymentSettlement, result.Reason)
	}
	handle.settled = true
	metrics.BypassObserved("settled")

	// Zero-delta ledger entry: the value was collected off-ledger, the
	// entry exists for audit and for settlement-ref idempotency.
	if handle.AccountID != "" && result.SettlementRef != "" {
		if err := g.ledger.RecordBypass(ctx, handle.AccountID, result.SettlementRef); err != nil {
			g.log.WithError(err).Warn("bypass ledger entry failed")
		}
	}
	return nil
}

// requirementsFor prices the work for this payment rail: calculator price,
// rail markup, then conversion to the asset's smallest unit.
func (g *Gate) requirementsFor(req Request) (payment.Requirements, error) {
	credits, err := g.pricing.Price(req.UnitKind, req.Quantity, req.Client)
	if err != nil {
		return payment.Requirements{}, err
	}
	charged := pricing.CeilTenth(credits * g.cfg.Markup)
	amount := int64(math.Ceil(charged * float64(g.cfg.UnitsPerCredit)))

	return payment.Requirements{
		Scheme:   g.cfg.Scheme,
		Network:  g.cfg.Network,
		Asset:    g.cfg.Asset,
		Amount:   amount,
		PayTo:    g.cfg.PayTo,
		Resource: req.UnitKind,
	}, nil
}

// DecodeProof parses the base64 JSON proof header.
func DecodeProof(header string) (payment.Proof, error) {
	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return payment.Proof{}, fmt.Errorf("decode proof header: %w", err)
	}
	var proof payment.Proof
	if err := json.Unmarshal(raw, &proof); err != nil {
		return payment.Proof{}, fmt.Errorf("parse proof payload: %w", err)
	}
	if proof.Payload == "" {
		return payment.Proof{}, fmt.Errorf("proof payload empty")
	}
	return proof, nil
}
