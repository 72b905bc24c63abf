// Package credit defines the account and ledger records owned by the credit
// ledger. Balances are credits with a granularity of one tenth; every
// balance-affecting event is recorded as an immutable ledger entry.
package credit

import (
	"fmt"
	"math"
	"time"
)

// IdentityKind describes how an account is keyed.
type IdentityKind string

const (
	IdentityWallet IdentityKind = "wallet"
	IdentityEmail  IdentityKind = "email"
	IdentityAPIKey IdentityKind = "api_key"
)

// Account is the authoritative balance record for one identity.
type Account struct {
	ID           string
	IdentityKind IdentityKind
	Balance      float64
	TotalEarned  float64
	TotalSpent   float64
	// LastGrantDate is the UTC calendar date (YYYY-MM-DD) of the most recent
	// daily grant, empty when never granted.
	LastGrantDate string
	// HolderHint caches the last resolved holder status. Advisory only; the
	// resolver re-derives the authoritative status.
	HolderHint       bool
	HolderHintSource string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Reason classifies a ledger entry.
type Reason string

const (
	ReasonPurchase         Reason = "purchase"
	ReasonDailyGrant       Reason = "daily_grant"
	ReasonGenerationCharge Reason = "generation_charge"
	ReasonRefund           Reason = "refund"
	ReasonManualAdjustment Reason = "manual_adjustment"
	ReasonPayPerCallBypass Reason = "pay_per_call_bypass"
)

// Entry is one immutable row in the append-only ledger. Reference is the
// idempotency key: a (Reference, Reason) pair is applied at most once.
type Entry struct {
	ID        string
	AccountID string
	Delta     float64
	Reason    Reason
	Reference string
	CreatedAt time.Time
}

// MaxChargeAmount bounds a single charge or credit. Anything larger is a
// pricing bug, not a legitimate request.
const MaxChargeAmount = 10_000.0

// ValidateAmount rejects amounts the ledger must never apply: non-finite,
// non-positive, above the charge bound, or finer than one tenth of a credit.
func ValidateAmount(amount float64) error {
	if math.IsNaN(amount) || math.IsInf(amount, 0) {
		return fmt.Errorf("amount must be finite, got %v", amount)
	}
	if amount <= 0 {
		return fmt.Errorf("amount must be positive, got %v", amount)
	}
	if amount > MaxChargeAmount {
		return fmt.Errorf("amount %v exceeds maximum %v", amount, MaxChargeAmount)
	}
	if RoundTenth(amount) != amount {
		return fmt.Errorf("amount %v is finer than 0.1 credit", amount)
	}
	return nil
}

// RoundTenth rounds to the nearest tenth of a credit.
func RoundTenth(amount float64) float64 {
	return math.Round(amount*10) / 10
}

// DayUTC formats t as the UTC calendar date used by the grant engine.
func DayUTC(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
