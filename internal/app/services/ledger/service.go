// Package ledger owns every credit balance mutation. All other components
// read balances but route changes through this service, which delegates the
// check-and-decrement and the idempotent credit to single atomic storage
// operations.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mintworks-ai/creditgate/internal/app/domain/credit"
	"github.com/mintworks-ai/creditgate/internal/app/metrics"
	"github.com/mintworks-ai/creditgate/internal/app/storage"
	"github.com/mintworks-ai/creditgate/pkg/logger"
)

// ErrInsufficientCredits marks a failed authorization. Callers surface it as
// a billing-required response and must not retry.
var ErrInsufficientCredits = errors.New("insufficient credits")

// InsufficientCreditsError carries the shortfall so a client can self-correct
// without parsing free text.
type InsufficientCreditsError struct {
	Required  float64
	Available float64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: required %.1f, available %.1f", e.Required, e.Available)
}

func (e *InsufficientCreditsError) Unwrap() error { return ErrInsufficientCredits }

// opTimeout bounds ledger-adjacent store calls.
const opTimeout = 5 * time.Second

// Service is the credit ledger.
type Service struct {
	store storage.LedgerStore
	log   *logger.Logger
}

// New constructs a ledger service.
func New(store storage.LedgerStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("ledger")
	}
	return &Service{store: store, log: log}
}

// AuthorizeAndDeduct atomically checks that the balance covers amount and
// decrements it, recording a generation charge under the given reference.
// Two concurrent calls against the same funds can never both succeed.
func (s *Service) AuthorizeAndDeduct(ctx context.Context, accountID string, amount float64, reference string) (credit.Account, error) {
	if err := credit.ValidateAmount(amount); err != nil {
		return credit.Account{}, fmt.Errorf("charge rejected: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	acct, err := s.store.ConditionalDebit(ctx, accountID, amount, reference, credit.ReasonGenerationCharge)
	if errors.Is(err, storage.ErrInsufficientFunds) {
		metrics.ChargeObserved("insufficient")
		available := 0.0
		if current, lookupErr := s.store.GetAccount(ctx, accountID); lookupErr == nil {
			available = current.Balance
		}
		return credit.Account{}, &InsufficientCreditsError{Required: amount, Available: available}
	}
	if err != nil {
		metrics.ChargeObserved("error")
		return credit.Account{}, err
	}

	metrics.ChargeObserved("ok")
	s.log.WithFields(map[string]interface{}{
		"account_id": accountID,
		"amount":     amount,
		"reference":  reference,
		"balance":    acct.Balance,
	}).Info("credits charged")
	return acct, nil
}

// Refund credits amount back to the account. It is keyed on the original
// charge reference, so at-least-once callers get exactly-once credit; a
// duplicate refund is a successful no-op.
func (s *Service) Refund(ctx context.Context, accountID string, amount float64, chargeReference string) (credit.Account, error) {
	if err := credit.ValidateAmount(amount); err != nil {
		return credit.Account{}, fmt.Errorf("refund rejected: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	applied, acct, err := s.store.CreditIfAbsent(ctx, accountID, amount, chargeReference, credit.ReasonRefund)
	if err != nil {
		return credit.Account{}, err
	}
	metrics.RefundObserved(applied)
	if !applied {
		s.log.WithField("reference", chargeReference).Debug("refund already applied")
		return acct, nil
	}
	s.log.WithFields(map[string]interface{}{
		"account_id": accountID,
		"amount":     amount,
		"reference":  chargeReference,
	}).Info("credits refunded")
	return acct, nil
}

// CreditWithIdempotency increments the balance unless the reference has been
// applied before under the same reason. Used by purchases and daily grants;
// a false return is the idempotency path, not an error.
func (s *Service) CreditWithIdempotency(ctx context.Context, accountID string, amount float64, reference string, reason credit.Reason) (bool, credit.Account, error) {
	if err := credit.ValidateAmount(amount); err != nil {
		return false, credit.Account{}, fmt.Errorf("credit rejected: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	applied, acct, err := s.store.CreditIfAbsent(ctx, accountID, amount, reference, reason)
	if err != nil {
		return false, credit.Account{}, err
	}
	if applied {
		s.log.WithFields(map[string]interface{}{
			"account_id": accountID,
			"amount":     amount,
			"reference":  reference,
			"reason":     string(reason),
		}).Info("credits applied")
	}
	return applied, acct, nil
}

// Purchase applies a paid credit pack. InvoiceRef is the external invoice or
// transaction id; retried webhooks land on the idempotency path.
func (s *Service) Purchase(ctx context.Context, accountID string, amount float64, invoiceRef string) (bool, credit.Account, error) {
	return s.CreditWithIdempotency(ctx, accountID, amount, invoiceRef, credit.ReasonPurchase)
}

// Adjust applies an operator correction. Positive deltas ride the idempotent
// credit path; negative deltas go through the conditional debit so an
// adjustment can never push a balance below zero.
func (s *Service) Adjust(ctx context.Context, accountID string, delta float64, operatorRef string) (credit.Account, error) {
	if delta > 0 {
		_, acct, err := s.CreditWithIdempotency(ctx, accountID, delta, operatorRef, credit.ReasonManualAdjustment)
		return acct, err
	}

	amount := -delta
	if err := credit.ValidateAmount(amount); err != nil {
		return credit.Account{}, fmt.Errorf("adjustment rejected: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	acct, err := s.store.ConditionalDebit(ctx, accountID, amount, operatorRef, credit.ReasonManualAdjustment)
	if errors.Is(err, storage.ErrInsufficientFunds) {
		return credit.Account{}, &InsufficientCreditsError{Required: amount}
	}
	return acct, err
}

// RecordBypass appends the zero-delta entry left by a settled pay-per-call
// request. The value was collected off-ledger; the entry exists for audit.
func (s *Service) RecordBypass(ctx context.Context, accountID, settlementRef string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := s.store.AppendEntry(ctx, credit.Entry{
		AccountID: accountID,
		Delta:     0,
		Reason:    credit.ReasonPayPerCallBypass,
		Reference: settlementRef,
	})
	return err
}

// GetAccount returns the current account state.
func (s *Service) GetAccount(ctx context.Context, accountID string) (credit.Account, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return s.store.GetAccount(ctx, accountID)
}

// History lists recent ledger entries, newest first.
func (s *Service) History(ctx context.Context, accountID string, limit int) ([]credit.Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return s.store.ListEntries(ctx, accountID, limit)
}
