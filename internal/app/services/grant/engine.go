// Package grant applies the recurring daily entitlement credit. An account
// is granted at most once per UTC calendar date; the idempotent ledger
// reference makes retries and crashes between credit and date-update safe.
package grant

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mintworks-ai/creditgate/internal/app/domain/credit"
	domain "github.com/mintworks-ai/creditgate/internal/app/domain/entitlement"
	"github.com/mintworks-ai/creditgate/internal/app/metrics"
	"github.com/mintworks-ai/creditgate/internal/app/services/entitlement"
	"github.com/mintworks-ai/creditgate/internal/app/services/ledger"
	"github.com/mintworks-ai/creditgate/internal/app/storage"
	"github.com/mintworks-ai/creditgate/pkg/logger"
)

// StatusResolver is the slice of the entitlement resolver the engine needs.
type StatusResolver interface {
	Resolve(ctx context.Context, address string) (domain.Status, error)
	GateMinBalance() int64
}

// Config holds the grant policy amounts.
type Config struct {
	// FungibleAmount is the flat daily grant for fungible gate-token
	// holders.
	FungibleAmount float64 `yaml:"fungible_amount"`
	// CollectibleAmount is the flat daily grant for qualifying collectible
	// holders. Both amounts stack when both categories apply.
	CollectibleAmount float64 `yaml:"collectible_amount"`
}

// Engine decides and applies daily grants.
type Engine struct {
	ledger   *ledger.Service
	store    storage.LedgerStore
	resolver StatusResolver
	cfg      Config
	log      *logger.Logger
	now      func() time.Time
}

// New constructs a grant engine.
func New(ledgerSvc *ledger.Service, store storage.LedgerStore, resolver StatusResolver, cfg Config, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.NewDefault("grant")
	}
	if cfg.FungibleAmount <= 0 {
		cfg.FungibleAmount = 5.0
	}
	if cfg.CollectibleAmount <= 0 {
		cfg.CollectibleAmount = 10.0
	}
	return &Engine{
		ledger:   ledgerSvc,
		store:    store,
		resolver: resolver,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
	}
}

// WithClock overrides the time source for tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Reference builds the idempotency key for one account-day.
func Reference(accountID, day string) string {
	return "daily_grant:" + accountID + ":" + day
}

// CheckAndGrant applies the daily grant when it is due. An account already
// granted today is terminal for the day; a non-holder account stays
// ungranted but is re-checked on every call, so newly qualifying holders are
// picked up the same day.
func (e *Engine) CheckAndGrant(ctx context.Context, accountID, address string) (granted bool, amount float64, err error) {
	acct, err := e.store.GetAccount(ctx, accountID)
	if err != nil {
		return false, 0, err
	}

	today := credit.DayUTC(e.now())
	if acct.LastGrantDate == today {
		return false, 0, nil
	}

	status, err := e.resolver.Resolve(ctx, address)
	if err != nil {
		// Fail closed: an RPC outage must not unlock free credits. The date
		// stays untouched so the next request retries.
		if errors.Is(err, entitlement.ErrResolutionFailed) {
			metrics.GrantObserved("error")
			e.log.WithError(err).WithField("account_id", accountID).Debug("grant check failed closed")
			return false, 0, nil
		}
		return false, 0, err
	}

	if !status.HasAccess {
		if hintErr := e.store.SetHolderHint(ctx, accountID, false, ""); hintErr != nil {
			e.log.WithError(hintErr).Debug("holder hint update failed")
		}
		metrics.GrantObserved("no_access")
		return false, 0, nil
	}

	amount, source := e.amountFor(status)
	applied, _, err := e.ledger.CreditWithIdempotency(ctx, accountID, amount, Reference(accountID, today), credit.ReasonDailyGrant)
	if err != nil {
		metrics.GrantObserved("error")
		return false, 0, fmt.Errorf("apply daily grant: %w", err)
	}

	// The date advances after the credit reported its verdict, for both the
	// applied and the concurrent-duplicate case: the reference already
	// guards against a double grant, the date only silences re-checks.
	if err := e.store.SetLastGrantDate(ctx, accountID, today); err != nil {
		e.log.WithError(err).WithField("account_id", accountID).Warn("grant date update failed")
	}
	if err := e.store.SetHolderHint(ctx, accountID, true, source); err != nil {
		e.log.WithError(err).Debug("holder hint update failed")
	}

	if !applied {
		metrics.GrantObserved("duplicate")
		return false, 0, nil
	}

	metrics.GrantObserved("granted")
	e.log.WithFields(map[string]interface{}{
		"account_id": accountID,
		"amount":     amount,
		"source":     source,
		"day":        today,
	}).Info("daily grant applied")
	return true, amount, nil
}

// amountFor computes the grant from the holder categories. Fungible and
// collectible amounts stack; bare gate access counts as the fungible
// category only when no collection applies.
func (e *Engine) amountFor(status domain.Status) (float64, string) {
	amount := 0.0
	source := ""
	if status.FungibleHolder(e.resolver.GateMinBalance()) {
		amount += e.cfg.FungibleAmount
		source = "fungible"
	}
	if status.CollectibleHolder() {
		amount += e.cfg.CollectibleAmount
		if source == "" {
			source = "collectible"
		} else {
			source = "fungible+collectible"
		}
	}
	if amount == 0 {
		amount = e.cfg.FungibleAmount
		source = "gate"
	}
	return credit.RoundTenth(amount), source
}
