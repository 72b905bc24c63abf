// Package entitlement resolves whether an address holds a qualifying
// fungible balance or collectible, fronted by a time-bounded shared cache so
// request paths do not hammer the chain RPC endpoint.
//
// The resolver fails closed: it gates free value, so an RPC outage yields
// "no access" and the failure is never written into the cache; the next
// call retries immediately instead of serving a false negative for the TTL.
package entitlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mintworks-ai/creditgate/internal/app/domain/entitlement"
	"github.com/mintworks-ai/creditgate/internal/app/metrics"
	"github.com/mintworks-ai/creditgate/internal/app/storage"
	"github.com/mintworks-ai/creditgate/internal/chain"
	"github.com/mintworks-ai/creditgate/pkg/logger"
)

// ErrResolutionFailed marks an entitlement decision that failed closed
// because an external source errored. Internal; callers treat it as
// "no access" and log it.
var ErrResolutionFailed = errors.New("entitlement resolution failed")

// DefaultCacheTTL bounds how stale a cached resolution may be served.
const DefaultCacheTTL = 5 * time.Minute

// Config describes the gating assets.
type Config struct {
	// GateContract is the primary fungible gating asset.
	GateContract string `yaml:"gate_contract"`
	// GateMinBalance is the minimum held amount that grants access.
	GateMinBalance int64 `yaml:"gate_min_balance"`
	// Collections are the secondary qualifying collection contracts, queried
	// in order only when the gate asset grants nothing.
	Collections []string `yaml:"collections"`
	// CaseSensitive leaves addresses untouched for chains whose addresses
	// are case-significant; otherwise addresses are case-folded.
	CaseSensitive bool          `yaml:"case_sensitive"`
	CacheTTL      time.Duration `yaml:"cache_ttl"`
}

// Resolver answers holder status questions.
type Resolver struct {
	source chain.BalanceSource
	cache  storage.SharedStore
	cfg    Config
	log    *logger.Logger
	now    func() time.Time
}

// New constructs a resolver. The cache may be nil, in which case every call
// hits the chain.
func New(source chain.BalanceSource, cache storage.SharedStore, cfg Config, log *logger.Logger) *Resolver {
	if log == nil {
		log = logger.NewDefault("entitlement")
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.GateMinBalance <= 0 {
		cfg.GateMinBalance = 1
	}
	return &Resolver{source: source, cache: cache, cfg: cfg, log: log, now: time.Now}
}

// WithClock overrides the time source for tests.
func (r *Resolver) WithClock(now func() time.Time) *Resolver {
	r.now = now
	return r
}

// Normalize canonicalizes an address for cache keys and chain queries.
func (r *Resolver) Normalize(address string) string {
	address = strings.TrimSpace(address)
	if r.cfg.CaseSensitive {
		return address
	}
	return strings.ToLower(address)
}

func cacheKey(address string) string {
	return "entitlement:" + address
}

// Resolve returns the holder status for the address. Within the TTL the
// cached value is returned without any external query; on a miss the gate
// asset is checked first and the collections only when it grants nothing.
func (r *Resolver) Resolve(ctx context.Context, address string) (entitlement.Status, error) {
	address = r.Normalize(address)
	if address == "" {
		return entitlement.Status{}, fmt.Errorf("%w: empty address", ErrResolutionFailed)
	}

	if cached, ok := r.lookupCache(ctx, address); ok {
		metrics.EntitlementLookup("cache")
		return cached, nil
	}

	started := r.now()
	status, err := r.resolveChain(ctx, address)
	if err != nil {
		metrics.EntitlementLookup("error")
		r.log.WithError(err).WithField("address", address).Warn("resolution failed closed")
		return entitlement.Status{Address: address, ResolvedAt: r.now()}, fmt.Errorf("%w: %v", ErrResolutionFailed, err)
	}
	metrics.EntitlementLookup("chain")
	metrics.ResolveDuration(r.now().Sub(started))

	r.storeCache(ctx, address, status)
	return status, nil
}

func (r *Resolver) resolveChain(ctx context.Context, address string) (entitlement.Status, error) {
	status := entitlement.Status{
		Address:      address,
		Collectibles: make(map[string]int64),
		ResolvedAt:   r.now().UTC(),
	}

	if r.cfg.GateContract != "" {
		balance, err := r.source.FungibleBalance(ctx, address, r.cfg.GateContract)
		if err != nil {
			return entitlement.Status{}, fmt.Errorf("gate balance: %w", err)
		}
		status.GateBalance = balance
		if balance >= r.cfg.GateMinBalance {
			status.HasAccess = true
			// Short-circuit: access is settled, the collections are not
			// queried.
			return status, nil
		}
	}

	for _, contract := range r.cfg.Collections {
		count, err := r.source.CollectibleCount(ctx, address, contract)
		if err != nil {
			return entitlement.Status{}, fmt.Errorf("collection %s: %w", contract, err)
		}
		status.Collectibles[contract] = count
		if count > 0 {
			status.HasAccess = true
			return status, nil
		}
	}

	return status, nil
}

func (r *Resolver) lookupCache(ctx context.Context, address string) (entitlement.Status, bool) {
	if r.cache == nil {
		return entitlement.Status{}, false
	}

	raw, ok, err := r.cache.Get(ctx, cacheKey(address))
	if err != nil {
		// Unreachable cache is a miss, not a failure: the chain still
		// answers and the ledger is untouched.
		r.log.WithError(err).Debug("entitlement cache unavailable")
		return entitlement.Status{}, false
	}
	if !ok {
		return entitlement.Status{}, false
	}

	var entry entitlement.CacheEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return entitlement.Status{}, false
	}
	if r.now().Sub(entry.ResolvedAt) >= r.cfg.CacheTTL {
		return entitlement.Status{}, false
	}

	return entitlement.Status{
		Address:      address,
		HasAccess:    entry.HasAccess,
		GateBalance:  entry.GateBalance,
		Collectibles: entry.Collectibles,
		ResolvedAt:   entry.ResolvedAt,
	}, true
}

func (r *Resolver) storeCache(ctx context.Context, address string, status entitlement.Status) {
	if r.cache == nil {
		return
	}

	raw, err := json.Marshal(entitlement.CacheEntry{
		HasAccess:    status.HasAccess,
		GateBalance:  status.GateBalance,
		Collectibles: status.Collectibles,
		ResolvedAt:   status.ResolvedAt,
	})
	if err != nil {
		return
	}
	if err := r.cache.Set(ctx, cacheKey(address), string(raw), r.cfg.CacheTTL); err != nil {
		r.log.WithError(err).Debug("entitlement cache write failed")
	}
}

// Invalidate evicts a cached resolution, e.g. after a known transfer.
func (r *Resolver) Invalidate(ctx context.Context, address string) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Delete(ctx, cacheKey(r.Normalize(address))); err != nil {
		r.log.WithError(err).Debug("entitlement cache delete failed")
	}
}

// GateMinBalance exposes the configured fungible threshold for grant policy.
func (r *Resolver) GateMinBalance() int64 {
	return r.cfg.GateMinBalance
}
