// Package entitlement defines holder status derived from on-chain holdings.
package entitlement

import "time"

// Status is the outcome of resolving an address against the gating assets.
type Status struct {
	Address   string
	HasAccess bool
	// GateBalance is the held amount of the primary fungible gating asset.
	GateBalance int64
	// Collectibles maps qualifying collection contract to held count. Only
	// the sources queried before the short-circuit are populated.
	Collectibles map[string]int64
	ResolvedAt   time.Time
}

// FungibleHolder reports whether the status qualifies under the fungible
// token category for the given minimum holding.
func (s Status) FungibleHolder(minBalance int64) bool {
	return s.GateBalance >= minBalance && s.GateBalance > 0
}

// CollectibleHolder reports whether any qualifying collection is held.
func (s Status) CollectibleHolder() bool {
	for _, count := range s.Collectibles {
		if count > 0 {
			return true
		}
	}
	return false
}

// CacheEntry is the cached form of a resolution. Entries expire after the
// resolver TTL and are refreshed eagerly rather than served stale.
type CacheEntry struct {
	HasAccess    bool             `json:"has_access"`
	GateBalance  int64            `json:"gate_balance"`
	Collectibles map[string]int64 `json:"collectibles,omitempty"`
	ResolvedAt   time.Time        `json:"resolved_at"`
}
