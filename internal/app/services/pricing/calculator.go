// Package pricing computes the credit cost of a unit of generation work.
// The calculator is a pure function over a rate table and two multipliers;
// it performs no I/O and holds no mutable state, so a single instance is
// shared by every request.
package pricing

import (
	"errors"
	"fmt"
	"math"
)

// ClientClass distinguishes first-party clients from external agents, which
// carry a markup.
type ClientClass string

const (
	ClientStandard      ClientClass = "standard"
	ClientExternalAgent ClientClass = "external_agent"
)

// ErrInvalidInput marks caller errors: unknown unit kind or a quantity
// outside the accepted range. Rejected before any ledger mutation.
var ErrInvalidInput = errors.New("invalid pricing input")

const (
	// MinQuantity and MaxQuantity bound a single batch. Out-of-range values
	// are rejected, not clamped, so a caller bug cannot silently change the
	// price.
	MinQuantity = 1
	MaxQuantity = 100

	defaultBatchPremium = 1.15
	defaultAgentMarkup  = 1.2
)

// Config tunes the calculator. Zero values fall back to defaults.
type Config struct {
	Rates        map[string]float64 `yaml:"rates"`
	BatchPremium float64            `yaml:"batch_premium"`
	AgentMarkup  float64            `yaml:"agent_markup"`
}

// Calculator prices work descriptors.
type Calculator struct {
	rates        map[string]float64
	batchPremium float64
	agentMarkup  float64
}

// DefaultRates is the canonical per-unit base rate table.
func DefaultRates() map[string]float64 {
	return map[string]float64{
		"flux-2":      0.3,
		"flux-2-pro":  0.6,
		"sd-3.5":      0.2,
		"upscale":     0.1,
		"video-short": 2.5,
	}
}

// New constructs a calculator from config, applying defaults for anything
// unset.
func New(cfg Config) *Calculator {
	rates := cfg.Rates
	if len(rates) == 0 {
		rates = DefaultRates()
	}
	premium := cfg.BatchPremium
	if premium <= 0 {
		premium = defaultBatchPremium
	}
	markup := cfg.AgentMarkup
	if markup <= 0 {
		markup = defaultAgentMarkup
	}
	return &Calculator{rates: rates, batchPremium: premium, agentMarkup: markup}
}

// Price returns the credit cost for quantity units of unitKind requested by
// the given client class. The pipeline is: base rate, batch premium when
// quantity > 1, external-agent markup on the batch-adjusted total, then a
// ceiling to one decimal so rounding can never under-charge.
func (c *Calculator) Price(unitKind string, quantity int, class ClientClass) (float64, error) {
	base, ok := c.rates[unitKind]
	if !ok {
		return 0, fmt.Errorf("%w: unknown unit kind %q", ErrInvalidInput, unitKind)
	}
	if quantity < MinQuantity || quantity > MaxQuantity {
		return 0, fmt.Errorf("%w: quantity %d outside [%d, %d]", ErrInvalidInput, quantity, MinQuantity, MaxQuantity)
	}

	perUnit := base
	if quantity > 1 {
		perUnit *= c.batchPremium
	}
	total := perUnit * float64(quantity)
	if class == ClientExternalAgent {
		total *= c.agentMarkup
	}

	return CeilTenth(total), nil
}

// Known reports whether the unit kind has a base rate.
func (c *Calculator) Known(unitKind string) bool {
	_, ok := c.rates[unitKind]
	return ok
}

// CeilTenth rounds up to the next tenth of a credit. Binary-float noise is
// squashed before the ceiling so a product that is exactly x.y does not get
// bumped to x.y+0.1.
func CeilTenth(v float64) float64 {
	scaled := math.Round(v*1e9) / 1e8
	return math.Ceil(scaled) / 10
}
