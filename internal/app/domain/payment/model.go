// Package payment defines the request-scoped pay-per-call proof and the
// facilitator contract it is verified against. A proof is never persisted;
// only a successful settlement leaves a ledger entry.
package payment

// Requirements declares what a proof must pay: asset, network, amount in the
// asset's smallest unit, and the receiving address.
type Requirements struct {
	Scheme  string `json:"scheme"`
	Network string `json:"network"`
	Asset   string `json:"asset"`
	Amount  int64  `json:"amount"`
	PayTo   string `json:"pay_to"`
	// Resource identifies the unit of work being paid for.
	Resource string `json:"resource,omitempty"`
}

// Proof is the opaque signed payload presented by the caller together with
// the requirements it claims to satisfy.
type Proof struct {
	// Payload is the base64-encoded signed payment payload, passed through to
	// the facilitator unmodified.
	Payload  string       `json:"payload"`
	Declared Requirements `json:"declared"`
}

// VerifyResult is the facilitator's answer to a verification request.
type VerifyResult struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// SettleResult is the facilitator's answer to a settlement request.
type SettleResult struct {
	Success        bool   `json:"success"`
	SettlementRef  string `json:"settlement_ref,omitempty"`
	AlreadySettled bool   `json:"already_settled,omitempty"`
	Reason         string `json:"reason,omitempty"`
}
