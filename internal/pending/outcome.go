package pending

import "txcore/internal/store"

// Outcome is the result of one wait cycle. Timeouts and unresolved races
// are data, not errors: the record stays pending with a refreshed watermark
// and the caller decides when to retry.
type Outcome int

const (
	// OutcomePending means the transaction is still in flight; the caller
	// should wait again later.
	OutcomePending Outcome = iota
	// OutcomeConfirmed means a confirmed record was written and the
	// pending record deleted.
	OutcomeConfirmed
	// OutcomeAbandoned means the nonce was settled by something other
	// than this submission and no outcome for it will ever appear; the
	// pending record was deleted.
	OutcomeAbandoned
)

func (o Outcome) String() string {
	switch o {
	case OutcomePending:
		return "pending"
	case OutcomeConfirmed:
		return "confirmed"
	case OutcomeAbandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// WaitResult carries the outcome of one wait cycle; Confirmed is set only
// for OutcomeConfirmed.
type WaitResult struct {
	Outcome   Outcome
	Confirmed *store.ConfirmedTx
}
