package donations

import "github.com/angelmondragon/packfinderz-donations/pkg/db/models"

// Outcome is the result of ConfirmPayment: either Persisted or Unpersisted.
type Outcome interface {
	outcome()
}

// Persisted carries a record whose reconciled state is stored in the ledger.
type Persisted struct {
	Donation models.Donation
}

// Unpersisted carries a gateway-confirmed record the ledger did not store.
// The reference has been recorded for out-of-band reconciliation.
type Unpersisted struct {
	Donation models.Donation
	Reason   UnpersistedReason
	Cause    error
}

func (Persisted) outcome()   {}
func (Unpersisted) outcome() {}

type UnpersistedReason string

const (
	ReasonLedgerUnavailable UnpersistedReason = "ledger_unavailable"
	ReasonWriteFailed       UnpersistedReason = "write_failed"
)

// DonationOf returns the record carried by either variant.
func DonationOf(o Outcome) models.Donation {
	switch v := o.(type) {
	case Persisted:
		return v.Donation
	case Unpersisted:
		return v.Donation
	default:
		return models.Donation{}
	}
}
