package enums

// DonationStatus mirrors the gateway payment intent lifecycle as cached in the ledger.
type DonationStatus string

const (
	DonationStatusPending        DonationStatus = "pending"
	DonationStatusProcessing     DonationStatus = "processing"
	DonationStatusRequiresAction DonationStatus = "requires_action"
	DonationStatusSucceeded      DonationStatus = "succeeded"
	DonationStatusFailed         DonationStatus = "failed"
	DonationStatusCanceled       DonationStatus = "canceled"
)

var validDonationStatuses = []DonationStatus{
	DonationStatusPending,
	DonationStatusProcessing,
	DonationStatusRequiresAction,
	DonationStatusSucceeded,
	DonationStatusFailed,
	DonationStatusCanceled,
}

// String implements fmt.Stringer.
func (s DonationStatus) String() string {
	return string(s)
}

// IsValid reports whether the value is a known DonationStatus.
func (s DonationStatus) IsValid() bool {
	for _, candidate := range validDonationStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further gateway transitions are expected.
func (s DonationStatus) IsTerminal() bool {
	switch s {
	case DonationStatusSucceeded, DonationStatusFailed, DonationStatusCanceled:
		return true
	}
	return false
}

// NonTerminalDonationStatuses lists statuses the reconcile job revisits.
func NonTerminalDonationStatuses() []DonationStatus {
	return []DonationStatus{
		DonationStatusPending,
		DonationStatusProcessing,
		DonationStatusRequiresAction,
	}
}
