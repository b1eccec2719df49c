package donations

import (
	"github.com/angelmondragon/packfinderz-donations/pkg/db/models"
	"github.com/angelmondragon/packfinderz-donations/pkg/enums"
)

// Project overwrites the gateway-owned fields of current with snap. Only the
// snapshot decides the new status, except that succeeded is never left.
func Project(current models.Donation, snap IntentSnapshot) models.Donation {
	next := current
	next.Status = snap.Status
	if current.Status == enums.DonationStatusSucceeded {
		next.Status = enums.DonationStatusSucceeded
	}
	if snap.ChargeReference != nil {
		next.ExternalChargeReference = snap.ChargeReference
	}
	if snap.PaymentMethodReference != nil {
		next.PaymentMethodReference = snap.PaymentMethodReference
	}
	return Normalize(next)
}

// lifecycleRank orders statuses along the payment intent lifecycle. Terminal
// statuses share the highest rank.
func lifecycleRank(s enums.DonationStatus) int {
	switch s {
	case enums.DonationStatusPending:
		return 0
	case enums.DonationStatusRequiresAction:
		return 1
	case enums.DonationStatusProcessing:
		return 2
	}
	return 3
}

// synthesize builds the unsaved record returned when the ledger cannot be read.
func synthesize(snap IntentSnapshot) models.Donation {
	return Normalize(models.Donation{
		Amount:                  snap.Amount,
		Currency:                snap.Currency,
		Description:             snap.Description,
		IsAnonymous:             snap.Metadata[metadataAnonymous] == "true",
		ExternalReference:       snap.Reference,
		ExternalChargeReference: snap.ChargeReference,
		PaymentMethodReference:  snap.PaymentMethodReference,
		Status:                  snap.Status,
	})
}

func projectionChanged(before, after models.Donation) bool {
	return before.Status != after.Status ||
		!sameRef(before.ExternalChargeReference, after.ExternalChargeReference) ||
		!sameRef(before.PaymentMethodReference, after.PaymentMethodReference)
}

func sameRef(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
