package donations

import (
	"strings"

	"github.com/angelmondragon/packfinderz-donations/pkg/db/models"
	"github.com/angelmondragon/packfinderz-donations/pkg/enums"
)

// Values substituted for absent fields at every ledger read and write.
var normalizeDefaults = struct {
	Status      enums.DonationStatus
	Description string
}{
	Status:      enums.DonationStatusSucceeded,
	Description: "",
}

// Normalize fills absent fields with their defaults. It never mutates its input.
func Normalize(d models.Donation) models.Donation {
	if d.Status == "" {
		d.Status = normalizeDefaults.Status
	}
	if strings.TrimSpace(d.Description) == "" {
		d.Description = normalizeDefaults.Description
	}
	d.Currency = strings.ToLower(strings.TrimSpace(d.Currency))
	d.ExternalChargeReference = nonEmpty(d.ExternalChargeReference)
	d.PaymentMethodReference = nonEmpty(d.PaymentMethodReference)
	return d
}

func nonEmpty(value *string) *string {
	if value == nil || strings.TrimSpace(*value) == "" {
		return nil
	}
	v := *value
	return &v
}
