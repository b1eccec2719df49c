package payloads

import (
	"github.com/angelmondragon/packfinderz-donations/pkg/enums"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DonationCreatedEvent is emitted when a pending ledger row is created.
// DonorID is withheld for anonymous donations.
type DonationCreatedEvent struct {
	DonationID        int64           `json:"donation_id"`
	ExternalReference string          `json:"external_reference"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	IsAnonymous       bool            `json:"is_anonymous"`
	DonorID           *uuid.UUID      `json:"donor_id,omitempty"`
}

// DonationStatusChangedEvent is emitted whenever the cached gateway status moves.
type DonationStatusChangedEvent struct {
	DonationID              int64                `json:"donation_id"`
	ExternalReference       string               `json:"external_reference"`
	PreviousStatus          enums.DonationStatus `json:"previous_status"`
	Status                  enums.DonationStatus `json:"status"`
	ExternalChargeReference *string              `json:"external_charge_reference,omitempty"`
}

// DonationSucceededEvent fires once per donation, for receipts and thank-you notices.
type DonationSucceededEvent struct {
	DonationID              int64           `json:"donation_id"`
	ExternalReference       string          `json:"external_reference"`
	Amount                  decimal.Decimal `json:"amount"`
	Currency                string          `json:"currency"`
	Description             string          `json:"description"`
	IsAnonymous             bool            `json:"is_anonymous"`
	DonorID                 *uuid.UUID      `json:"donor_id,omitempty"`
	ExternalChargeReference *string         `json:"external_charge_reference,omitempty"`
}
