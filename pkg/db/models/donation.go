package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/packfinderz-donations/pkg/enums"
)

// Donation is the ledger's cached projection of a gateway payment intent.
// ID 0 marks a record synthesized from gateway state that was never written.
type Donation struct {
	ID                      int64                `gorm:"column:id;primaryKey;autoIncrement"`
	UserID                  *uuid.UUID           `gorm:"column:user_id;type:uuid"`
	Amount                  decimal.Decimal      `gorm:"column:amount;type:numeric(12,2);not null"`
	Currency                string               `gorm:"column:currency;not null"`
	Description             string               `gorm:"column:description;not null;default:''"`
	IsAnonymous             bool                 `gorm:"column:is_anonymous;not null;default:false"`
	ExternalReference       string               `gorm:"column:external_reference;not null;uniqueIndex:ux_donations_external_reference"`
	ExternalChargeReference *string              `gorm:"column:external_charge_reference"`
	PaymentMethodReference  *string              `gorm:"column:payment_method_reference"`
	Status                  enums.DonationStatus `gorm:"column:status;not null;default:'pending'"`
	CreatedAt               time.Time            `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt               time.Time            `gorm:"column:updated_at;autoUpdateTime"`
}

func (Donation) TableName() string { return "donations" }

// Persisted reports whether the record came from the ledger.
func (d Donation) Persisted() bool {
	return d.ID != 0
}
