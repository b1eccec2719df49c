package donations

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/packfinderz-donations/pkg/db/models"
	"github.com/angelmondragon/packfinderz-donations/pkg/enums"
	"github.com/angelmondragon/packfinderz-donations/pkg/outbox"
	"github.com/angelmondragon/packfinderz-donations/pkg/outbox/payloads"
)

// Notifier queues donation lifecycle events for downstream consumers.
type Notifier interface {
	DonationCreated(ctx context.Context, tx *gorm.DB, donation models.Donation, source string) error
	StatusChanged(ctx context.Context, tx *gorm.DB, previous enums.DonationStatus, donation models.Donation, source string) error
}

type outboxEmitter interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
	EmitIfNotExists(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// OutboxNotifier writes events to the transactional outbox.
type OutboxNotifier struct {
	outbox outboxEmitter
}

func NewOutboxNotifier(emitter outboxEmitter) *OutboxNotifier {
	return &OutboxNotifier{outbox: emitter}
}

func (n *OutboxNotifier) DonationCreated(ctx context.Context, tx *gorm.DB, donation models.Donation, source string) error {
	return n.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventDonationCreated,
		AggregateType: enums.AggregateDonation,
		AggregateID:   donation.ExternalReference,
		Source:        source,
		Data: payloads.DonationCreatedEvent{
			DonationID:        donation.ID,
			ExternalReference: donation.ExternalReference,
			Amount:            donation.Amount,
			Currency:          donation.Currency,
			IsAnonymous:       donation.IsAnonymous,
			DonorID:           donorID(donation),
		},
	})
}

// StatusChanged emits a status change and, the first time a donation settles, a succeeded event.
func (n *OutboxNotifier) StatusChanged(ctx context.Context, tx *gorm.DB, previous enums.DonationStatus, donation models.Donation, source string) error {
	if previous != donation.Status {
		if err := n.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventDonationStatusChanged,
			AggregateType: enums.AggregateDonation,
			AggregateID:   donation.ExternalReference,
			Source:        source,
			Data: payloads.DonationStatusChangedEvent{
				DonationID:              donation.ID,
				ExternalReference:       donation.ExternalReference,
				PreviousStatus:          previous,
				Status:                  donation.Status,
				ExternalChargeReference: donation.ExternalChargeReference,
			},
		}); err != nil {
			return err
		}
	}
	if donation.Status != enums.DonationStatusSucceeded {
		return nil
	}
	return n.outbox.EmitIfNotExists(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventDonationSucceeded,
		AggregateType: enums.AggregateDonation,
		AggregateID:   donation.ExternalReference,
		Source:        source,
		Data: payloads.DonationSucceededEvent{
			DonationID:              donation.ID,
			ExternalReference:       donation.ExternalReference,
			Amount:                  donation.Amount,
			Currency:                donation.Currency,
			Description:             donation.Description,
			IsAnonymous:             donation.IsAnonymous,
			DonorID:                 donorID(donation),
			ExternalChargeReference: donation.ExternalChargeReference,
		},
	})
}

func donorID(d models.Donation) *uuid.UUID {
	if d.IsAnonymous {
		return nil
	}
	return d.UserID
}
