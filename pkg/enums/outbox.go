package enums

// OutboxAggregateType maps to the aggregate_type column of outbox_events.
type OutboxAggregateType string

const (
	AggregateDonation OutboxAggregateType = "donation"
)

func (a OutboxAggregateType) IsValid() bool {
	return a == AggregateDonation
}

// OutboxEventType maps to the event_type column of outbox_events.
type OutboxEventType string

const (
	EventDonationCreated       OutboxEventType = "donation_created"
	EventDonationStatusChanged OutboxEventType = "donation_status_changed"
	EventDonationSucceeded     OutboxEventType = "donation_succeeded"
)

// IsValid reports whether the publisher has a route for the event type.
func (e OutboxEventType) IsValid() bool {
	switch e {
	case EventDonationCreated, EventDonationStatusChanged, EventDonationSucceeded:
		return true
	}
	return false
}
