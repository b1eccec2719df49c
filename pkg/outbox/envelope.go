package outbox

import (
	"encoding/json"
	"time"
)

// PayloadEnvelope is the stable payload structure stored in outbox_events.
// Source names the path that produced the change (api, webhook, reconcile).
type PayloadEnvelope struct {
	Version    int             `json:"version"`
	EventID    string          `json:"eventId"`
	OccurredAt time.Time       `json:"occurredAt"`
	Source     string          `json:"source,omitempty"`
	Data       json.RawMessage `json:"data"`
}
