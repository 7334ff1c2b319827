package audit

import "time"

// Event types emitted to the audit topic.
const (
	EventSessionJoined = "SESSION_JOINED"
	EventSessionLeft   = "SESSION_LEFT"
	EventSchemaApplied = "SCHEMA_APPLIED"
)

// Event is the record published to Kafka for every session join/leave and
// every accepted schema update, keyed by formId so one form's history lands
// on one partition.
type Event struct {
	EventType   string    `json:"eventType"`
	FormID      string    `json:"formId"`
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName,omitempty"`
	Version     uint64    `json:"version,omitempty"`
	OccurredAt  time.Time `json:"occurredAt"`
}
