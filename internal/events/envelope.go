package events

import (
	"encoding/json"
)

// Envelope is the broadcast form of an integration event on external transports.
type Envelope struct {
	EventType  string          `json:"event_type"`
	FullType   string          `json:"full_type"`
	Module     string          `json:"module"`
	OccurredAt Timestamp       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}
