package events

import (
	"strings"
	"time"
)

// IntegrationEvent is a fact published across bounded contexts.
// EventType is the short name ("OrderCreated"), Module the owning context ("ordering").
type IntegrationEvent interface {
	EventType() string
	Module() string
}

// FullName returns the qualified type name "module.EventType" stored beside the payload.
func FullName(e IntegrationEvent) string {
	return QualifiedName(e.Module(), e.EventType())
}

func QualifiedName(module, eventType string) string {
	return module + "." + eventType
}

// ChannelFor returns the pub/sub channel an event type is broadcast on.
func ChannelFor(fullTypeName string) string {
	return "events:" + fullTypeName
}

// ShortName strips the module prefix from a qualified name.
func ShortName(fullTypeName string) string {
	if i := strings.LastIndex(fullTypeName, "."); i >= 0 {
		return fullTypeName[i+1:]
	}
	return fullTypeName
}

const timestampLayout = "2006-01-02T15:04:05.000Z"

// Timestamp serializes as ISO-8601 UTC with millisecond precision.
type Timestamp struct {
	time.Time
}

func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Time: t.UTC().Truncate(time.Millisecond)}
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.UTC().Format(timestampLayout) + `"`), nil
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	s := string(data)
	if s == "null" {
		t.Time = time.Time{}
		return nil
	}
	parsed, err := time.Parse(`"`+time.RFC3339Nano+`"`, s)
	if err != nil {
		return err
	}
	t.Time = parsed.UTC()
	return nil
}
