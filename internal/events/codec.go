package events

import (
	"encoding/json"
	"fmt"
)

// Marshal serializes an event deterministically: struct fields in declaration order,
// map keys sorted, enums through their text marshalers, timestamps via Timestamp.
func Marshal(e IntegrationEvent) (string, error) {
	if e == nil {
		return "", fmt.Errorf("marshal event: nil event: %w", ErrInvalidArgument)
	}
	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("marshal %s: %w", FullName(e), err)
	}
	return string(data), nil
}

// Describe returns the stored type triple for an event.
func Describe(e IntegrationEvent) (eventType, fullType, module string) {
	return e.EventType(), FullName(e), e.Module()
}
