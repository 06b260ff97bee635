// Package contracts wires every bounded context's integration events into one registry.
package contracts

import (
	"errors"

	"relaybox/internal/events"
	"relaybox/internal/events/contracts/billing"
	"relaybox/internal/events/contracts/identity"
	"relaybox/internal/events/contracts/membership"
	"relaybox/internal/events/contracts/ordering"
)

// NewRegistry returns a registry holding all known integration events.
func NewRegistry() (*events.Registry, error) {
	r := events.NewRegistry()
	if err := errors.Join(
		identity.Register(r),
		membership.Register(r),
		ordering.Register(r),
		billing.Register(r),
	); err != nil {
		return nil, err
	}
	return r, nil
}
